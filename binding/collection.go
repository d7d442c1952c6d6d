package binding

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/events"
	"github.com/apex/log"
)

// CollectionConfig parameters defining a mirrored collection
type CollectionConfig[T any] struct {
	// ExtractID fetch the identity of an item. Required
	ExtractID func(item T) string
	// Decode convert a wire row into an item. Defaults to a JSON round-trip
	Decode func(row events.Row) (T, error)
	// Less item ordering. When nil the collection keeps arrival order
	Less func(a, b T) bool
	// Descending invert the ordering of Less
	Descending bool
	// OnMutate called with a snapshot after every change to the collection
	OnMutate func(items []T)
}

// Collection a locally mirrored, identity-keyed view of a remote collection
type Collection[T any] interface {
	// Apply reconcile one change event against the collection
	Apply(event events.RealtimeEvent) error
	// Add place an already decoded item into the collection
	Add(item T)
	// Remove drop the item carrying an ID, if present
	Remove(id string)
	// Get fetch one item by ID
	Get(id string) (T, bool)
	// Items a snapshot of the collection in its current order
	Items() []T
	// Len the number of items held
	Len() int
	// Reset replace the whole collection
	Reset(items []T)
}

// collectionImpl implements Collection
type collectionImpl[T any] struct {
	common.Component
	cfg   CollectionConfig[T]
	lock  sync.RWMutex
	items []T
	index map[string]int
}

// GetCollectionInstance define a new mirrored collection
func GetCollectionInstance[T any](
	name string, cfg CollectionConfig[T],
) (Collection[T], error) {
	if cfg.ExtractID == nil {
		return nil, fmt.Errorf("collection %s defined without an ID extractor", name)
	}
	if cfg.Decode == nil {
		cfg.Decode = func(row events.Row) (T, error) {
			var item T
			serialized, err := json.Marshal(row)
			if err != nil {
				return item, err
			}
			err = json.Unmarshal(serialized, &item)
			return item, err
		}
	}
	logTags := log.Fields{
		"module": "binding", "component": "collection", "instance": name,
	}
	return &collectionImpl[T]{
		Component: common.Component{LogTags: logTags},
		cfg:       cfg,
		items:     []T{},
		index:     make(map[string]int),
	}, nil
}

// Apply reconcile one change event against the collection. Inserts of an
// already held ID act as updates, updates of an unknown ID act as inserts,
// and deletes of an unknown ID do nothing.
func (c *collectionImpl[T]) Apply(event events.RealtimeEvent) error {
	switch event.Type {
	case events.ChangeInsert, events.ChangeUpdate:
		item, err := c.cfg.Decode(event.New)
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Errorf(
				"Unable to decode %s event row", event.Type,
			)
			return err
		}
		c.Add(item)
	case events.ChangeDelete:
		id, ok := event.Old["id"].(string)
		if !ok {
			// Fall back to decoding the old row for its identity
			item, err := c.cfg.Decode(event.Old)
			if err != nil {
				log.WithError(err).WithFields(c.LogTags).Error(
					"Unable to decode delete event row",
				)
				return err
			}
			id = c.cfg.ExtractID(item)
		}
		c.Remove(id)
	default:
		return fmt.Errorf("unknown change type '%s'", event.Type)
	}
	return nil
}

// Add place an already decoded item into the collection
func (c *collectionImpl[T]) Add(item T) {
	id := c.cfg.ExtractID(item)
	c.lock.Lock()
	if at, ok := c.index[id]; ok {
		c.items[at] = item
	} else {
		c.index[id] = len(c.items)
		c.items = append(c.items, item)
	}
	c.resort()
	snapshot := c.snapshot()
	c.lock.Unlock()
	c.notify(snapshot)
}

// Remove drop the item carrying an ID, if present
func (c *collectionImpl[T]) Remove(id string) {
	c.lock.Lock()
	at, ok := c.index[id]
	if !ok {
		c.lock.Unlock()
		return
	}
	c.items = append(c.items[:at], c.items[at+1:]...)
	delete(c.index, id)
	c.reindex()
	snapshot := c.snapshot()
	c.lock.Unlock()
	c.notify(snapshot)
}

// Get fetch one item by ID
func (c *collectionImpl[T]) Get(id string) (T, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	if at, ok := c.index[id]; ok {
		return c.items[at], true
	}
	var zero T
	return zero, false
}

// Items a snapshot of the collection in its current order
func (c *collectionImpl[T]) Items() []T {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.snapshot()
}

// Len the number of items held
func (c *collectionImpl[T]) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.items)
}

// Reset replace the whole collection
func (c *collectionImpl[T]) Reset(items []T) {
	c.lock.Lock()
	c.items = make([]T, 0, len(items))
	c.index = make(map[string]int, len(items))
	for _, item := range items {
		id := c.cfg.ExtractID(item)
		if at, ok := c.index[id]; ok {
			c.items[at] = item
			continue
		}
		c.index[id] = len(c.items)
		c.items = append(c.items, item)
	}
	c.resort()
	snapshot := c.snapshot()
	c.lock.Unlock()
	c.notify(snapshot)
}

// resort re-order items and rebuild the index. Caller must hold the write lock
func (c *collectionImpl[T]) resort() {
	if c.cfg.Less == nil {
		return
	}
	sort.SliceStable(c.items, func(i, j int) bool {
		if c.cfg.Descending {
			return c.cfg.Less(c.items[j], c.items[i])
		}
		return c.cfg.Less(c.items[i], c.items[j])
	})
	c.reindex()
}

// reindex rebuild the ID index. Caller must hold the write lock
func (c *collectionImpl[T]) reindex() {
	for at, item := range c.items {
		c.index[c.cfg.ExtractID(item)] = at
	}
}

// snapshot copy the item slice. Caller must hold at least the read lock
func (c *collectionImpl[T]) snapshot() []T {
	result := make([]T, len(c.items))
	copy(result, c.items)
	return result
}

// notify run the mutation hook outside the lock
func (c *collectionImpl[T]) notify(snapshot []T) {
	if c.cfg.OnMutate != nil {
		c.cfg.OnMutate(snapshot)
	}
}
