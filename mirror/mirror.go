package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livesync/binding"
	"github.com/alwitt/livesync/cache"
	"github.com/alwitt/livesync/common"
	"github.com/alwitt/livesync/events"
	"github.com/alwitt/livesync/registry"
	"github.com/apex/log"
)

// Mirror keeps live local copies of a set of remote resources and serves
// snapshots of them through a time-to-live cache
type Mirror interface {
	// Start subscribe every configured resource and begin mirroring
	Start(ctxt context.Context) error
	// Snapshot the current rows of a mirrored resource
	Snapshot(ctxt context.Context, resourceName string) ([]events.Row, error)
	// Resources the names of the mirrored resources
	Resources() []string
	// Stop detach all resource subscriptions
	Stop(ctxt context.Context)
}

// mirrorImpl implements Mirror
type mirrorImpl struct {
	common.Component
	registry  registry.Registry
	store     cache.Store
	resources []common.MirroredResource
	cacheCfg  common.CacheConfig

	lock          sync.Mutex
	collections   map[string]binding.Collection[events.Row]
	subscriptions map[string]string
	sweepTimer    common.IntervalTimer
}

// GetMirrorInstance define a new resource mirror
func GetMirrorInstance(
	reg registry.Registry,
	store cache.Store,
	resources []common.MirroredResource,
	cacheCfg common.CacheConfig,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Mirror, error) {
	logTags := log.Fields{
		"module": "mirror", "component": "resource-mirror",
	}
	sweepTimer, err := common.GetIntervalTimerInstance("cache-sweep", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	return &mirrorImpl{
		Component:     common.Component{LogTags: logTags},
		registry:      reg,
		store:         store,
		resources:     resources,
		cacheCfg:      cacheCfg,
		collections:   make(map[string]binding.Collection[events.Row]),
		subscriptions: make(map[string]string),
		sweepTimer:    sweepTimer,
	}, nil
}

// rowIdentity fetch the "id" field of a row as its identity
func rowIdentity(row events.Row) string {
	if id, ok := row["id"].(string); ok {
		return id
	}
	return fmt.Sprintf("%v", row["id"])
}

// rowLess build a row ordering over one sort key
func rowLess(sortKey string) func(a, b events.Row) bool {
	return func(a, b events.Row) bool {
		left := fmt.Sprintf("%v", a[sortKey])
		right := fmt.Sprintf("%v", b[sortKey])
		return left < right
	}
}

// Start subscribe every configured resource and begin mirroring
func (m *mirrorImpl) Start(ctxt context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for _, resource := range m.resources {
		resourceName := resource.Name
		collection, err := binding.GetCollectionInstance(
			resourceName, binding.CollectionConfig[events.Row]{
				ExtractID:  rowIdentity,
				Decode:     func(row events.Row) (events.Row, error) { return row, nil },
				Less:       sortFuncFor(resource),
				Descending: resource.SortDescending,
				OnMutate: func(items []events.Row) {
					// A mutated collection invalidates its cached snapshot
					m.store.Delete(ctxt, snapshotCacheKey(resourceName))
				},
			},
		)
		if err != nil {
			return err
		}
		subscriptionID, err := binding.Bind(ctxt, m.registry, binding.BindParams{
			Resource: resourceName,
			Filter:   resource.Filter,
			OnError: func(err error) {
				log.WithError(err).WithFields(m.LogTags).Errorf(
					"Feed error on mirrored resource %s", resourceName,
				)
			},
		}, collection)
		if err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to mirror resource %s", resourceName,
			)
			return err
		}
		m.collections[resourceName] = collection
		m.subscriptions[resourceName] = subscriptionID
		log.WithFields(m.LogTags).Infof("Mirroring resource %s", resourceName)
	}

	// Stale snapshots are worthless after a reconnect
	if err := m.registry.WatchState(ctxt, func(state registry.ConnectionState) {
		if state == registry.Connected {
			m.invalidateAll(context.Background())
		}
	}); err != nil {
		return err
	}

	sweepInterval := time.Second * time.Duration(m.cacheCfg.SweepInterval)
	return m.sweepTimer.Start(sweepInterval, func() error {
		purged := m.store.Sweep(context.Background())
		if purged > 0 {
			log.WithFields(m.LogTags).Debugf("Swept %d expired snapshots", purged)
		}
		return nil
	}, false)
}

// sortFuncFor the row ordering of a mirrored resource, nil when unsorted
func sortFuncFor(resource common.MirroredResource) func(a, b events.Row) bool {
	if resource.SortKey == "" {
		return nil
	}
	return rowLess(resource.SortKey)
}

// snapshotCacheKey the cache key of a resource snapshot
func snapshotCacheKey(resourceName string) string {
	return fmt.Sprintf("mirror.snapshot.%s", resourceName)
}

// Snapshot the current rows of a mirrored resource. Serves from the snapshot
// cache when a valid entry exists, otherwise reads the live collection and
// refills the cache.
func (m *mirrorImpl) Snapshot(
	ctxt context.Context, resourceName string,
) ([]events.Row, error) {
	m.lock.Lock()
	collection, ok := m.collections[resourceName]
	m.lock.Unlock()
	if !ok {
		return nil, fmt.Errorf("resource %s is not mirrored", resourceName)
	}

	cacheKey := snapshotCacheKey(resourceName)
	if cached, found := m.store.Get(ctxt, cacheKey); found {
		if rows, ok := cached.([]events.Row); ok {
			return rows, nil
		}
	}

	rows := collection.Items()
	ttl := time.Second * time.Duration(m.snapshotTTL(resourceName))
	if err := m.store.Set(ctxt, cacheKey, rows, ttl); err != nil {
		log.WithError(err).WithFields(m.LogTags).Warnf(
			"Unable to cache snapshot of %s", resourceName,
		)
	}
	return rows, nil
}

// snapshotTTL the snapshot time-to-live of a resource in seconds
func (m *mirrorImpl) snapshotTTL(resourceName string) int {
	for _, resource := range m.resources {
		if resource.Name == resourceName && resource.SnapshotTTL > 0 {
			return resource.SnapshotTTL
		}
	}
	return m.cacheCfg.DefaultTTL
}

// Resources the names of the mirrored resources
func (m *mirrorImpl) Resources() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	names := make([]string, 0, len(m.collections))
	for _, resource := range m.resources {
		if _, ok := m.collections[resource.Name]; ok {
			names = append(names, resource.Name)
		}
	}
	return names
}

// invalidateAll drop every cached snapshot
func (m *mirrorImpl) invalidateAll(ctxt context.Context) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for resourceName := range m.collections {
		m.store.Delete(ctxt, snapshotCacheKey(resourceName))
	}
	log.WithFields(m.LogTags).Info("Invalidated all cached snapshots")
}

// Stop detach all resource subscriptions
func (m *mirrorImpl) Stop(ctxt context.Context) {
	m.lock.Lock()
	defer m.lock.Unlock()
	_ = m.sweepTimer.Stop()
	for resourceName, subscriptionID := range m.subscriptions {
		if err := m.registry.Unsubscribe(ctxt, subscriptionID); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf(
				"Unable to detach mirrored resource %s", resourceName,
			)
		}
	}
	m.subscriptions = make(map[string]string)
}
