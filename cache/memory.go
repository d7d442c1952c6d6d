package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/livesync/common"
	"github.com/apex/log"
)

// cacheEntry one stored value with its expiry deadline
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// inMemoryStoreImpl implements Store against a process local map.
//
// There is no eviction beyond TTL expiry, so the store is unbounded. That is
// acceptable only for small per session datasets.
type inMemoryStoreImpl struct {
	common.Component
	lock    *sync.RWMutex
	entries map[string]cacheEntry
}

// GetInMemoryStore create new in-memory TTL cache store
func GetInMemoryStore(instance string) (Store, error) {
	logTags := log.Fields{
		"module": "cache", "component": "in-memory-store", "instance": instance,
	}
	return &inMemoryStoreImpl{
		Component: common.Component{LogTags: logTags},
		lock:      &sync.RWMutex{},
		entries:   make(map[string]cacheEntry),
	}, nil
}

// Get fetch the value under key
func (s *inMemoryStoreImpl) Get(ctxt context.Context, key string) (interface{}, bool) {
	s.lock.RLock()
	entry, ok := s.entries[key]
	s.lock.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		// Lazy purge on access
		s.lock.Lock()
		if current, ok := s.entries[key]; ok && current.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries, key)
		}
		s.lock.Unlock()
		log.WithFields(s.LogTags).Debugf("Purged expired entry %s", key)
		return nil, false
	}
	return entry.value, true
}

// Set store value under key with the given time-to-live
func (s *inMemoryStoreImpl) Set(
	ctxt context.Context, key string, value interface{}, ttl time.Duration,
) error {
	if ttl <= 0 {
		return fmt.Errorf("cache entry TTL must be positive")
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.entries[key] = cacheEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete remove the entry under key
func (s *inMemoryStoreImpl) Delete(ctxt context.Context, key string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.entries, key)
}

// Sweep purge all expired entries
func (s *inMemoryStoreImpl) Sweep(ctxt context.Context) int {
	now := time.Now()
	s.lock.Lock()
	defer s.lock.Unlock()
	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		log.WithFields(s.LogTags).Debugf("Swept %d expired entries", removed)
	}
	return removed
}
