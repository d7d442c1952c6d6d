package cache

import (
	"context"
	"time"
)

// Store a key-value store with per entry time-to-live expiry, used to memoize
// query results between subscription invalidation events.
//
// A cache miss is a control flow signal, not an error. An entry is never
// returned past its expiry.
type Store interface {
	// Get fetch the value under key. Returns found == false when the key is
	// absent or the entry has expired; an expired entry is purged on access.
	Get(ctxt context.Context, key string) (interface{}, bool)
	// Set store value under key with the given time-to-live
	Set(ctxt context.Context, key string, value interface{}, ttl time.Duration) error
	// Delete remove the entry under key
	Delete(ctxt context.Context, key string)
	// Sweep purge all expired entries, returning the number removed
	Sweep(ctxt context.Context) int
}
