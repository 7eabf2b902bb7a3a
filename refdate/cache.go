package refdate

import (
	"context"
	"log"
	"sync"
	"time"
)

// =============================================================================
// CACHED VALUE - Lazily refreshed value with a TTL
// =============================================================================

// CachedValue holds a value loaded on demand and refreshed once it is older
// than its TTL. The clock is injectable so tests control expiry.
//
// If a refresh fails and a previous value exists, the previous value is
// served and the failure is logged; the next Get retries.
type CachedValue[T any] struct {
	mu            sync.Mutex
	value         T
	loaded        bool
	stale         bool
	lastRefreshed time.Time
	ttl           time.Duration
	load          func(ctx context.Context) (T, error)
	now           func() time.Time
}

// NewCachedValue creates a cache around load. A nil clock means time.Now.
func NewCachedValue[T any](ttl time.Duration, load func(ctx context.Context) (T, error), clock func() time.Time) *CachedValue[T] {
	if clock == nil {
		clock = time.Now
	}
	return &CachedValue[T]{ttl: ttl, load: load, now: clock}
}

// Get returns the cached value, reloading it if stale.
func (c *CachedValue[T]) Get(ctx context.Context) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.loaded && !c.stale && now.Sub(c.lastRefreshed) < c.ttl {
		return c.value, nil
	}

	v, err := c.load(ctx)
	if err != nil {
		if c.loaded {
			log.Printf("[Cache] refresh failed, serving value from %s: %v", c.lastRefreshed.Format(time.RFC3339), err)
			return c.value, nil
		}
		var zero T
		return zero, err
	}
	c.value = v
	c.loaded = true
	c.stale = false
	c.lastRefreshed = now
	return v, nil
}

// Invalidate forces the next Get to reload.
func (c *CachedValue[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

// LastRefreshed returns when the value was last loaded (zero if never).
func (c *CachedValue[T]) LastRefreshed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefreshed
}
