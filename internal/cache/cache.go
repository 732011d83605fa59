// Package cache provides a small in-memory TTL cache used for roster
// lookups on the hot submission path.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	val     V
	expires time.Time
}

// TTL is a concurrency-safe map with per-cache expiry. Expired entries are
// dropped lazily on access and wholesale on Set when the map grows past
// maxEntries.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	entries    map[K]entry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

// New creates a TTL cache. maxEntries <= 0 disables the size sweep.
func New[K comparable, V any](ttl time.Duration, maxEntries int) *TTL[K, V] {
	return &TTL[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (c *TTL[K, V]) WithClock(now func() time.Time) *TTL[K, V] {
	c.now = now
	return c
}

// Get returns the cached value if present and not expired.
func (c *TTL[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, k)
		var zero V
		return zero, false
	}
	return e.val, true
}

// Set stores a value with the cache's TTL.
func (c *TTL[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.sweep()
	}
	c.entries[k] = entry[V]{val: v, expires: c.now().Add(c.ttl)}
}

// Delete removes one key.
func (c *TTL[K, V]) Delete(k K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, k)
}

// Purge drops all entries.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

func (c *TTL[K, V]) sweep() {
	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
