// Package cache holds fetched data for a fixed time-to-live.
//
// Expiry is lazy: an entry is checked against its insertion time only when
// it is read, and evicted on that read if it has aged out. Nothing sweeps
// the map in the background.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is how long a fetched entry stays visible.
const DefaultTTL = 2 * time.Minute

type options struct {
	now func() time.Time
}

// Option configures a Cache or Tiered cache.
type Option func(*options)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Cache is a mutex-guarded map whose entries expire ttl after insertion.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[K]entry[V]
}

// New creates a Cache. A non-positive ttl means DefaultTTL.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		ttl:     ttl,
		now:     o.now,
		entries: make(map[K]entry[V]),
	}
}

// Set stores value under key, replacing any prior entry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetAt(key, value, c.now())
}

// SetAt stores value as if it had been inserted at insertedAt.
func (c *Cache[K, V]) SetAt(key K, value V, insertedAt time.Time) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: insertedAt}
	c.mu.Unlock()
}

// Get returns the value for key if it was inserted less than ttl ago.
// An expired entry is removed and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, _, ok := c.Lookup(key)
	return v, ok
}

// Lookup is Get that also returns when the entry was inserted.
func (c *Cache[K, V]) Lookup(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, time.Time{}, false
	}
	if c.now().Sub(e.insertedAt) >= c.ttl {
		delete(c.entries, key)
		var zero V
		return zero, time.Time{}, false
	}
	return e.value, e.insertedAt, true
}

// Delete removes key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet read.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// TTL returns the configured time-to-live.
func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }
