// Package cache provides the in-process TTL cache used in front of shared
// state lookups (team records, overflow buckets, warning debounce).
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a concurrency-safe map whose entries expire. Each Set may choose its
// own TTL, so positive and negative lookups can be cached for different
// periods. When MaxEntries is reached, expired entries are swept before the
// insert; if none expired the oldest-expiring entry is evicted.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	items      map[K]entry[V]
	maxEntries int
	now        func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	maxEntries int
	now        func() time.Time
}

// WithMaxEntries bounds the number of entries. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(o *options) { o.maxEntries = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewTTL creates an empty cache.
func NewTTL[K comparable, V any](opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		items:      make(map[K]entry[V]),
		maxEntries: o.maxEntries,
		now:        o.now,
	}
}

// Get returns the live value for key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && !c.now().Before(e.expiresAt) {
		delete(c.items, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores value for ttl. A non-positive ttl deletes the key.
func (c *TTL[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.items, key)
		return
	}
	if _, exists := c.items[key]; !exists && c.maxEntries > 0 && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

func (c *TTL[K, V]) evictLocked() {
	now := c.now()
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			continue
		}
		if !found || e.expiresAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.expiresAt, true
		}
	}
	if len(c.items) >= c.maxEntries && found {
		delete(c.items, oldestKey)
	}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns hit and miss counts.
func (c *TTL[K, V]) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
