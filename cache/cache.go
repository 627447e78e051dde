// Package cache provides staleness-bounded memoization and per-key one-shot initialization.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joncooperworks/custody/metrics"
)

// ErrUpstreamFetchFailed wraps every error returned by a fetch function.
var ErrUpstreamFetchFailed = errors.New("upstream fetch failed")

// FetchFunc loads a fresh value for a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

type cacheEntry[V any] struct {
	value     V
	fetchedAt time.Time
}

// Cache memoizes values per key, each with its own staleness clock.
//
// Concurrent misses for one key collapse into a single fetch: the first caller fetches
// while the others wait on the key's lock and then read the fresh value. A failed fetch
// keeps the previous value for the next attempt.
type Cache[K comparable, V any] struct {
	name    string
	now     func() time.Time
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries map[K]cacheEntry[V]
	locks   KeyedMutex[K]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithClock sets the time source used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics records hits and misses under the cache's name.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New creates an empty cache. name labels its metrics.
func New[K comparable, V any](name string, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[K, V]{
		name:    name,
		now:     o.now,
		metrics: o.metrics,
		entries: make(map[K]cacheEntry[V]),
	}
}

func (c *Cache[K, V]) fresh(key K, staleAfter time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.fetchedAt) >= staleAfter {
		var zero V
		return zero, false
	}
	return e.value, true
}

// GetOrFetch returns the cached value for key if it is younger than staleAfter.
// Otherwise it calls fetch, stores the result and returns it.
func (c *Cache[K, V]) GetOrFetch(ctx context.Context, key K, fetch FetchFunc[V], staleAfter time.Duration) (V, error) {
	if v, ok := c.fresh(key, staleAfter); ok {
		c.metrics.ObserveCacheLookup(c.name, "hit")
		return v, nil
	}

	var zero V
	unlock, err := c.locks.Lock(ctx, key)
	if err != nil {
		return zero, err
	}
	defer unlock()

	// Another caller may have refreshed the key while we waited.
	if v, ok := c.fresh(key, staleAfter); ok {
		c.metrics.ObserveCacheLookup(c.name, "hit")
		return v, nil
	}

	c.metrics.ObserveCacheLookup(c.name, "miss")
	v, err := fetch(ctx)
	if err != nil {
		c.metrics.ObserveCacheLookup(c.name, "error")
		return zero, fmt.Errorf("%w: %s: %w", ErrUpstreamFetchFailed, c.name, err)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry[V]{value: v, fetchedAt: c.now()}
	c.mu.Unlock()
	return v, nil
}

// Peek returns the cached value for key regardless of age, and when it was fetched.
func (c *Cache[K, V]) Peek(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.value, e.fetchedAt, ok
}

// Invalidate drops the cached value for key.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
