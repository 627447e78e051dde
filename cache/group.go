package cache

import (
	"context"
	"errors"
	"sync"
)

// ErrReset is returned to callers waiting on an initialization that Reset discarded.
var ErrReset = errors.New("group reset during initialization")

// InitFunc creates the value for a key.
type InitFunc[V any] func(ctx context.Context) (V, error)

type call[V any] struct {
	done  chan struct{}
	value V
	err   error
	// release is set by Reset. The value produced by a released call is handed to it
	// instead of being stored. Guarded by Group.mu.
	release func(V)
}

// Group creates one value per key, once.
//
// Concurrent Get calls for a key that is being initialized wait for that initialization
// and receive the same value. Unrelated keys never wait on each other. A failed
// initialization is not remembered; the next Get tries again.
type Group[K comparable, V any] struct {
	mu     sync.Mutex
	values map[K]V
	calls  map[K]*call[V]
}

// NewGroup creates an empty Group.
func NewGroup[K comparable, V any]() *Group[K, V] {
	return &Group[K, V]{
		values: make(map[K]V),
		calls:  make(map[K]*call[V]),
	}
}

// Get returns the value for key, running init if it does not exist yet.
// A caller that stops waiting because ctx ended does not cancel the shared initialization.
func (g *Group[K, V]) Get(ctx context.Context, key K, init InitFunc[V]) (V, error) {
	g.mu.Lock()
	if v, ok := g.values[key]; ok {
		g.mu.Unlock()
		return v, nil
	}
	c, inflight := g.calls[key]
	if !inflight {
		c = &call[V]{done: make(chan struct{})}
		g.calls[key] = c
	}
	g.mu.Unlock()

	if !inflight {
		go g.run(ctx, key, c, init)
	}

	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

func (g *Group[K, V]) run(ctx context.Context, key K, c *call[V], init InitFunc[V]) {
	v, err := init(context.WithoutCancel(ctx))

	g.mu.Lock()
	release := c.release
	if release == nil {
		if err == nil {
			g.values[key] = v
		}
		delete(g.calls, key)
	}
	g.mu.Unlock()

	if release != nil {
		if err == nil {
			release(v)
		}
		var zero V
		v, err = zero, ErrReset
	}
	c.value, c.err = v, err
	close(c.done)
}

// Peek returns the value for key if it has been initialized.
func (g *Group[K, V]) Peek(key K) (V, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.values[key]
	return v, ok
}

// Reset drops every value, passing each to release, so that the next Get for any key
// initializes it again. Initializations still running when Reset is called are discarded:
// their value is passed to release once it exists and their waiters receive ErrReset.
func (g *Group[K, V]) Reset(release func(V)) {
	if release == nil {
		release = func(V) {}
	}
	g.mu.Lock()
	values := g.values
	g.values = make(map[K]V)
	for key, c := range g.calls {
		c.release = release
		delete(g.calls, key)
	}
	g.mu.Unlock()

	for _, v := range values {
		release(v)
	}
}
