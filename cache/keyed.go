package cache

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Waiters give up when their context ends.
// The zero value is ready to use.
type KeyedMutex[K comparable] struct {
	mu    sync.Mutex
	locks map[K]chan struct{}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex[K]) Lock(ctx context.Context, key K) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[K]chan struct{})
	}
	l, ok := k.locks[key]
	if !ok {
		l = make(chan struct{}, 1)
		k.locks[key] = l
	}
	k.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
