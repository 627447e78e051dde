package keystore

import (
	"log/slog"
	"sync"

	"github.com/99designs/keyring"
)

// NewMemoryStore returns a store kept in process memory. Nothing survives a restart.
func NewMemoryStore(logger *slog.Logger) *KeyringStore {
	return NewKeyringStore(&lockedKeyring{ring: keyring.NewArrayKeyring(nil)}, DefaultServiceName, logger)
}

// lockedKeyring guards an ArrayKeyring, whose map is not safe for concurrent use.
type lockedKeyring struct {
	mu   sync.RWMutex
	ring *keyring.ArrayKeyring
}

func (l *lockedKeyring) Get(key string) (keyring.Item, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, err := l.ring.Get(key)
	if err != nil {
		return item, err
	}
	item.Data = append([]byte(nil), item.Data...)
	return item, nil
}

func (l *lockedKeyring) GetMetadata(key string) (keyring.Metadata, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ring.GetMetadata(key)
}

func (l *lockedKeyring) Set(item keyring.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	item.Data = append([]byte(nil), item.Data...)
	return l.ring.Set(item)
}

func (l *lockedKeyring) Remove(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ring.Remove(key)
}

func (l *lockedKeyring) Keys() ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ring.Keys()
}
