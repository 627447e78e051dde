// Package keystore persists opaque string records in the operating system's secure store.
//
// Every write is read back and compared before it is reported as successful. A record that
// does not read back byte-for-byte is removed again so that no silently corrupt secret is
// left behind.
package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/99designs/keyring"

	"github.com/joncooperworks/custody/cache"
)

// RecordStore is the secure key/value store used by the account registry.
type RecordStore interface {
	// Store writes value under key and verifies it by reading it back.
	Store(ctx context.Context, key, value string) error
	// Retrieve returns the value stored under key. A missing key is reported
	// with ok == false and a nil error.
	Retrieve(ctx context.Context, key string) (value string, ok bool, err error)
	// Remove deletes key. Removing an absent key succeeds.
	Remove(ctx context.Context, key string) error
	// List returns all keys currently held by the store, sorted.
	List(ctx context.Context) ([]string, error)
}

// KeyringStore implements RecordStore on top of a keyring backend.
type KeyringStore struct {
	ring   keyring.Keyring
	label  string
	logger *slog.Logger

	// locks serializes writers of a single key.
	locks cache.KeyedMutex[string]
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring, label string, logger *slog.Logger) *KeyringStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &KeyringStore{
		ring:   ring,
		label:  label,
		logger: logger,
	}
}

// Store writes value under key, then reads it back and compares.
func (s *KeyringStore) Store(ctx context.Context, key, value string) error {
	if key == "" {
		return &StorageError{Op: "store", Kind: WriteFailed, Err: errors.New("key cannot be empty")}
	}
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return &StorageError{Op: "store", Key: key, Kind: WriteFailed, Err: err}
	}
	defer unlock()

	err = s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       s.label,
		Description: "custody key record",
	})
	if err != nil {
		return &StorageError{Op: "store", Key: key, Kind: WriteFailed, Err: err}
	}

	item, err := s.ring.Get(key)
	if err != nil {
		s.discard(key)
		return &StorageError{Op: "verify", Key: key, Kind: VerificationFailed, Err: err}
	}
	defer zeroize(item.Data)

	if !bytes.Equal(item.Data, []byte(value)) {
		s.discard(key)
		return &StorageError{Op: "verify", Key: key, Kind: VerificationFailed, Err: errors.New("stored value does not match written value")}
	}

	s.logger.Debug("stored record", "record", key)
	return nil
}

// discard removes a record that failed verification.
func (s *KeyringStore) discard(key string) {
	s.logger.Error("secure store returned a different value than written, removing record", "record", key)
	if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		s.logger.Error("failed to remove unverified record", "record", key, "error", err)
	}
}

// Retrieve reads the value stored under key.
func (s *KeyringStore) Retrieve(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, &StorageError{Op: "retrieve", Key: key, Kind: ReadFailed, Err: err}
	}
	item, err := s.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StorageError{Op: "retrieve", Key: key, Kind: ReadFailed, Err: err}
	}
	return string(item.Data), true, nil
}

// Remove deletes key. Absent keys are not an error.
func (s *KeyringStore) Remove(ctx context.Context, key string) error {
	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return &StorageError{Op: "remove", Key: key, Kind: WriteFailed, Err: err}
	}
	defer unlock()

	if err := s.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return &StorageError{Op: "remove", Key: key, Kind: WriteFailed, Err: err}
	}
	return nil
}

// List returns every key in the backing keyring.
func (s *KeyringStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, &StorageError{Op: "list", Kind: ReadFailed, Err: err}
	}
	keys, err := s.ring.Keys()
	if err != nil {
		return nil, &StorageError{Op: "list", Kind: ReadFailed, Err: fmt.Errorf("failed to list keys: %w", err)}
	}
	sort.Strings(keys)
	return keys, nil
}
