package keystore

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Options configures a platform store.
type Options struct {
	// Backend selects a registered backend by name. Empty means the current platform.
	Backend string
	// ServiceName namespaces the records inside the OS store.
	ServiceName string
	// KeychainName selects a non-default macOS keychain.
	KeychainName string
	// FileDir and FilePassword configure the encrypted file backend.
	FileDir      string
	FilePassword string
	Logger       *slog.Logger
}

// StoreFactory is a function that creates a new RecordStore.
//
// Factory functions are registered with RegisterBackend and are called when
// a store for that backend is needed.
type StoreFactory func(opts Options) (RecordStore, error)

var (
	// registry stores factories by backend identifier
	registry = make(map[string]StoreFactory)
	// registryMu protects concurrent access to the registry
	registryMu sync.RWMutex
)

// RegisterBackend registers a store factory for a backend identifier.
//
// Platform backends register under runtime.GOOS values ("darwin", "linux", "windows")
// from init() functions in their build-tagged files. Portable backends register
// under their own names ("file", "memory").
//
// Example:
//
//	func init() {
//	    RegisterBackend("darwin", newKeychainStore)
//	}
func RegisterBackend(name string, factory StoreFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// GetStoreFactory retrieves the factory registered for name.
func GetStoreFactory(name string) (StoreFactory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("no keystore backend registered for: %s", name)
	}
	return factory, nil
}

// ListRegisteredBackends returns all registered backend identifiers, sorted.
func ListRegisteredBackends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
