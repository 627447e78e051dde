package keystore

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/99designs/keyring"
)

// DefaultServiceName is the keyring service records are stored under.
const DefaultServiceName = "custody"

func init() {
	RegisterBackend("file", newFileStore)
	RegisterBackend("memory", func(opts Options) (RecordStore, error) {
		return NewMemoryStore(opts.Logger), nil
	})
}

// NewStore creates the store for opts.Backend, or for the current platform when no backend is named.
// CUSTODY_KEYCHAIN overrides an empty KeychainName.
func NewStore(opts Options) (RecordStore, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	if opts.KeychainName == "" {
		opts.KeychainName = os.Getenv("CUSTODY_KEYCHAIN")
	}
	backend := opts.Backend
	if backend == "" {
		backend = runtime.GOOS
	}
	factory, err := GetStoreFactory(backend)
	if err != nil {
		return nil, fmt.Errorf("unsupported keystore backend %q: %w", backend, err)
	}
	return factory(opts)
}

func newFileStore(opts Options) (RecordStore, error) {
	if opts.FileDir == "" {
		return nil, errors.New("file backend requires a directory")
	}
	if opts.FilePassword == "" {
		return nil, errors.New("file backend requires a password")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:      opts.ServiceName,
		AllowedBackends:  []keyring.BackendType{keyring.FileBackend},
		FileDir:          opts.FileDir,
		FilePasswordFunc: keyring.FixedStringPrompt(opts.FilePassword),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open file keyring: %w", err)
	}
	return NewKeyringStore(ring, opts.ServiceName, opts.Logger), nil
}
