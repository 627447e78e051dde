//go:build windows
// +build windows

package keystore

import (
	"fmt"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend("windows", newWindowsStore)
}

// newWindowsStore opens the Windows Credential Manager.
func newWindowsStore(opts Options) (RecordStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:     opts.ServiceName,
		AllowedBackends: []keyring.BackendType{keyring.WinCredBackend},
		WinCredPrefix:   opts.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	return NewKeyringStore(ring, opts.ServiceName, opts.Logger), nil
}
