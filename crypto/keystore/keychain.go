//go:build darwin
// +build darwin

package keystore

import (
	"fmt"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend("darwin", newKeychainStore)
}

// newKeychainStore opens the macOS Keychain.
// An empty KeychainName uses the login keychain, which is unlocked while the user is logged in
// and avoids a second password prompt.
func newKeychainStore(opts Options) (RecordStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              opts.ServiceName,
		AllowedBackends:          []keyring.BackendType{keyring.KeychainBackend},
		KeychainName:             opts.KeychainName,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keychain: %w", err)
	}

	return NewKeyringStore(ring, opts.ServiceName, opts.Logger), nil
}
