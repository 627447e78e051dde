//go:build linux
// +build linux

package keystore

import (
	"fmt"

	"github.com/99designs/keyring"
)

func init() {
	RegisterBackend("linux", newLinuxKeyringStore)
}

// newLinuxKeyringStore opens the first available desktop secret store: Secret Service
// (GNOME Keyring, KeePassXC), then KWallet, then the kernel keyring.
func newLinuxKeyringStore(opts Options) (RecordStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: opts.ServiceName,
		AllowedBackends: []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.KeyCtlBackend,
		},
		LibSecretCollectionName: opts.ServiceName,
		KWalletAppID:            opts.ServiceName,
		KWalletFolder:           opts.ServiceName,
		KeyCtlScope:             "user",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}

	return NewKeyringStore(ring, opts.ServiceName, opts.Logger), nil
}
