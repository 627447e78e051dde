// Package account implements lock-gated signing accounts and the registry that owns them.
//
// A SigningAccount holds key material only while an unlock window is open. Expiry is lazy:
// there is no timer, and every signing entry point re-checks the window and clears the key
// if it has passed. IsUnlocked has the same side effect, which is how tests observe expiry.
package account

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/crypto/ecies"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/joncooperworks/custody/crypto"
)

// SigningAccount wraps one address's private key behind an unlock window.
//
// Instances are created and owned by Registry; there is exactly one per stored address.
type SigningAccount struct {
	address   common.Address
	createdAt time.Time
	now       func() time.Time

	mu     sync.Mutex
	key    *ecdsa.PrivateKey
	expiry time.Time
}

func newSigningAccount(addr common.Address, createdAt time.Time, now func() time.Time) *SigningAccount {
	if now == nil {
		now = time.Now
	}
	return &SigningAccount{address: addr, createdAt: createdAt, now: now}
}

// Address returns the account's declared address.
func (a *SigningAccount) Address() common.Address { return a.address }

// CreatedAt returns when the account record was created.
func (a *SigningAccount) CreatedAt() time.Time { return a.createdAt }

// Unlock caches a copy of key until ttl has elapsed.
//
// The address derived from key must equal the account's address. On mismatch an
// *AddressMismatchError is returned and the account is left locked.
func (a *SigningAccount) Unlock(key *ecdsa.PrivateKey, ttl time.Duration) error {
	if key == nil {
		return fmt.Errorf("%w: key cannot be nil", ErrAuthenticationNeeded)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if ttl <= 0 {
		a.lockLocked()
		return ErrInvalidUnlockDuration
	}
	derived := crypto.AddressFromKey(key)
	if derived != a.address {
		a.lockLocked()
		return &AddressMismatchError{Expected: a.address, Derived: derived}
	}

	raw := ethcrypto.FromECDSA(key)
	cached, err := ethcrypto.ToECDSA(raw)
	for i := range raw {
		raw[i] = 0
	}
	if err != nil {
		a.lockLocked()
		return fmt.Errorf("failed to copy key: %w", err)
	}

	a.lockLocked()
	a.key = cached
	a.expiry = a.now().Add(ttl)
	return nil
}

// Lock discards the cached key.
func (a *SigningAccount) Lock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lockLocked()
}

// IsUnlocked reports whether the unlock window is open. An expired window is closed as a side effect.
func (a *SigningAccount) IsUnlocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freshLocked()
}

// UnlockedUntil returns the expiry of the current unlock window.
func (a *SigningAccount) UnlockedUntil() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.freshLocked() {
		return time.Time{}, false
	}
	return a.expiry, true
}

func (a *SigningAccount) freshLocked() bool {
	if a.key == nil {
		return false
	}
	if !a.now().Before(a.expiry) {
		a.lockLocked()
		return false
	}
	return true
}

func (a *SigningAccount) lockLocked() {
	crypto.ZeroKey(a.key)
	a.key = nil
	a.expiry = time.Time{}
}

// withKey runs fn with the cached key while holding the account lock, so a concurrent
// Lock cannot clear the key mid-operation.
func (a *SigningAccount) withKey(fn func(key *ecdsa.PrivateKey) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.freshLocked() {
		return ErrAuthenticationNeeded
	}
	return fn(a.key)
}

// SignMessage signs msg as an EIP-191 personal message. V is 27 or 28.
func (a *SigningAccount) SignMessage(msg []byte) ([]byte, error) {
	var sig []byte
	err := a.withKey(func(key *ecdsa.PrivateKey) error {
		var err error
		sig, err = ethcrypto.Sign(accounts.TextHash(msg), key)
		return err
	})
	if err != nil {
		return nil, err
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignTransaction signs tx for chainID with the latest signer for that chain.
func (a *SigningAccount) SignTransaction(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	var signed *types.Transaction
	err := a.withKey(func(key *ecdsa.PrivateKey) error {
		if tx == nil {
			return fmt.Errorf("transaction cannot be nil")
		}
		if chainID == nil {
			return fmt.Errorf("chain ID cannot be nil")
		}
		if fee := tx.GasFeeCap(); fee == nil || fee.Sign() <= 0 {
			return ErrZeroGasPrice
		}
		var err error
		signed, err = types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
		if err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}
		return nil
	})
	return signed, err
}

// SignTypedData signs the EIP-712 hash of data. V is 27 or 28.
func (a *SigningAccount) SignTypedData(data apitypes.TypedData) ([]byte, error) {
	var sig []byte
	err := a.withKey(func(key *ecdsa.PrivateKey) error {
		hash, _, err := apitypes.TypedDataAndHash(data)
		if err != nil {
			return fmt.Errorf("failed to hash typed data: %w", err)
		}
		sig, err = ethcrypto.Sign(hash, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	sig[ethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Decrypt opens an ECIES ciphertext addressed to the account's public key.
func (a *SigningAccount) Decrypt(ciphertext []byte) ([]byte, error) {
	var plaintext []byte
	err := a.withKey(func(key *ecdsa.PrivateKey) error {
		var err error
		plaintext, err = ecies.ImportECDSA(key).Decrypt(ciphertext, nil, nil)
		if err != nil {
			return fmt.Errorf("failed to decrypt: %w", err)
		}
		return nil
	})
	return plaintext, err
}
