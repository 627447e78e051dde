package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// ErrInvalidMnemonic is returned for phrases that fail the BIP-39 checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// DefaultDerivationPath is the first account on the Ethereum BIP-44 branch.
var DefaultDerivationPath = accounts.DefaultBaseDerivationPath

// NewMnemonic returns a fresh 24-word English mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	defer zeroize(entropy)
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to encode mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic reports whether mnemonic is a valid BIP-39 phrase.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(normalizeMnemonic(mnemonic))
}

// ParseDerivationPath parses a path like m/44'/60'/0'/0/0. An empty string yields DefaultDerivationPath.
func ParseDerivationPath(path string) (accounts.DerivationPath, error) {
	if strings.TrimSpace(path) == "" {
		return append(accounts.DerivationPath(nil), DefaultDerivationPath...), nil
	}
	p, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse derivation path %q: %w", path, err)
	}
	return p, nil
}

// DeriveKey derives the secp256k1 key at path from a BIP-39 mnemonic with an empty passphrase.
func DeriveKey(mnemonic string, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	mnemonic = normalizeMnemonic(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	if len(path) == 0 {
		path = DefaultDerivationPath
	}
	seed := bip39.NewSeed(mnemonic, "")
	defer zeroize(seed)

	// The network parameters only select the serialization version bytes, which are never used.
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	defer func() { key.Zero() }()
	for _, index := range path {
		child, err := key.Derive(index)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child %d: %w", index, err)
		}
		key.Zero()
		key = child
	}

	ec, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to extract private key: %w", err)
	}
	raw := ec.Serialize()
	ec.Zero()
	defer zeroize(raw)
	priv, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build private key: %w", err)
	}
	return priv, nil
}

func normalizeMnemonic(m string) string {
	return strings.Join(strings.Fields(strings.ToLower(m)), " ")
}
