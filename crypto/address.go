// Package crypto provides the key handling primitives used by the custody core: address
// normalization, password sealing of secrets, and mnemonic based key derivation.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrInvalidAddress is returned for text that is not a 20-byte hex address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidPrivateKey is returned for text that is not a secp256k1 private key.
	ErrInvalidPrivateKey = errors.New("invalid private key")
)

// ParseAddress parses a hex address in any casing, with or without the 0x prefix.
func ParseAddress(s string) (common.Address, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(raw) != 2*common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.BytesToAddress(b), nil
}

// NormalizeAddress returns the canonical text form: 0x followed by lowercase hex.
func NormalizeAddress(addr common.Address) string {
	return "0x" + hex.EncodeToString(addr.Bytes())
}

// StorageAddress returns the lowercase hex form without prefix, as used in record keys.
func StorageAddress(addr common.Address) string {
	return hex.EncodeToString(addr.Bytes())
}

// ParsePrivateKey parses a hex encoded secp256k1 private key. The 0x prefix is optional;
// older records were written without it.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	raw := strings.TrimSpace(s)
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	key, err := ethcrypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}

// PrivateKeyHex encodes key as 0x-prefixed hex.
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	b := ethcrypto.FromECDSA(key)
	defer zeroize(b)
	return "0x" + hex.EncodeToString(b)
}

// AddressFromKey returns the address controlled by key.
func AddressFromKey(key *ecdsa.PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}
