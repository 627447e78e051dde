// Package relaycrypto implements the payload encryption used by current-protocol relay sessions.
//
// Both peers hold an X25519 key pair. The shared symmetric key is HKDF-SHA256 over the X25519
// shared secret, and the relay topic for the pairing is the hex SHA-256 of that key.
//
// Wire format of a type 0 envelope, base64 encoded:
//
//	[type:1][nonce:12][ciphertext+tag]
package relaycrypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// TypeSymmetric is the envelope type for messages sealed with the pairing's symmetric key.
const TypeSymmetric byte = 0

const (
	keySize   = 32
	nonceSize = chacha20poly1305.NonceSize
)

var (
	// ErrInvalidEnvelope is returned for payloads that cannot be decoded or authenticated.
	ErrInvalidEnvelope = errors.New("invalid relay envelope")
	// ErrUnsupportedType is returned for envelope types other than TypeSymmetric.
	ErrUnsupportedType = errors.New("unsupported relay envelope type")
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Private [keySize]byte
	Public  [keySize]byte
}

// GenerateKeyPair creates a random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// ParseKeyPair rebuilds a key pair from a hex X25519 private key.
func ParseKeyPair(s string) (*KeyPair, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(b) != keySize {
		return nil, errors.New("invalid private key")
	}
	defer zeroize(b)
	var kp KeyPair
	copy(kp.Private[:], b)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to compute public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// PrivateHex returns the private key as hex.
func (k *KeyPair) PrivateHex() string {
	return hex.EncodeToString(k.Private[:])
}

// PublicHex returns the public key as lowercase hex, the form peers exchange in pairing URIs.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(k.Public[:])
}

// ParsePublicKey decodes a hex X25519 public key.
func ParsePublicKey(s string) ([keySize]byte, error) {
	var pub [keySize]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != keySize {
		return pub, fmt.Errorf("invalid public key %q", s)
	}
	copy(pub[:], b)
	return pub, nil
}

// DeriveSymKey computes the symmetric key shared between self and peer.
func DeriveSymKey(self *KeyPair, peerPublic [keySize]byte) ([]byte, error) {
	if self == nil {
		return nil, errors.New("key pair cannot be nil")
	}
	shared, err := curve25519.X25519(self.Private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("failed to compute shared secret: %w", err)
	}
	defer zeroize(shared)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("failed to derive symmetric key: %w", err)
	}
	return key, nil
}

// Topic returns the relay topic for a symmetric key.
func Topic(symKey []byte) string {
	sum := sha256.Sum256(symKey)
	return hex.EncodeToString(sum[:])
}

// Seal encrypts plaintext into a base64 type 0 envelope.
func Seal(symKey, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+aead.Overhead())
	out[0] = TypeSymmetric
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out = aead.Seal(out, out[1:], plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a base64 envelope produced by Seal or by a remote peer.
func Open(symKey []byte, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(raw) < 1+nonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrInvalidEnvelope)
	}
	if raw[0] != TypeSymmetric {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, raw[0])
	}
	aead, err := chacha20poly1305.New(symKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := raw[1 : 1+nonceSize]
	plaintext, err := aead.Open(nil, nonce, raw[1+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrInvalidEnvelope)
	}
	return plaintext, nil
}

// Cipher binds Seal and Open to one pairing's symmetric key.
type Cipher struct {
	key   []byte
	topic string
}

// NewCipher creates a Cipher for symKey.
func NewCipher(symKey []byte) (*Cipher, error) {
	if len(symKey) != keySize {
		return nil, fmt.Errorf("symmetric key must be %d bytes, got %d", keySize, len(symKey))
	}
	key := append([]byte(nil), symKey...)
	return &Cipher{key: key, topic: Topic(key)}, nil
}

// Topic returns the relay topic the pairing publishes on.
func (c *Cipher) Topic() string { return c.topic }

// Encrypt seals plaintext for the peer.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) { return Seal(c.key, plaintext) }

// Decrypt opens an envelope received from the peer.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) { return Open(c.key, encoded) }

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
