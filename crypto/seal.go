package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion  = 1
	sealSaltSize = 16
	sealKDF      = "argon2id"
)

var (
	// ErrInvalidPassword is returned by Open when the password does not decrypt the blob.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrInvalidEnvelope is returned by Open for blobs that are not sealed envelopes.
	ErrInvalidEnvelope = errors.New("invalid sealed envelope")
)

// KDFParams are the argon2id cost parameters recorded in every sealed envelope.
type KDFParams struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

// DefaultKDF is used by Seal for new envelopes. Open always uses the parameters stored in the envelope.
var DefaultKDF = KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}

type sealedEnvelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// Seal encrypts secret under password and returns a base64 text blob.
//
// The key is derived with argon2id over a random salt and the secret is encrypted with
// XChaCha20-Poly1305. The blob is self-describing, so cost parameters can change without
// breaking previously sealed records.
func Seal(password string, secret []byte) (string, error) {
	params := DefaultKDF
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	key := deriveSealKey(password, salt, params)
	defer zeroize(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := sealedEnvelope{
		Version:     sealVersion,
		KDF:         sealKDF,
		KDFTime:     params.Time,
		KDFMemoryKB: params.MemoryKB,
		KDFThreads:  params.Threads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, secret, nil),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Open decrypts a blob produced by Seal.
func Open(password, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	var env sealedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Version != sealVersion || env.KDF != sealKDF {
		return nil, fmt.Errorf("%w: unsupported version %d kdf %q", ErrInvalidEnvelope, env.Version, env.KDF)
	}
	if len(env.Salt) != sealSaltSize || len(env.Nonce) != chacha20poly1305.NonceSizeX ||
		env.KDFTime == 0 || env.KDFMemoryKB == 0 || env.KDFThreads == 0 {
		return nil, ErrInvalidEnvelope
	}

	key := deriveSealKey(password, env.Salt, KDFParams{Time: env.KDFTime, MemoryKB: env.KDFMemoryKB, Threads: env.KDFThreads})
	defer zeroize(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidPassword
	}
	return plaintext, nil
}

// Reseal decrypts sealed with oldPassword and seals the plaintext again under newPassword.
func Reseal(oldPassword, newPassword, sealed string) (string, error) {
	secret, err := Open(oldPassword, sealed)
	if err != nil {
		return "", err
	}
	defer zeroize(secret)
	return Seal(newPassword, secret)
}

func deriveSealKey(password string, salt []byte, p KDFParams) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKB, p.Threads, chacha20poly1305.KeySize)
}
