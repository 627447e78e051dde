package crypto

import (
	"crypto/ecdsa"
	"runtime"
)

// zeroize overwrites a byte slice with zeros to clear key material from memory.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// ZeroKey clears the scalar of a private key in place. The key must not be used afterwards.
func ZeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	b := key.D.Bits()
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
