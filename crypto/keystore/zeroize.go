package keystore

// zeroize overwrites a byte slice with zeros. Used on read-back buffers that held a secret.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
