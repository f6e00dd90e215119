// Package randutil provides a panic-on-failure wrapper around crypto/rand,
// for the small fixed-size nonces and tokens used throughout identity and
// pairing where a short read means the host's entropy source is broken and
// continuing would be unsafe.
package randutil

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Fill fills dst with cryptographically secure random bytes.
func Fill(dst []byte) {
	if len(dst) == 0 {
		return
	}
	if _, err := io.ReadFull(rand.Reader, dst); err != nil {
		panic(fmt.Errorf("randutil: failed to read crypto randomness: %w", err))
	}
}

// Bytes returns n cryptographically secure random bytes.
func Bytes(n int) []byte {
	b := make([]byte, n)
	Fill(b)
	return b
}
