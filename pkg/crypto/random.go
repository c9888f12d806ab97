// Package crypto provides the cryptographic primitives consumed by the
// kyberchat client: the ML-KEM-1024 session handshake, the AEAD used by both
// the session tunnel and conversation keys, and key fingerprints for logs.
//
// All random number generation uses crypto/rand, which reads from the
// operating system's CSPRNG.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	qerrors "github.com/pzverkov/kyberchat/internal/errors"
)

// Reader is the randomness source used for key generation.
var Reader io.Reader = rand.Reader

// SecureRandom fills b with cryptographically secure random bytes.
//
// An error here means the system's random number generator failed and
// should be treated as fatal by callers.
func SecureRandom(b []byte) error {
	if _, err := io.ReadFull(Reader, b); err != nil {
		return qerrors.NewCryptoError("SecureRandom", err)
	}
	return nil
}

// SecureRandomBytes returns n cryptographically secure random bytes.
func SecureRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if err := SecureRandom(b); err != nil {
		return nil, err
	}
	return b, nil
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// timing information about where they differ.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b with zeros.
//
// The Go runtime may already have copied the data, so this is best effort.
func Zeroize(b []byte) {
	clear(b)
}

// ZeroizeMultiple zeroizes each slice.
func ZeroizeMultiple(slices ...[]byte) {
	for _, s := range slices {
		Zeroize(s)
	}
}
