// Package constants defines security parameters and protocol constants for the
// kyberchat client.
//
// The session tunnel is keyed directly by an ML-KEM-1024 shared secret, so the
// KEM shared secret size and the symmetric key size must agree.
package constants

import "time"

// Protocol identification
const (
	// ProtocolName is used for domain separation in key fingerprints
	ProtocolName = "kyberchat-v1"

	// NoUserID is the originator id used before authentication
	NoUserID int64 = 0
)

// ML-KEM-1024 Parameters (NIST FIPS 203)
const (
	// MLKEMPublicKeySize is the size of ML-KEM-1024 encapsulation key in bytes
	MLKEMPublicKeySize = 1568

	// MLKEMCiphertextSize is the size of ML-KEM-1024 ciphertext in bytes
	MLKEMCiphertextSize = 1568

	// MLKEMSharedSecretSize is the size of the shared secret from ML-KEM in bytes
	MLKEMSharedSecretSize = 32
)

// Symmetric Encryption Parameters
const (
	// AESKeySize is the size of AES-256 keys in bytes
	AESKeySize = 32

	// AESNonceSize is the size of AES-GCM nonce in bytes (96 bits)
	AESNonceSize = 12

	// AESTagSize is the size of AES-GCM authentication tag in bytes
	AESTagSize = 16

	// ChaCha20KeySize is the size of ChaCha20-Poly1305 keys in bytes
	ChaCha20KeySize = 32

	// ConversationKeySize is the size of per-conversation end-to-end keys
	ConversationKeySize = AESKeySize

	// MinSealedSize is the minimum size of a valid sealed payload (nonce + tag)
	MinSealedSize = AESNonceSize + AESTagSize
)

// Fingerprints
const (
	// FingerprintSize is the number of hash bytes shown for a key fingerprint
	FingerprintSize = 8

	// DomainSeparatorFingerprint is used when hashing keys for display
	DomainSeparatorFingerprint = "kyberchat-key-fingerprint"
)

// Framing limits
const (
	// MaxLineSize bounds a single newline-terminated frame. A secure envelope
	// carries a base64 inner envelope, so this must comfortably exceed the
	// largest history response the server will send.
	MaxLineSize = 4 << 20

	// InitialLineBufferSize is the initial read buffer size for frames
	InitialLineBufferSize = 64 * 1024
)

// Session Parameters
const (
	// DefaultHandshakeTimeout bounds the wait for the server hello
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultWriteTimeout bounds a single frame write
	DefaultWriteTimeout = 30 * time.Second

	// DefaultDialTimeout bounds opening the TCP stream
	DefaultDialTimeout = 10 * time.Second

	// DefaultWriteQueueSize is the capacity of the ordered writer queue
	DefaultWriteQueueSize = 64

	// DefaultResponseTimeout bounds request/response flows such as login
	DefaultResponseTimeout = 15 * time.Second
)

// CipherSuite identifiers
type CipherSuite uint16

const (
	// CipherSuiteAES256GCM uses AES-256-GCM for symmetric encryption
	CipherSuiteAES256GCM CipherSuite = 0x0001

	// CipherSuiteChaCha20Poly1305 uses ChaCha20-Poly1305 for symmetric encryption
	CipherSuiteChaCha20Poly1305 CipherSuite = 0x0002
)

// String returns a human-readable name for the cipher suite
func (cs CipherSuite) String() string {
	switch cs {
	case CipherSuiteAES256GCM:
		return "AES-256-GCM"
	case CipherSuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return "Unknown"
	}
}

// IsSupported returns true if the cipher suite is supported
func (cs CipherSuite) IsSupported() bool {
	return cs == CipherSuiteAES256GCM || cs == CipherSuiteChaCha20Poly1305
}

// ParseCipherSuite maps a configuration name to a cipher suite.
// Unknown names yield 0, which is not supported.
func ParseCipherSuite(name string) CipherSuite {
	switch name {
	case "", "aes-gcm", "aes256gcm", "AES-256-GCM":
		return CipherSuiteAES256GCM
	case "chacha20", "chacha20poly1305", "ChaCha20-Poly1305":
		return CipherSuiteChaCha20Poly1305
	default:
		return 0
	}
}
