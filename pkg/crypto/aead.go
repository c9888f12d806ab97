// aead.go implements the symmetric cipher used by both confidentiality layers.
//
// Two AEAD algorithms are supported:
//   - AES-256-GCM: the protocol default, hardware-accelerated on modern CPUs
//   - ChaCha20-Poly1305: for peers that negotiate it out of band
//
// Sealed output is packed as nonce || ciphertext || tag. Nonces are drawn at
// random for every call because a conversation key is shared by several
// writers and outlives any single connection, so no counter can be kept in
// sync. With 96-bit nonces the collision bound stays negligible well past any
// realistic message count for one conversation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"slices"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
)

// Cipher encrypts and decrypts opaque byte strings under one fixed key.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// CipherFactory builds a Cipher for a raw key.
type CipherFactory func(key []byte) (Cipher, error)

// NewCipherFactory returns a CipherFactory for the given suite.
func NewCipherFactory(suite constants.CipherSuite) CipherFactory {
	return func(key []byte) (Cipher, error) {
		return NewAEAD(suite, key)
	}
}

// AEAD represents an authenticated encryption cipher with random nonces.
// It is safe for concurrent use.
type AEAD struct {
	cipher cipher.AEAD
	suite  constants.CipherSuite
}

// NewAEAD creates a new AEAD cipher with the specified suite and key.
//
// Parameters:
//   - suite: CipherSuiteAES256GCM or CipherSuiteChaCha20Poly1305
//   - key: 32-byte encryption key
func NewAEAD(suite constants.CipherSuite, key []byte) (*AEAD, error) {
	if len(key) != constants.AESKeySize {
		return nil, qerrors.ErrInvalidKeySize
	}

	var aeadCipher cipher.AEAD

	switch suite {
	case constants.CipherSuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}
		aeadCipher, err = cipher.NewGCM(block)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}

	case constants.CipherSuiteChaCha20Poly1305:
		var err error
		aeadCipher, err = chacha20poly1305.New(key)
		if err != nil {
			return nil, qerrors.NewCryptoError("NewAEAD", err)
		}

	default:
		return nil, qerrors.ErrUnsupportedCipherSuite
	}

	return &AEAD{cipher: aeadCipher, suite: suite}, nil
}

// Encrypt seals plaintext with no additional data.
func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	return a.Seal(plaintext, nil)
}

// Decrypt opens a value produced by Encrypt.
func (a *AEAD) Decrypt(sealed []byte) ([]byte, error) {
	return a.Open(sealed, nil)
}

// Seal encrypts and authenticates plaintext, returning nonce || ciphertext || tag.
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	out := make([]byte, constants.AESNonceSize, constants.AESNonceSize+len(plaintext)+a.cipher.Overhead())
	if err := SecureRandom(out); err != nil {
		return nil, err
	}
	return a.cipher.Seal(out, out[:constants.AESNonceSize], plaintext, additionalData), nil
}

// Open verifies and decrypts nonce || ciphertext || tag.
func (a *AEAD) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < constants.MinSealedSize {
		return nil, qerrors.ErrCiphertextTooShort
	}

	nonce := sealed[:constants.AESNonceSize]
	encrypted := sealed[constants.AESNonceSize:]

	plaintext, err := a.cipher.Open(nil, nonce, encrypted, additionalData)
	if err != nil {
		return nil, qerrors.ErrAuthenticationFailed
	}

	return plaintext, nil
}

// Suite returns the cipher suite identifier.
func (a *AEAD) Suite() constants.CipherSuite {
	return a.suite
}

// Overhead returns the number of bytes added by encryption (nonce + tag).
func (a *AEAD) Overhead() int {
	return constants.AESNonceSize + a.cipher.Overhead()
}

// GenerateKey returns a fresh random 256-bit symmetric key.
func GenerateKey() ([]byte, error) {
	return SecureRandomBytes(constants.ConversationKeySize)
}

// IsSuiteAvailable reports whether suite can be used in this build.
func IsSuiteAvailable(suite constants.CipherSuite) bool {
	return slices.Contains(SupportedCipherSuites(), suite)
}
