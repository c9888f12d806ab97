// Package errors defines custom error types for the kyberchat client.
// These errors provide detailed information for debugging while maintaining
// security by not leaking key material in error messages.
package errors

import (
	"errors"
	"fmt"
	"strconv"
)

// Sentinel errors for cryptographic operations
var (
	// ErrInvalidKeySize indicates that a key has an incorrect size
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrInvalidCiphertext indicates that ciphertext is malformed or invalid
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")

	// ErrEncapsulationFailed indicates that KEM encapsulation failed
	ErrEncapsulationFailed = errors.New("crypto: encapsulation failed")

	// ErrInvalidPublicKey indicates that a public key is invalid
	ErrInvalidPublicKey = errors.New("crypto: invalid public key")
)

// Sentinel errors for AEAD operations
var (
	// ErrAuthenticationFailed indicates AEAD authentication/decryption failed
	ErrAuthenticationFailed = errors.New("aead: authentication failed")

	// ErrCiphertextTooShort indicates ciphertext is too short to be valid
	ErrCiphertextTooShort = errors.New("aead: ciphertext too short")

	// ErrUnsupportedCipherSuite indicates an unsupported cipher suite
	ErrUnsupportedCipherSuite = errors.New("aead: unsupported cipher suite")
)

// Sentinel errors for protocol operations
var (
	// ErrMalformed indicates a frame is not a syntactically valid envelope
	ErrMalformed = errors.New("protocol: malformed envelope")

	// ErrUnknownKind indicates the envelope tag is not a recognized packet kind
	ErrUnknownKind = errors.New("protocol: unknown packet kind")

	// ErrUnexpectedKind indicates a valid kind arrived where another was required
	ErrUnexpectedKind = errors.New("protocol: unexpected packet kind")

	// ErrFrameTooLarge indicates a frame exceeded the maximum line size
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrHandshakeFailed indicates the handshake failed
	ErrHandshakeFailed = errors.New("protocol: handshake failed")

	// ErrInvalidState indicates an invalid protocol state
	ErrInvalidState = errors.New("protocol: invalid state")

	// ErrPlaintextBeforeHandshake indicates a non-handshake kind was sent before the tunnel was up
	ErrPlaintextBeforeHandshake = errors.New("protocol: non-handshake packet before tunnel established")

	// ErrNestedEnvelope indicates a secure envelope decrypted to another secure envelope
	ErrNestedEnvelope = errors.New("protocol: nested secure envelope")
)

// Sentinel errors for tunnel operations
var (
	// ErrTunnelClosed indicates the tunnel has been closed
	ErrTunnelClosed = errors.New("tunnel: connection closed")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("tunnel: operation timed out")

	// ErrWriteQueueFull indicates the ordered write queue rejected a send
	ErrWriteQueueFull = errors.New("tunnel: write queue full")
)

// Sentinel errors for conversation keys and end-to-end messages
var (
	// ErrNoKey indicates no conversation key is known for a conversation
	ErrNoKey = errors.New("keystore: no key for conversation")

	// ErrWrongPassphrase indicates the key store passphrase is wrong or the store is corrupted
	ErrWrongPassphrase = errors.New("keystore: wrong passphrase or corrupted store")

	// ErrRetryNeeded indicates a key exchange was started and the send must be retried
	ErrRetryNeeded = errors.New("e2e: conversation key exchanged, retry send")
)

// CryptoError wraps a cryptographic error with additional context
type CryptoError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// NewCryptoError creates a new CryptoError
func NewCryptoError(op string, err error) *CryptoError {
	return &CryptoError{Op: op, Err: err}
}

// ProtocolError wraps a protocol error with additional context
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "handshake", "transport")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// ConnectError reports a failed connect attempt. It covers stream open
// failures, handshake timeouts and handshake protocol violations. The core
// never retries a connect on its own.
type ConnectError struct {
	Phase string // "dial", "await hello", "hello", "encapsulate" or "finish"
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Phase, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// NewConnectError creates a new ConnectError
func NewConnectError(phase string, err error) *ConnectError {
	return &ConnectError{Phase: phase, Err: err}
}

// DecodeError reports a frame that could not be decoded. The frame is dropped
// and the read loop continues.
type DecodeError struct {
	Err error // ErrMalformed, ErrUnknownKind or ErrFrameTooLarge
	Tag string
}

func (e *DecodeError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("decode %q: %v", e.Tag, e.Err)
	}
	return fmt.Sprintf("decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// TunnelDecryptError reports a secure envelope that failed to decrypt.
// It is fatal for the session.
type TunnelDecryptError struct {
	Err error
}

func (e *TunnelDecryptError) Error() string {
	return fmt.Sprintf("tunnel decrypt: %v", e.Err)
}

func (e *TunnelDecryptError) Unwrap() error {
	return e.Err
}

// MessageDecryptError reports a single end-to-end message that could not be
// decrypted. It never affects other messages in the same batch.
type MessageDecryptError struct {
	MessageID int64
	ChatID    int64
	Err       error
}

func (e *MessageDecryptError) Error() string {
	return "message " + strconv.FormatInt(e.MessageID, 10) +
		" in chat " + strconv.FormatInt(e.ChatID, 10) + ": " + e.Err.Error()
}

func (e *MessageDecryptError) Unwrap() error {
	return e.Err
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
