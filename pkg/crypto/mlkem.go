// mlkem.go implements the ML-KEM-1024 key encapsulation mechanism used to
// agree on the per-connection session key.
//
// ML-KEM (Module-Lattice-based Key-Encapsulation Mechanism) is standardized in
// NIST FIPS 203. Its security rests on the Module Learning With Errors problem
// over R_q = Z_q[X]/(X^256 + 1), q = 3329, with module rank k = 4 for the
// 1024 parameter set (NIST Category 5).
//
// The client only ever encapsulates: the server sends its encapsulation key in
// the hello and the client answers with the ciphertext. Decapsulation is kept
// here for in-process servers and tests.
package crypto

import (
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"

	"github.com/pzverkov/kyberchat/internal/constants"
	qerrors "github.com/pzverkov/kyberchat/internal/errors"
)

// KEM is the client side of a key encapsulation mechanism.
type KEM interface {
	// Encapsulate encapsulates a fresh shared secret to the encoded public key.
	Encapsulate(publicKey []byte) (sharedSecret, encapsulation []byte, err error)

	// Name identifies the mechanism in logs and metrics.
	Name() string
}

// MLKEM implements KEM with ML-KEM-1024.
type MLKEM struct{}

// Name returns "ML-KEM-1024".
func (MLKEM) Name() string {
	return "ML-KEM-1024"
}

// Encapsulate parses an encoded ML-KEM-1024 public key and encapsulates to it.
func (MLKEM) Encapsulate(publicKey []byte) (sharedSecret, encapsulation []byte, err error) {
	pk, err := ParseMLKEMPublicKey(publicKey)
	if err != nil {
		return nil, nil, err
	}
	ct, ss, err := MLKEMEncapsulate(pk)
	if err != nil {
		return nil, nil, err
	}
	return ss, ct, nil
}

// MLKEMPublicKey wraps an ML-KEM-1024 public key
type MLKEMPublicKey struct {
	key *mlkem1024.PublicKey
}

// MLKEMPrivateKey wraps an ML-KEM-1024 private key
type MLKEMPrivateKey struct {
	key *mlkem1024.PrivateKey
}

// MLKEMKeyPair represents an ML-KEM-1024 key pair.
type MLKEMKeyPair struct {
	// EncapsulationKey is the public key used by others to encapsulate secrets
	EncapsulationKey *MLKEMPublicKey

	// DecapsulationKey is the private key used to decapsulate secrets
	DecapsulationKey *MLKEMPrivateKey
}

// GenerateMLKEMKeyPair generates a new ML-KEM-1024 key pair.
//
// Returns error if the system's CSPRNG fails.
func GenerateMLKEMKeyPair() (*MLKEMKeyPair, error) {
	pk, sk, err := mlkem1024.GenerateKeyPair(Reader)
	if err != nil {
		return nil, qerrors.NewCryptoError("MLKEMKeyPair.Generate", err)
	}

	return &MLKEMKeyPair{
		EncapsulationKey: &MLKEMPublicKey{key: pk},
		DecapsulationKey: &MLKEMPrivateKey{key: sk},
	}, nil
}

// NewMLKEMKeyPairFromSeed generates an ML-KEM-1024 key pair from a 64-byte seed.
// The same seed always produces the same key pair.
func NewMLKEMKeyPairFromSeed(seed []byte) (*MLKEMKeyPair, error) {
	if len(seed) != 64 {
		return nil, qerrors.ErrInvalidKeySize
	}

	pk, sk, err := mlkem1024.GenerateKeyPair(&deterministicReader{data: seed})
	if err != nil {
		return nil, qerrors.NewCryptoError("MLKEMKeyPair.FromSeed", err)
	}

	return &MLKEMKeyPair{
		EncapsulationKey: &MLKEMPublicKey{key: pk},
		DecapsulationKey: &MLKEMPrivateKey{key: sk},
	}, nil
}

type deterministicReader struct {
	data   []byte
	offset int
}

func (r *deterministicReader) Read(p []byte) (int, error) {
	if r.offset >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	n := copy(p, r.data[r.offset:])
	r.offset += n
	return n, nil
}

// MLKEMEncapsulate performs key encapsulation using ML-KEM-1024.
//
// Returns the ciphertext (1568 bytes) and the 32-byte shared secret.
func MLKEMEncapsulate(ek *MLKEMPublicKey) (ciphertext, sharedSecret []byte, err error) {
	if ek == nil || ek.key == nil {
		return nil, nil, qerrors.ErrInvalidPublicKey
	}

	ct := make([]byte, mlkem1024.CiphertextSize)
	ss := make([]byte, mlkem1024.SharedKeySize)

	seed := make([]byte, mlkem1024.EncapsulationSeedSize)
	if err := SecureRandom(seed); err != nil {
		return nil, nil, qerrors.NewCryptoError("MLKEMEncapsulate", qerrors.ErrEncapsulationFailed)
	}
	defer Zeroize(seed)

	ek.key.EncapsulateTo(ct, ss, seed)

	return ct, ss, nil
}

// MLKEMDecapsulate performs key decapsulation using ML-KEM-1024.
//
// Decapsulation uses implicit rejection: a well-sized but forged ciphertext
// yields a pseudorandom secret rather than an error, so a mismatch only shows
// up when the peers first try to use the key.
func MLKEMDecapsulate(dk *MLKEMPrivateKey, ciphertext []byte) ([]byte, error) {
	if dk == nil || dk.key == nil {
		return nil, qerrors.ErrInvalidKeySize
	}

	if len(ciphertext) != constants.MLKEMCiphertextSize {
		return nil, qerrors.ErrInvalidCiphertext
	}

	ss := make([]byte, mlkem1024.SharedKeySize)
	dk.key.DecapsulateTo(ss, ciphertext)

	return ss, nil
}

// Bytes returns the encoded bytes of the public key.
func (pk *MLKEMPublicKey) Bytes() []byte {
	if pk == nil || pk.key == nil {
		return nil
	}
	buf := make([]byte, mlkem1024.PublicKeySize)
	pk.key.Pack(buf)
	return buf
}

// PublicKeyBytes returns the encoded bytes of the encapsulation key.
func (kp *MLKEMKeyPair) PublicKeyBytes() []byte {
	return kp.EncapsulationKey.Bytes()
}

// Decapsulate recovers the shared secret for an encapsulation produced
// against this key pair.
func (kp *MLKEMKeyPair) Decapsulate(ciphertext []byte) ([]byte, error) {
	return MLKEMDecapsulate(kp.DecapsulationKey, ciphertext)
}

// ParseMLKEMPublicKey parses an ML-KEM-1024 public key from its encoded form.
func ParseMLKEMPublicKey(data []byte) (*MLKEMPublicKey, error) {
	if len(data) != constants.MLKEMPublicKeySize {
		return nil, qerrors.ErrInvalidPublicKey
	}

	pk := new(mlkem1024.PublicKey)
	if err := pk.Unpack(data); err != nil {
		return nil, qerrors.NewCryptoError("ParseMLKEMPublicKey", qerrors.ErrInvalidPublicKey)
	}

	return &MLKEMPublicKey{key: pk}, nil
}

// Zeroize drops the references to the key material.
// CIRCL does not expose in-place zeroization of its key types.
func (kp *MLKEMKeyPair) Zeroize() {
	kp.DecapsulationKey = nil
	kp.EncapsulationKey = nil
}
