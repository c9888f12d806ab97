package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"

	"github.com/pzverkov/kyberchat/internal/constants"
)

// Hash computes a domain-separated SHA3-256 digest over the components.
// Each component is length-prefixed so that distinct inputs can never
// concatenate to the same byte stream.
func Hash(domain string, components ...[]byte) []byte {
	h := sha3.New256()
	lenBuf := make([]byte, 4)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(domain)))
	h.Write(lenBuf)
	h.Write([]byte(domain))

	binary.BigEndian.PutUint32(lenBuf, uint32(len(components)))
	h.Write(lenBuf)

	for _, component := range components {
		binary.BigEndian.PutUint32(lenBuf, uint32(len(component)))
		h.Write(lenBuf)
		h.Write(component)
	}

	return h.Sum(nil)
}

// Fingerprint returns a short hex identifier for key material, safe to log.
// Empty input yields "-".
func Fingerprint(key []byte) string {
	if len(key) == 0 {
		return "-"
	}
	sum := Hash(constants.DomainSeparatorFingerprint, key)
	return hex.EncodeToString(sum[:constants.FingerprintSize])
}
