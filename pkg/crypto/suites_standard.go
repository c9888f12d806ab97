//go:build !fips

package crypto

import "github.com/pzverkov/kyberchat/internal/constants"

// SupportedCipherSuites returns the cipher suites this build can use.
func SupportedCipherSuites() []constants.CipherSuite {
	return []constants.CipherSuite{
		constants.CipherSuiteAES256GCM,
		constants.CipherSuiteChaCha20Poly1305,
	}
}

// PreferredCipherSuite returns the suite used when none is configured.
// AES-256-GCM matches what the chat server speaks by default.
func PreferredCipherSuite() constants.CipherSuite {
	return constants.CipherSuiteAES256GCM
}
