//go:build fips

package crypto

import "github.com/pzverkov/kyberchat/internal/constants"

// SupportedCipherSuites returns the cipher suites this build can use.
// Builds with the "fips" tag are limited to FIPS 140-3 approved AES-256-GCM.
func SupportedCipherSuites() []constants.CipherSuite {
	return []constants.CipherSuite{constants.CipherSuiteAES256GCM}
}

// PreferredCipherSuite returns the suite used when none is configured.
func PreferredCipherSuite() constants.CipherSuite {
	return constants.CipherSuiteAES256GCM
}
