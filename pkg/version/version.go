// Package version reports the kyberchat release and build.
package version

import "fmt"

// Semantic version components.
const (
	Major = 0
	Minor = 1
	Patch = 0
	// Label is the optional pre-release label.
	Label = ""
)

// Build metadata, set with -ldflags "-X github.com/pzverkov/kyberchat/pkg/version.Commit=...".
var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns the version, for example "v0.1.0".
func String() string {
	v := fmt.Sprintf("v%d.%d.%d", Major, Minor, Patch)
	if Label != "" {
		v += "-" + Label
	}
	return v
}

// Full returns the product name, version and any known build metadata.
func Full() string {
	s := "kyberchat " + String()
	if Commit != "unknown" {
		s += " (" + Commit + ")"
	}
	if BuildTime != "unknown" {
		s += " built " + BuildTime
	}
	return s
}
