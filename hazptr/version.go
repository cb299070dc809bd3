package hazptr

import "github.com/powergee/haphazard/internal/hazptr/local"

// Version information for the haphazard reclamation runtime.
const (
	// Version is the current version of the reclamation runtime.
	Version = "0.1.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 1

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info provides runtime information about the reclamation engine.
type Info struct {
	// Version is the runtime version string.
	Version string

	// Algorithm is the reclamation protocol in use.
	Algorithm string

	// Debug reports whether HAZPTR_DEBUG diagnostics (retire-site
	// capture, stalled-record reports) are active.
	Debug bool
}

// GetInfo returns information about the reclamation runtime.
//
// Example:
//
//	info := hazptr.GetInfo()
//	fmt.Printf("haphazard %s (%s)\n", info.Version, info.Algorithm)
func GetInfo() Info {
	return Info{
		Version:   Version,
		Algorithm: "hazard pointers with protected unlink",
		Debug:     local.Debug(),
	}
}
