// Package build holds build-time information stamped in by the linker.
package build

// Build information. These values are overridden at build time using ldflags.
var (
	ReleaseVersion = "UNKNOWN"
	GitCommit      = "UNKNOWN"
	BuildTime      = "UNKNOWN"
	GoVersion      = "UNKNOWN"
)
