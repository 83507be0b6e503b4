// Package buildinfo contains build-time metadata separate from user configuration.
package buildinfo

import "fmt"

// Injected via -ldflags at release build, the zero values identify a
// developer build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String returns a single-line description of the running build.
func String() string {
	return fmt.Sprintf("aoitrack %s (commit %s, built %s)", Version, Commit, BuildDate)
}
