// Package version carries the build metadata stamped onto the
// orchestrator binary via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the one-line form used in startup logs and the
// version command.
func String() string {
	return fmt.Sprintf("batchflow %s (%s, built %s)", Version, GitCommit, BuildTime)
}

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }
