// Package version carries build metadata injected with -ldflags -X.
package version

import "fmt"

// Name is the binary name used in user agents and log lines.
const Name = "queuetap"

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
	GOOS      = "unknown"
	GOARCH    = "unknown"
)

// Full returns "release (commit: sha)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform is Full plus the target platform.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (commit: %s, %s)", Release, GitCommit, Platform())
}

// Platform returns "os/arch".
func Platform() string {
	return GOOS + "/" + GOARCH
}

// UserAgent identifies exporters to remote collectors.
func UserAgent() string {
	return Name + "/" + Release
}

// Labels returns the build metadata as metric labels.
func Labels() map[string]string {
	return map[string]string{
		"release":  Release,
		"commit":   GitCommit,
		"platform": Platform(),
	}
}
