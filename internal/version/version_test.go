package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrings(t *testing.T) {
	oldRelease, oldCommit, oldOS, oldArch := Release, GitCommit, GOOS, GOARCH

	t.Cleanup(func() {
		Release, GitCommit, GOOS, GOARCH = oldRelease, oldCommit, oldOS, oldArch
	})

	Release, GitCommit, GOOS, GOARCH = "v0.3.1", "abc123", "linux", "amd64"

	assert.Equal(t, "v0.3.1 (commit: abc123)", Full())
	assert.Equal(t, "v0.3.1 (commit: abc123, linux/amd64)", FullWithPlatform())
	assert.Equal(t, "queuetap/v0.3.1", UserAgent())
	assert.Equal(t, map[string]string{
		"release":  "v0.3.1",
		"commit":   "abc123",
		"platform": "linux/amd64",
	}, Labels())
}
