package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBuildInfo swaps the ldflags-injected variables for one test.
func setBuildInfo(t *testing.T, version, commit, date string) {
	t.Helper()
	origVersion, origCommit, origDate := Version, Commit, Date
	t.Cleanup(func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	})
	Version, Commit, Date = version, commit, date
}

func TestGetInfo(t *testing.T) {
	setBuildInfo(t, "1.2.3", "0123456789abcdef", "2026-08-01T00:00:00Z")

	info := GetInfo()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, "2026-08-01T00:00:00Z", info.Date)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOOS)
	assert.Contains(t, info.Platform, runtime.GOARCH)
}

func TestString(t *testing.T) {
	t.Run("dev build", func(t *testing.T) {
		setBuildInfo(t, "dev", "unknown", "unknown")
		s := String()
		assert.Contains(t, s, ApplicationName)
		assert.Contains(t, s, "version dev")
		assert.NotContains(t, s, "commit")
	})

	t.Run("release build carries the short commit", func(t *testing.T) {
		setBuildInfo(t, "1.2.3", "0123456789abcdef", "2026-08-01T00:00:00Z")
		s := String()
		assert.Contains(t, s, "version 1.2.3")
		assert.Contains(t, s, "commit: 01234567")
		assert.Contains(t, s, "built: 2026-08-01T00:00:00Z")
	})
}

func TestShort(t *testing.T) {
	setBuildInfo(t, "1.2.3", "0123456789abcdef", "unknown")
	assert.Equal(t, "manifold 1.2.3 (01234567)", Short())

	setBuildInfo(t, "dev", "unknown", "unknown")
	assert.Equal(t, "manifold dev", Short())
}

func TestJSON(t *testing.T) {
	setBuildInfo(t, "1.2.3", "0123456789abcdef", "2026-08-01T00:00:00Z")

	var info Info
	require.NoError(t, json.Unmarshal([]byte(JSON()), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
}

func TestUserAgent(t *testing.T) {
	setBuildInfo(t, "1.2.3", "unknown", "unknown")
	assert.Equal(t, "manifold/1.2.3", UserAgent())
}

func TestSnapshotDetection(t *testing.T) {
	setBuildInfo(t, "dev", "unknown", "unknown")
	assert.True(t, IsSnapshot())
	assert.False(t, IsRelease())

	setBuildInfo(t, "1.2.3-SNAPSHOT", "unknown", "unknown")
	assert.True(t, IsSnapshot())
	assert.False(t, IsRelease())

	setBuildInfo(t, "1.2.3", "unknown", "unknown")
	assert.False(t, IsSnapshot())
	assert.True(t, IsRelease())
}
