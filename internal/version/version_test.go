package version

import (
	"runtime/debug"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func withBuild(t *testing.T, version, commit, buildTime string, info *debug.BuildInfo) {
	t.Helper()
	oldVersion, oldCommit, oldTime, oldRead := Version, GitCommit, BuildTime, readBuildInfo
	t.Cleanup(func() {
		Version, GitCommit, BuildTime, readBuildInfo = oldVersion, oldCommit, oldTime, oldRead
	})
	Version, GitCommit, BuildTime = version, commit, buildTime
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, info != nil }
}

func devel(settings ...debug.BuildSetting) *debug.BuildInfo {
	return &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}, Settings: settings}
}

func TestVersion(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		commit    string
		info      *debug.BuildInfo
		want      string
		wantShort string
		release   bool
	}{
		{
			name:      "release with commit",
			version:   "v1.2.0",
			commit:    "abcdef0123456",
			want:      "v1.2.0",
			wantShort: "v1.2.0 (abcdef0)",
			release:   true,
		},
		{
			name:      "module version",
			version:   "dev",
			commit:    "unknown",
			info:      &debug.BuildInfo{Main: debug.Module{Version: "v0.3.1"}},
			want:      "v0.3.1",
			wantShort: "v0.3.1",
			release:   true,
		},
		{
			name:      "vcs revision",
			version:   "dev",
			commit:    "unknown",
			info:      devel(debug.BuildSetting{Key: "vcs.revision", Value: "1234567890"}),
			want:      "dev-1234567",
			wantShort: "dev-1234567",
		},
		{
			name:      "nothing known",
			version:   "dev",
			commit:    "unknown",
			want:      "dev",
			wantShort: "dev",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withBuild(t, tt.version, tt.commit, "unknown", tt.info)
			assert.Equal(t, tt.want, GetVersion())
			assert.Equal(t, tt.wantShort, GetShortVersion())
			assert.Equal(t, tt.release, IsRelease())
			assert.Equal(t, tt.release, GetBuildInfo().Release)
		})
	}
}

func TestDetailedVersion(t *testing.T) {
	withBuild(t, "v1.0.0", "abcdef0123456", "2026-01-02T03:04:05Z",
		devel(debug.BuildSetting{Key: "vcs.modified", Value: "true"}))

	out := GetDetailedVersion()
	assert.Contains(t, out, "Version: v1.0.0")
	assert.Contains(t, out, "Commit: abcdef0123456")
	assert.Contains(t, out, "Built: 2026-01-02T03:04:05Z")
	assert.Contains(t, out, "Modified: true")
	assert.True(t, IsDirty())
	assert.True(t, GetBuildInfo().Dirty)
}

func TestParseISOTime(t *testing.T) {
	assert.True(t, parseISOTime("unknown").IsZero())
	assert.True(t, parseISOTime("yesterday").IsZero())
	assert.True(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Equal(parseISOTime("2026-01-02T03:04:05Z")))
	assert.True(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC).Equal(parseISOTime("2026-01-02 15:04:05")))
}
