// Package version carries the build stamp of the ordersaga binary.
package version

import "runtime"

// Set at build time with -ldflags "-X github.com/ordersaga/ordersaga/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// BuildInfo is the build stamp as reported by the /status endpoint and the
// -version flag.
type BuildInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

// Info returns the stamp of the running binary.
func Info() BuildInfo {
	return BuildInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
		GoVersion: GoVersion,
	}
}

// Short renders the version with an abbreviated commit, e.g. "1.4.0 (3f2a9c1)".
func (b BuildInfo) Short() string {
	commit := b.GitCommit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return b.Version + " (" + commit + ")"
}
