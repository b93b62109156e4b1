package config

// Set at link time:
//
//	go build -ldflags "-X kickoff/internal/config.version=1.4.0 -X kickoff/internal/config.commit=$(git rev-parse HEAD)"
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// NewBuildInfo returns the linker-injected build metadata.
func NewBuildInfo() BuildInfo {
	return BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
}
