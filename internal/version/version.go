// Package version reports build metadata for Herbarium binaries. The
// variables are set with -ldflags "-X"; when they are not, VCS details are
// taken from the module build info.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// Get returns the build metadata of the running binary.
func Get() BuildInfo {
	bi := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			switch {
			case s.Key == "vcs.revision" && bi.GitCommit == "unknown":
				bi.GitCommit = s.Value
			case s.Key == "vcs.time" && bi.BuildDate == "unknown":
				bi.BuildDate = s.Value
			}
		}
	}
	return bi
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("Herbarium %s (commit: %s, built: %s, go: %s, %s/%s)",
		b.Version, b.GitCommit, b.BuildDate, b.GoVersion, b.OS, b.Arch)
}

// Short returns just the version string.
func Short() string {
	return Version
}
