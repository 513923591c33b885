// Package version holds build metadata, stamped at link time with e.g.
//
//	-ldflags "-X github.com/banshee-data/navpolicy/internal/version.Version=v0.4.1"
package version

import "fmt"

var (
	// Version is the release tag of the node
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for the startup log and the version
// command.
func String() string {
	sha := GitSHA
	if len(sha) > 12 {
		sha = sha[:12]
	}
	return fmt.Sprintf("navpolicy %s (commit %s, built %s)", Version, sha, BuildTime)
}
