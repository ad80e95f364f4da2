// Package buildinfo carries the version stamp linked into the weft binary.
package buildinfo

// Overridden at release time:
//
//	go build -ldflags "-X github.com/weftworks/weft/internal/buildinfo.Version=1.2.0 ..."
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
