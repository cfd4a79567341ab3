// Package version provides build-time version information
// injected via ldflags during compilation:
//
//	go build -ldflags "-X github.com/avaropoint/agstream/internal/version.Version=v1.2.0"
package version

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// ProtocolVersion is the AG-UI event protocol revision the server speaks.
const ProtocolVersion = "1.0"

// String renders the full build description for logs and the version
// command.
func String() string {
	return fmt.Sprintf("agstream %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, BuildTime, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
