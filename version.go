package gateway

import (
	"fmt"
	"runtime"
)

// Version is the gateway release, reported by /health and the version
// command.
const Version = "0.2.0"

// VersionString renders the one-line banner for the version command.
func VersionString() string {
	return fmt.Sprintf("gateway %s (%s %s/%s)",
		Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
