// Package version reports build information for the KernelFlow binaries.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/willibrandon/KernelFlow/pkg/abi"
)

// These variables are populated by the build process
var (
	// Version is the version of the build
	Version = "dev"
	// BuildTime is the time when the build was created
	BuildTime = "unknown"
)

// GetVersionInfo returns a formatted string with version information
func GetVersionInfo() string {
	return fmt.Sprintf("KernelFlow v%s (built: %s, %s, %s/%s, CUPTI checkpoint struct %d bytes)",
		GetVersion(),
		BuildTime,
		runtime.Version(),
		runtime.GOOS,
		runtime.GOARCH,
		abi.CheckpointStructSize,
	)
}

// GetVersion returns the version number. Builds that were not stamped
// report the module version recorded by the Go toolchain, if any.
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// GetBuildTime returns the build timestamp
func GetBuildTime() string {
	return BuildTime
}
