// LanLift agent - resumable multipart uploads to object storage.
package main

import (
	"os"

	"github.com/lanlift/lanlift/internal/cli"
	"github.com/lanlift/lanlift/internal/version"
)

// Version information, overridden by ldflags in release builds.
var (
	Version   = "v0.1.0"
	BuildTime = "2026-01-01"
)

func main() {
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
