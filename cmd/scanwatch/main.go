// Command scanwatch runs the scan service and its client commands.
package main

import (
	"github.com/anstrom/scanwatch/cmd/cli"
)

// Build information, set through -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
