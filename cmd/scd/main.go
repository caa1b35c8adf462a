package main

import (
	"os"

	"github.com/malbeclabs/hybridscd/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(int(cli.Run(cli.BuildInfo{Version: version, Commit: commit, Date: date})))
}
