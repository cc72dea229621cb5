package main

import (
	"fmt"
	"os"

	"github.com/withObsrvr/yellowstone-ingestor/internal/cli/cmd"
)

// Set with -ldflags "-X main.version=..." at build time.
var (
	version   = "dev"
	gitCommit = ""
	buildDate = ""
)

func main() {
	cmd.SetVersionInfo(version, gitCommit, buildDate)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
