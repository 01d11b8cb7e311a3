// Command synccored is the sync daemon entrypoint: it loads config,
// builds a logger, activates configured sessions under a Sync Manager,
// and blocks until SIGINT/SIGTERM.
//
// Grounded on the teacher's cmd/vault-sync/main.go (config load ->
// logger -> signal-notified context -> errgroup of long-running
// loops), restructured around cobra subcommands the way the
// Mschirtzinger-jj-beads example repo's cmd/bd dispatches maintenance
// commands, since this daemon exposes more than one operator action.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "synccored",
	Short:   "Client-side sync session daemon",
	Version: Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
