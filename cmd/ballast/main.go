// Command ballast keeps LLM API groups on a key-pool registry healthy: it
// scores every group from its statistics, re-orders priorities, tunes
// aggregate weights and recovers channels whose keys were invalidated.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "ballast",
	Short:        "Passive health control plane for a key-pool registry",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(startCmd, versionCmd, scoreCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
