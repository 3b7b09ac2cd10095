// Package cli implements the svidserve command-line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "svidserve",
	Short: "mTLS service with continuously rotated SPIFFE credentials",
	Long: `svidserve serves HTTP over mutual TLS using X.509 credentials issued
by a workload-identity agent (SPIRE). It watches the agent's output files,
reloads them whenever the agent rotates, and swaps the TLS material on the
live listener without a restart.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
