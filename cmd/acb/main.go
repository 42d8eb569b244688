// acb
//
// A Matrix-driven meta-orchestrator: messages posted in project lobby
// rooms become isolated coding-agent workloads, each with its own task
// room, forked sandbox, and in-sandbox agent process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configFlag string
)

var rootCmd = &cobra.Command{
	Use:   "acb",
	Short: "acb - Matrix coding-agent orchestrator",
	Long: `acb watches project lobby rooms on a Matrix homeserver and turns each
work request into an isolated coding-agent workload.

  acb serve                 Start the orchestrator
  acb validate              Load and validate the configuration
  acb tasks                 Print tasks from the state file`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"config file path (default $MATRIX_ORCHESTRATOR_CONFIG or config.yaml)")
	rootCmd.AddCommand(serveCmd, validateCmd, tasksCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
