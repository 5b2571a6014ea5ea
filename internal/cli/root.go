// Package cli wires the command line surface for the capataz daemon.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "capataz",
	Short: "Agent task orchestrator",
	Long: `capataz supervises headless AI assistant CLI processes: it schedules
tasks with bounded parallelism, parses their streamed output, enforces
completion declarations against the task checklist, and brokers permission
and question requests to a human responder over HTTP.

Running 'capataz' without a subcommand is equivalent to 'capataz serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "capataz %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: ~/.capataz/config.{yaml,json})")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
