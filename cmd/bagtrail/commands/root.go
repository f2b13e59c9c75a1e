package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bagtrail",
		Short: "BagTrail - Baggage Workflow Orchestration Engine",
		Long: `BagTrail tracks checked bags through their full lifecycle, from check-in
to delivery, as a checkpointed state-machine workflow.

Features:
  - Durable SQLite checkpoint and event store
  - Optimistic concurrency across engine and event writers
  - Risk prediction and route collaborators at every stage
  - Policy-driven approval gates with timeout auto-proceed
  - External event ingestion (scans, delays, mishandling reports)`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newProcessCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newEventCommand())
	rootCmd.AddCommand(newApprovalsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newSimulateCommand())

	return rootCmd
}
