package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	rootDir    string
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
		Use:   "autoschematic",
		Short: "Autoschematic - Connector Orchestration Engine",
		Long: `Autoschematic reconciles desired state files in a repository against
remote systems through out-of-process connector plugins.

Features:
  - File-per-resource desired state, addressed by repository path
  - Connector plugins spawned and supervised as child processes
  - Plan/apply with deferred resolution of cross-resource outputs
  - Remote state import into local files
  - Policy enforcement via OPA/rego
  - Run history persisted to SQLite`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "r", ".", "repository root directory")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default <root>/autoschematic.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newSkeletonsCommand())
	rootCmd.AddCommand(newTaskCommand())
	rootCmd.AddCommand(newTopCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
