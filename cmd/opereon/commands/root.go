package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opereon/opereon/pkg/config"
	"github.com/opereon/opereon/pkg/stores"
	"github.com/opereon/opereon/pkg/telemetry"
)

var (
	// Global flags
	modelDir   string
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
		Use:   "opereon",
		Short: "Opereon - model-driven reactive orchestration",
		Long: `Opereon converges hosts to a declared model. The model is a versioned
YAML tree; committing a new revision produces a structural diff, the diff
triggers the update procs watching the changed paths, and the procs run
their task trees on the affected hosts over SSH.

Procs can also be invoked explicitly (exec, check and probe kinds), and
aspects add cached queries, interval polls and typed event handlers on top.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&modelDir, "model", "m", ".", "model repository directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newCommitCommand())
	rootCmd.AddCommand(newDiffCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newInvokeCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// setup loads the configuration and builds the logger shared by all
// commands.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.LoadOrDefault(modelDir)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// openStore opens and migrates the revision store.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
