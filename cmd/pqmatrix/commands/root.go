// Package commands implements the pqmatrix CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pqmatrix/pqmatrix/pkg/config"
	"github.com/pqmatrix/pqmatrix/pkg/telemetry"
)

var (
	// Global flags
	configPath     string
	debug          bool
	nonInteractive bool
	jsonOutput     bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pqmatrix",
		Short: "PQ-Matrix - post-quantum hardened Matrix server installer",
		Long: `pqmatrix provisions a hardened Matrix homeserver on the local host.

It walks an ordered set of installation phases (prerequisites, container
runtime, DNS, the Matrix stack, secret sealing, backup, finalization),
sizing the deployment to the host's resources and keeping an auditable
record of every run.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "explicit config file (replaces the persisted one)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "never prompt; fail on missing configuration")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newPhasesCommand())
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newRunsCommand())

	return rootCmd
}

// app bundles the collaborators every command needs.
type app struct {
	log      *telemetry.Logger
	cfg      *config.Store
	stateDir string
}

// newApp builds the logger and loads the configuration store.
func newApp() (*app, error) {
	level := "info"
	if debug {
		level = "debug"
	}
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:      level,
		Format:     "console",
		Output:     "stderr",
		TimeFormat: "rfc3339",
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	dir, err := config.DefaultDir()
	if err != nil {
		return nil, err
	}

	cfg := config.NewStore(dir, log)
	if err := cfg.Load(configPath); err != nil {
		return nil, err
	}

	return &app{log: log, cfg: cfg, stateDir: dir}, nil
}
