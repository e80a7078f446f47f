package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/fleetplay/pkg/config"
	"github.com/openfroyo/fleetplay/pkg/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigFile = "fleetplay.yaml"

var (
	// Global flags
	configPath string
	logLevel   string
	jsonOutput bool

	// Set by the root command before any subcommand runs.
	appConfig *config.AppConfig
	tel       *telemetry.Telemetry
	version   string
)

// Execute runs the root command
func Execute(ctx context.Context, ver, commit, buildDate string) error {
	version = ver
	rootCmd := newRootCommand(ver, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(ver, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetplay",
		Short: "fleetplay - run task plays across a fleet of hosts",
		Long: `fleetplay runs plays, ordered task lists with blocks, rescue and always
sections, against many hosts at once.

Features:
  - Linear and free scheduling strategies
  - Serial batches, throttling and failure thresholds
  - YAML and CUE play files with schema validation
  - Admission policies written in Rego
  - Play history, task results and host facts in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", ver, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if tel == nil {
				return nil
			}
			return tel.Shutdown(context.WithoutCancel(cmd.Context()))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile, "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newPlayCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newHostsCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}

// setup loads the configuration and replaces the global logger with the
// configured one.
func setup() error {
	cfg, err := config.LoadAppConfig(configPath)
	if err != nil {
		return err
	}
	level := logLevel
	if level == "" {
		level = os.Getenv("FLEETPLAY_LOG_LEVEL")
	}
	if level != "" {
		cfg.Telemetry.LogLevel = level
	}

	t, err := telemetry.NewTelemetry(telemetry.FromAppConfig(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("failed to set up telemetry: %w", err)
	}

	appConfig = cfg
	tel = t
	log.Logger = t.Logger.Zerolog()
	return nil
}
