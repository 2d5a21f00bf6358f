// Package cmd implements the CLI commands for reencodarr.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/mjc/reencodarr/internal/config"
	"github.com/mjc/reencodarr/internal/observability"
	"github.com/mjc/reencodarr/internal/version"
	"github.com/spf13/cobra"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "reencodarr",
	Short:   "Batch AV1 re-encoding pipeline",
	Version: version.Short(),
	Long: `reencodarr drives a media library through analysis, CRF search and
AV1 encoding using ab-av1, replacing each file in place once an encode
meets the VMAF quality target.

Videos are discovered from configured library roots, queued in the
database, and fed through the three pipeline stages one subprocess at
a time. Sonarr and Radarr are notified after each replacement.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/reencodarr)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads the configuration and applies CLI logging overrides.
// Priority: CLI flag > env var > config file > default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		format, _ := rootCmd.PersistentFlags().GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	return cfg, nil
}

// initLogging builds the process logger from config and installs it as
// the slog default.
func initLogging(cfg *config.Config) {
	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)
}
