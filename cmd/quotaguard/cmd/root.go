// Package cmd provides the CLI commands for quotaguard.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quotaguard/quotaguard/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "quotaguard",
	Short: "quotaguard - distributed rate limiting and abuse detection",
	Long: `quotaguard admits or denies API requests against per-minute, per-hour
and per-day quotas shared by every instance, and escalates callers that keep
violating them from warnings to short and long blocks.

Configuration:
  Config is loaded from quotaguard.yaml in the current directory,
  $HOME/.quotaguard/, or /etc/quotaguard/.

  Environment variables override config values with the QUOTAGUARD_ prefix.
  Example: QUOTAGUARD_STORE_PRIMARY_REDIS_ADDRS=10.0.0.5:6379

Commands:
  serve            Start the HTTP service
  check            Run one or more decisions against the configured stores
  policy validate  Load and compile a policy file
  migrate          Create the fallback SQL schema
  version          Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./quotaguard.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "development mode (memory store, debug logs)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

var devMode bool

// loadConfig loads the configuration and applies the --dev override before
// dev defaults and validation.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
