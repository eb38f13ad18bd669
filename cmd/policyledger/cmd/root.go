// Package cmd provides the CLI commands for policyledger.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/policyledger/internal/config"
)

var (
	cfgFile string
	devMode bool
	actor   string
)

var rootCmd = &cobra.Command{
	Use:   "policyledger",
	Short: "policyledger - event-sourced policy management",
	Long: `policyledger stores compliance policies, policy sets and exemptions as
append-only event streams, evaluates them against request contexts, and
drives approval, enforcement, exemption and audit workflows.

Quick start:
  1. Describe policies in a manifest: policies.yaml
  2. Run: policyledger apply policies.yaml
  3. Run: policyledger policy review pol-1 --level manager --reviewer mia

Configuration:
  Config is loaded from policyledger.yaml in the current directory,
  $HOME/.policyledger/, or /etc/policyledger/.

  Environment variables can override config values with the POLICYLEDGER_ prefix.
  Example: POLICYLEDGER_STORE_PATH=/var/lib/policyledger/ledger.db

Commands:
  apply       Create policies, sets and exemptions from a manifest
  policy      Review and move policies through their lifecycle
  exemption   Revoke exemptions
  show        Print the current state of an aggregate
  history     Print the event stream of an aggregate
  evaluate    Evaluate a policy or set against a context
  conflicts   Detect and resolve conflicts in a policy set
  tick        Fire due saga deadlines (exemption expiry, audits)
  audit       Query recorded decisions
  watch       Print events published on the Redis bus
  serve       Run sagas, the deadline scheduler and the ops endpoint
  version     Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policyledger.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "Use in-memory storage and debug logging")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "Identity recorded on issued commands")
}

func initConfig() {
	config.InitViper(cfgFile)
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "cli"
}

// loadConfig loads the configuration and applies the --dev flag before
// validation.
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
