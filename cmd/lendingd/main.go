// Lendingd is the mortgage workflow daemon: application state machine,
// pattern-driven agent sessions, error recovery and a hash-chained audit
// log, fronted by an HTTP API.
//
// Configuration is loaded from a YAML file with environment overrides.
// See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	lendingd serve
//
//	# Start with an explicit config file
//	lendingd serve --config /etc/lendingd/config.yaml
//
//	# Validate pattern definitions before deploying them
//	lendingd patterns validate configs/patterns
//
//	# Verify the audit hash chain
//	lendingd audit verify
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/lendingd/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// cfgFile is the --config flag value. Empty means the default user config.
var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lendingd",
	Short: "Mortgage application workflow daemon",
	Long: `lendingd runs the mortgage processing workflow: application intake,
document validation, underwriting, compliance checks and decisions,
coordinated by deterministic worker agents under collaboration patterns.

All state transitions and decisions land in a tamper-evident audit log.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/lendingd/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(auditCmd)
}

// loadConfig resolves configuration for a command run. An explicit --config
// path wins; otherwise the default user config is consulted when present and
// environment variables apply on top either way.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		if _, err := os.UserHomeDir(); err != nil {
			// No home directory (containers, stripped service users):
			// fall back to environment variables and defaults.
			return config.Load()
		}
	}
	return config.LoadWithFile(cfgFile)
}
