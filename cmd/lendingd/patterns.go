package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lendingd/internal/orchestrator"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect collaboration pattern definitions",
}

var patternsValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Parse and validate a pattern directory",
	Long: `Parse every pattern file in a directory and run the same validation
the daemon applies on load: step structure, error policies, condition
expressions and duplicate names. Any invalid file fails the whole set,
exactly as it would at startup.

With no argument the configured pattern directory is validated.

Examples:
  # Validate the configured directory
  lendingd patterns validate

  # Validate a directory before deploying it
  lendingd patterns validate deploy/patterns`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPatternsValidate,
}

func init() {
	patternsCmd.AddCommand(patternsValidateCmd)
}

func runPatternsValidate(cmd *cobra.Command, args []string) error {
	var dir string
	if len(args) == 1 {
		dir = args[0]
	} else {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		dir = cfg.Patterns.Dir
	}

	loader, err := orchestrator.NewLoader(dir, zap.NewNop())
	if err != nil {
		return err
	}
	patterns, err := loader.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range patterns {
		initiators := "any initiator"
		if len(p.AllowedInitiators) > 0 {
			initiators = fmt.Sprintf("%d allowed initiators", len(p.AllowedInitiators))
		}
		fmt.Fprintf(out, "ok  %s  version %s, %d steps, %s\n", p.Name, p.Version, len(p.Steps), initiators)
	}
	fmt.Fprintf(out, "%d pattern(s) valid in %s\n", len(patterns), dir)
	return nil
}
