package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fibersqs/telesim/internal/scenario"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run() ExitCode {
	rootCmd := &cobra.Command{
		Use:   "telesim",
		Short: "Deterministic synthetic telemetry datasets for cross-region incident analysis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "set debug logging level")

	rootCmd.AddCommand(
		NewGenerateCmd().Command(),
		NewValidateCmd().Command(),
		NewSchemaCmd().Command(),
		NewScenarioCmd().Command(),
		NewLoadCmd().Command(),
		NewPublishCmd().Command(),
	)

	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}

	return exitCodeSuccess
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}

// loadScenario returns the scenario at path, or the built-in default when
// path is empty. The result still needs Validate before use.
func loadScenario(path string) (*scenario.Scenario, error) {
	if path == "" {
		return scenario.Default(), nil
	}
	scn, err := scenario.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load scenario: %w", err)
	}
	return scn, nil
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetRowLine(true)
	table.SetHeader(header)
	return table
}
