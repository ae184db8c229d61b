package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fibersqs/telesim/internal/dataset"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/validate"
)

type ValidateCmd struct{}

func NewValidateCmd() *ValidateCmd {
	return &ValidateCmd{}
}

func (c *ValidateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Recompute the coherence checks for a generated dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return fmt.Errorf("failed to get dir flag: %w", err)
			}
			jsonPath, err := cmd.Flags().GetString("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}
			scenarioPath, err := cmd.Flags().GetString("scenario")
			if err != nil {
				return fmt.Errorf("failed to get scenario flag: %w", err)
			}

			log := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			scn, err := datasetScenario(scenarioPath, dir)
			if err != nil {
				return err
			}
			if err := scn.Validate(); err != nil {
				return fmt.Errorf("invalid scenario: %w", err)
			}

			runner, err := validate.NewRunner(validate.Config{Logger: log, Scenario: scn, Dir: dir})
			if err != nil {
				return fmt.Errorf("failed to create validator: %w", err)
			}
			summary, err := runner.Run(ctx)
			if err != nil {
				log.Error("Failed to validate dataset", "error", err)
				os.Exit(1)
			}

			if jsonPath == "" {
				jsonPath = filepath.Join(dir, validate.SummaryFileName)
			}
			if err := writeSummary(jsonPath, summary); err != nil {
				return err
			}

			printSummary(summary)

			if !summary.Passed {
				return fmt.Errorf("dataset failed %d validation checks", len(summary.Failures()))
			}
			return nil
		},
	}

	cmd.Flags().String("dir", "dataset", "Dataset directory holding the table CSVs")
	cmd.Flags().String("json", "", "Path to write the summary JSON to (default: <dir>/"+validate.SummaryFileName+")")
	cmd.Flags().String("scenario", "", "Scenario the dataset was generated with (default: the scenario.yaml beside the tables)")

	return cmd
}

// datasetScenario resolves the scenario for a dataset directory: an explicit
// path wins, then the scenario.yaml the generator left beside the tables,
// then the built-in default.
func datasetScenario(path, dir string) (*scenario.Scenario, error) {
	if path == "" {
		saved := filepath.Join(dir, dataset.ScenarioFile)
		if _, err := os.Stat(saved); err == nil {
			path = saved
		}
	}
	return loadScenario(path)
}

func writeSummary(path string, summary *validate.Summary) error {
	data, err := summary.JSON()
	if err != nil {
		return fmt.Errorf("failed to render summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func printSummary(summary *validate.Summary) {
	fmt.Println("Dataset:", summary.Dataset)
	fmt.Println("Seed:", summary.Seed)
	fmt.Println("Validated:", summary.ValidatedAt.Format("2006-01-02 15:04:05 MST"))

	table := newTable("Check", "Result", "Detail")
	for _, c := range summary.Checks {
		result := "pass"
		if !c.Passed {
			result = "FAIL"
		}
		table.Append([]string{c.Name, result, c.Detail})
	}
	table.Render()
}
