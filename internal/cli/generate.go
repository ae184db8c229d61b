package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fibersqs/telesim/internal/dataset"
	"github.com/fibersqs/telesim/internal/metrics"
	"github.com/fibersqs/telesim/internal/validate"
)

type GenerateCmd struct{}

func NewGenerateCmd() *GenerateCmd {
	return &GenerateCmd{}
}

func (c *GenerateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a dataset from a scenario",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return fmt.Errorf("failed to get out flag: %w", err)
			}
			scenarioPath, err := cmd.Flags().GetString("scenario")
			if err != nil {
				return fmt.Errorf("failed to get scenario flag: %w", err)
			}
			seed, err := cmd.Flags().GetInt64("seed")
			if err != nil {
				return fmt.Errorf("failed to get seed flag: %w", err)
			}
			appLogRows, err := cmd.Flags().GetInt("app-log-rows")
			if err != nil {
				return fmt.Errorf("failed to get app-log-rows flag: %w", err)
			}
			scale, err := cmd.Flags().GetFloat64("scale")
			if err != nil {
				return fmt.Errorf("failed to get scale flag: %w", err)
			}
			tier2, err := cmd.Flags().GetBool("tier2")
			if err != nil {
				return fmt.Errorf("failed to get tier2 flag: %w", err)
			}
			noZip, err := cmd.Flags().GetBool("no-zip")
			if err != nil {
				return fmt.Errorf("failed to get no-zip flag: %w", err)
			}
			skipValidate, err := cmd.Flags().GetBool("skip-validate")
			if err != nil {
				return fmt.Errorf("failed to get skip-validate flag: %w", err)
			}
			metricsAddr, err := cmd.Flags().GetString("metrics-addr")
			if err != nil {
				return fmt.Errorf("failed to get metrics-addr flag: %w", err)
			}
			workers, err := cmd.Flags().GetInt("workers")
			if err != nil {
				return fmt.Errorf("failed to get workers flag: %w", err)
			}

			log := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			scn, err := loadScenario(scenarioPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				scn.Seed = seed
			}
			if cmd.Flags().Changed("app-log-rows") {
				scn.AppLogRows = appLogRows
			}
			if cmd.Flags().Changed("scale") {
				scn.RowScale = scale
			}
			if tier2 {
				scn.EnableTier2 = true
			}
			if err := scn.Validate(); err != nil {
				return fmt.Errorf("invalid scenario: %w", err)
			}

			if metricsAddr != "" {
				go func() {
					if err := metrics.Serve(log, metricsAddr); err != nil {
						log.Error("metrics listener failed", "error", err)
					}
				}()
			}

			// The archive is cut after validation so the summary ships
			// inside it.
			writer, err := dataset.NewWriter(dataset.Config{
				Logger:      log,
				Scenario:    scn,
				OutDir:      out,
				EnableTier2: tier2,
				Workers:     workers,
			})
			if err != nil {
				return fmt.Errorf("failed to create writer: %w", err)
			}
			report, err := writer.Run(ctx)
			if err != nil {
				log.Error("Failed to generate dataset", "error", err)
				os.Exit(1)
			}

			if !skipValidate {
				runner, err := validate.NewRunner(validate.Config{Logger: log, Scenario: scn, Dir: out})
				if err != nil {
					return fmt.Errorf("failed to create validator: %w", err)
				}
				summary, err := runner.Run(ctx)
				if err != nil {
					log.Error("Failed to validate dataset", "error", err)
					os.Exit(1)
				}
				metrics.ValidationFailedChecks.Set(float64(len(summary.Failures())))
				if err := writeSummary(filepath.Join(out, validate.SummaryFileName), summary); err != nil {
					return err
				}
				if !summary.Passed {
					for _, name := range summary.Failures() {
						log.Error("validation check failed", "check", name)
					}
					return fmt.Errorf("dataset failed %d validation checks", len(summary.Failures()))
				}
				log.Info("validation passed", "checks", len(summary.Checks))
			}

			if !noZip {
				archive, err := dataset.Archive(log, out)
				if err != nil {
					log.Error("Failed to package dataset", "error", err)
					os.Exit(1)
				}
				report.Archive = archive
			}

			printReport(report)

			return nil
		},
	}

	cmd.Flags().String("out", "dataset", "Directory to write the dataset into")
	cmd.Flags().String("scenario", "", "Scenario file to generate from (default: built-in scenario)")
	cmd.Flags().Int64("seed", 0, "Override the scenario seed")
	cmd.Flags().Int("app-log-rows", 0, "Override the scenario app log row target")
	cmd.Flags().Float64("scale", 1, "Override the scenario row scale")
	cmd.Flags().Bool("tier2", false, "Emit the tier 2 aggregate and alert tables")
	cmd.Flags().Bool("no-zip", false, "Skip packaging the dataset archive")
	cmd.Flags().Bool("skip-validate", false, "Skip the post-generation validation pass")
	cmd.Flags().String("metrics-addr", "", "Serve prometheus metrics and pprof on this address while generating")
	cmd.Flags().Int("workers", 0, "Table emission workers (default 4)")

	return cmd
}

func printReport(report *dataset.Report) {
	fmt.Println("Dataset:", report.Dataset)
	fmt.Println("Run:", report.RunID)
	fmt.Println("Seed:", report.Seed)
	if report.Archive != "" {
		fmt.Println("Archive:", report.Archive)
	}

	table := newTable("Table", "Rows", "Elapsed")
	for _, t := range report.Tables {
		table.Append([]string{t.Table, fmt.Sprintf("%d", t.Rows), t.Elapsed.Round(time.Millisecond).String()})
	}
	table.Append([]string{"total", fmt.Sprintf("%d", report.TotalRows()), report.Elapsed.Round(time.Millisecond).String()})
	table.Render()
}
