package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fibersqs/telesim/internal/scenario"
)

type ScenarioCmd struct{}

func NewScenarioCmd() *ScenarioCmd {
	return &ScenarioCmd{}
}

func (c *ScenarioCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Write the built-in scenario to a file for editing",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return fmt.Errorf("failed to get out flag: %w", err)
			}

			// Validate fills every derived default, so the written file
			// shows all the knobs an edited scenario can set.
			scn := scenario.Default()
			if err := scn.Validate(); err != nil {
				return fmt.Errorf("invalid built-in scenario: %w", err)
			}
			if err := scenario.Save(out, scn); err != nil {
				return fmt.Errorf("failed to write scenario: %w", err)
			}

			fmt.Println("Wrote", out)
			return nil
		},
	}

	cmd.Flags().String("out", "scenario.yaml", "Path to write the scenario to")

	return cmd
}
