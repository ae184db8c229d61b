package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fibersqs/telesim/internal/tables"
)

type SchemaCmd struct{}

func NewSchemaCmd() *SchemaCmd {
	return &SchemaCmd{}
}

func (c *SchemaCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema [TABLE]",
		Short: "Show the dataset table schemas",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				printTables()
				return nil
			}
			id, err := tables.Parse(args[0])
			if err != nil {
				return err
			}
			info, _ := tables.Lookup(id)
			printColumns(info)
			return nil
		},
	}
	return cmd
}

func printTables() {
	table := newTable("Table", "File", "Time Column", "Columns", "Tier")
	for _, id := range tables.All() {
		info, _ := tables.Lookup(id)
		tier := "1"
		if info.Tier2 {
			tier = "2"
		}
		table.Append([]string{
			string(info.ID),
			info.FileName(),
			info.TimeColumn,
			fmt.Sprintf("%d", len(info.Columns)),
			tier,
		})
	}
	table.Render()
}

func printColumns(info tables.Info) {
	fmt.Println("Table:", info.ID)
	fmt.Println("File:", info.FileName())
	fmt.Println("Ordered by:", info.TimeColumn)

	table := newTable("Column", "Type")
	for _, col := range info.Columns {
		table.Append([]string{col.Name, col.Type})
	}
	table.Render()
}
