package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fibersqs/telesim/internal/lake/clickhouse"
	"github.com/fibersqs/telesim/internal/lake/duck"
)

type LoadCmd struct{}

func NewLoadCmd() *LoadCmd {
	return &LoadCmd{}
}

func (c *LoadCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load a generated dataset into a warehouse",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := cmd.Help()
			if err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	cmd.AddCommand(
		NewLoadDuckDBCmd().Command(),
		NewLoadClickhouseCmd().Command(),
	)

	return cmd
}

type LoadDuckDBCmd struct{}

func NewLoadDuckDBCmd() *LoadDuckDBCmd {
	return &LoadDuckDBCmd{}
}

func (c *LoadDuckDBCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duckdb",
		Short: "Copy the dataset tables into a DuckDB database file",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return fmt.Errorf("failed to get dir flag: %w", err)
			}
			db, err := cmd.Flags().GetString("db")
			if err != nil {
				return fmt.Errorf("failed to get db flag: %w", err)
			}

			log := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			loader, err := duck.NewLoader(duck.Config{Logger: log, Path: db, Dir: dir})
			if err != nil {
				return fmt.Errorf("failed to create loader: %w", err)
			}
			loads, err := loader.Load(ctx)
			if err != nil {
				log.Error("Failed to load dataset", "error", err)
				os.Exit(1)
			}

			fmt.Println("Database:", db)
			table := newTable("Table", "Rows")
			for _, l := range loads {
				table.Append([]string{l.Table, fmt.Sprintf("%d", l.Rows)})
			}
			table.Render()

			return nil
		},
	}

	cmd.Flags().String("dir", "dataset", "Dataset directory holding the table CSVs")
	cmd.Flags().String("db", "telesim.duckdb", "DuckDB database file to create or update")

	return cmd
}

type LoadClickhouseCmd struct{}

func NewLoadClickhouseCmd() *LoadClickhouseCmd {
	return &LoadClickhouseCmd{}
}

func (c *LoadClickhouseCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clickhouse",
		Short: "Batch insert the dataset tables into a ClickHouse server",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
			if err != nil {
				return fmt.Errorf("failed to get verbose flag: %w", err)
			}
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return fmt.Errorf("failed to get dir flag: %w", err)
			}
			addr, err := cmd.Flags().GetString("addr")
			if err != nil {
				return fmt.Errorf("failed to get addr flag: %w", err)
			}
			database, err := cmd.Flags().GetString("database")
			if err != nil {
				return fmt.Errorf("failed to get database flag: %w", err)
			}
			username, err := cmd.Flags().GetString("username")
			if err != nil {
				return fmt.Errorf("failed to get username flag: %w", err)
			}
			password, err := cmd.Flags().GetString("password")
			if err != nil {
				return fmt.Errorf("failed to get password flag: %w", err)
			}
			useTLS, err := cmd.Flags().GetBool("tls")
			if err != nil {
				return fmt.Errorf("failed to get tls flag: %w", err)
			}
			envFile, err := cmd.Flags().GetString("env-file")
			if err != nil {
				return fmt.Errorf("failed to get env-file flag: %w", err)
			}

			log := newLogger(verbose)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			loader, err := clickhouse.NewLoader(clickhouse.Config{
				Logger:   log,
				Dir:      dir,
				Addr:     addr,
				Database: database,
				Username: username,
				Password: password,
				TLS:      useTLS,
				EnvFile:  envFile,
			})
			if err != nil {
				return fmt.Errorf("failed to create loader: %w", err)
			}
			loads, err := loader.Load(ctx)
			if err != nil {
				log.Error("Failed to load dataset", "error", err)
				os.Exit(1)
			}

			table := newTable("Table", "Rows")
			for _, l := range loads {
				table.Append([]string{l.Table, fmt.Sprintf("%d", l.Rows)})
			}
			table.Render()

			return nil
		},
	}

	cmd.Flags().String("dir", "dataset", "Dataset directory holding the table CSVs")
	cmd.Flags().String("addr", "", "ClickHouse address (default: CLICKHOUSE_ADDR, then localhost:9000)")
	cmd.Flags().String("database", "", "Database to load into (default: CLICKHOUSE_DATABASE, then default)")
	cmd.Flags().String("username", "", "Username (default: CLICKHOUSE_USERNAME, then default)")
	cmd.Flags().String("password", "", "Password (default: CLICKHOUSE_PASSWORD)")
	cmd.Flags().Bool("tls", false, "Connect over TLS")
	cmd.Flags().String("env-file", "", "Load connection settings from this .env file first")

	return cmd
}
