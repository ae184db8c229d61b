// Package duck loads a generated dataset into a local DuckDB database
// file so the tables can be queried with plain SQL and no warehouse.
package duck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/fibersqs/telesim/internal/tables"
)

// Config describes one load run.
type Config struct {
	Logger *slog.Logger

	// Path is the DuckDB database file, created if absent.
	Path string

	// Dir is the dataset directory holding the table CSVs.
	Dir string
}

func (c Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Path == "" {
		return errors.New("database path is required")
	}
	if c.Dir == "" {
		return errors.New("dataset directory is required")
	}
	return nil
}

// TableLoad reports one table loaded into the database.
type TableLoad struct {
	Table string
	Rows  int64
}

type Loader struct {
	log *slog.Logger
	cfg Config
}

func NewLoader(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{log: cfg.Logger, cfg: cfg}, nil
}

// Load creates one table per dataset CSV found in the dataset directory
// and copies the rows in. Existing tables are replaced, so loading the
// same dataset into the same database twice is idempotent.
func (l *Loader) Load(ctx context.Context) ([]TableLoad, error) {
	db, err := sql.Open("duckdb", l.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var loads []TableLoad
	for _, id := range tables.All() {
		info, _ := tables.Lookup(id)
		path := filepath.Join(l.cfg.Dir, info.FileName())
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			// Tier 2 tables are absent from tier 1 datasets.
			continue
		}
		start := time.Now()
		rows, err := l.loadTable(ctx, db, info, path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		l.log.Info("loaded table", "table", id, "rows", rows, "duration", time.Since(start).String())
		loads = append(loads, TableLoad{Table: string(id), Rows: rows})
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("no dataset tables found in %s", l.cfg.Dir)
	}
	return loads, nil
}

func (l *Loader) loadTable(ctx context.Context, db *sql.DB, info tables.Info, path string) (int64, error) {
	if _, err := db.ExecContext(ctx, createTableSQL(info)); err != nil {
		return 0, fmt.Errorf("create table: %w", err)
	}

	// Another connection holding the database file surfaces as a transient
	// lock error, so the copy retries.
	op := func() error {
		_, err := db.ExecContext(ctx, copyFromSQL(info, path))
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, fmt.Errorf("copy from %s: %w", filepath.Base(path), err)
	}

	var rows int64
	if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", info.ID)).Scan(&rows); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return rows, nil
}

// createTableSQL renders the DDL for one table. The schema's warehouse
// types are valid DuckDB types as-is.
func createTableSQL(info tables.Info) string {
	defs := make([]string, len(info.Columns))
	for i, col := range info.Columns {
		defs[i] = fmt.Sprintf("%s %s", col.Name, col.Type)
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", info.ID, strings.Join(defs, ", "))
}

func copyFromSQL(info tables.Info, path string) string {
	return fmt.Sprintf("COPY %s FROM '%s' (FORMAT CSV, HEADER)", info.ID, strings.ReplaceAll(path, "'", "''"))
}
