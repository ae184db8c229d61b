// Package clickhouse sends a generated dataset to a ClickHouse server,
// one MergeTree table per dataset table.
package clickhouse

import (
	"context"
	"crypto/tls"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"

	"github.com/fibersqs/telesim/internal/tables"
)

const defaultBatchSize = 10_000

// Config describes one load run. Connection fields left empty fall back
// to the CLICKHOUSE_ADDR, CLICKHOUSE_DATABASE, CLICKHOUSE_USERNAME and
// CLICKHOUSE_PASSWORD environment variables, optionally read from EnvFile
// first.
type Config struct {
	Logger *slog.Logger

	// Dir is the dataset directory holding the table CSVs.
	Dir string

	Addr     string
	Database string
	Username string
	Password string
	TLS      bool

	// EnvFile is an optional dotenv file loaded before the environment
	// fallbacks apply.
	EnvFile string

	// BatchSize caps the rows per insert batch; defaults to 10000.
	BatchSize int
}

// Validate checks the config and applies env fallbacks and defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Dir == "" {
		return errors.New("dataset directory is required")
	}
	if c.EnvFile != "" {
		if err := godotenv.Load(c.EnvFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if c.Addr == "" {
		c.Addr = envOr("CLICKHOUSE_ADDR", "localhost:9000")
	}
	if c.Database == "" {
		c.Database = envOr("CLICKHOUSE_DATABASE", "default")
	}
	if c.Username == "" {
		c.Username = envOr("CLICKHOUSE_USERNAME", "default")
	}
	if c.Password == "" {
		c.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	}
	if c.BatchSize == 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.BatchSize < 0 {
		return errors.New("batch size must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TableLoad reports one table sent to the server.
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

// Load creates the target database and one MergeTree table per dataset
// CSV found in the dataset directory, then batch inserts the rows.
// Tables are truncated first, so loading the same dataset twice replaces
// rather than appends.
func (l *Loader) Load(ctx context.Context) ([]TableLoad, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", l.cfg.Database)); err != nil {
		return nil, fmt.Errorf("create database: %w", err)
	}

	var loads []TableLoad
	for _, id := range tables.All() {
		info, _ := tables.Lookup(id)
		path := filepath.Join(l.cfg.Dir, info.FileName())
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			// Tier 2 tables are absent from tier 1 datasets.
			continue
		}
		start := time.Now()
		rows, err := l.loadTable(ctx, conn, info, path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		l.log.Info("sent table to clickhouse", "table", id, "rows", rows, "duration", time.Since(start).String())
		loads = append(loads, TableLoad{Table: string(id), Rows: rows})
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("no dataset tables found in %s", l.cfg.Dir)
	}
	return loads, nil
}

// connect opens the native connection and pings it, retrying while the
// server comes up.
func (l *Loader) connect(ctx context.Context) (ch.Conn, error) {
	attempt := 0
	conn, err := backoff.Retry(ctx, func() (ch.Conn, error) {
		if attempt > 0 {
			l.log.Warn("clickhouse not reachable, retrying", "addr", l.cfg.Addr, "attempt", attempt)
		}
		attempt++

		opts := &ch.Options{
			Addr: []string{l.cfg.Addr},
			Auth: ch.Auth{
				Database: "default",
				Username: l.cfg.Username,
				Password: l.cfg.Password,
			},
		}
		if l.cfg.TLS {
			opts.TLS = &tls.Config{}
		}
		conn, err := ch.Open(opts)
		if err != nil {
			return nil, err
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse at %s: %w", l.cfg.Addr, err)
	}
	return conn, nil
}

func (l *Loader) loadTable(ctx context.Context, conn ch.Conn, info tables.Info, path string) (int64, error) {
	if err := conn.Exec(ctx, createTableSQL(l.cfg.Database, info)); err != nil {
		return 0, fmt.Errorf("create table: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s.%s", l.cfg.Database, info.ID)); err != nil {
		return 0, fmt.Errorf("truncate table: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("read %s header: %w", info.FileName(), err)
	}
	if !slices.Equal(header, info.Header()) {
		return 0, fmt.Errorf("%s header mismatch", info.FileName())
	}

	var (
		total int64
		buf   [][]any
	)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		batch, err := conn.PrepareBatch(ctx, insertSQL(l.cfg.Database, info))
		if err != nil {
			return fmt.Errorf("error beginning clickhouse batch: %w", err)
		}
		for _, row := range buf {
			if err := batch.Append(row...); err != nil {
				_ = batch.Close()
				return fmt.Errorf("error appending to clickhouse batch: %w", err)
			}
		}
		if err := batch.Send(); err != nil {
			_ = batch.Close()
			return fmt.Errorf("error sending clickhouse batch: %w", err)
		}
		if err := batch.Close(); err != nil {
			return fmt.Errorf("error closing clickhouse batch: %w", err)
		}
		total += int64(len(buf))
		buf = buf[:0]
		return nil
	}

	for line := 2; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", info.FileName(), err)
		}
		row, err := parseRow(info, record)
		if err != nil {
			return 0, fmt.Errorf("%s line %d: %w", info.FileName(), line, err)
		}
		buf = append(buf, row)
		if len(buf) >= l.cfg.BatchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	return total, nil
}

// parseRow converts one CSV record into driver values matching the
// rendered column types. Optional metric columns arrive empty and map to
// NULL.
func parseRow(info tables.Info, record []string) ([]any, error) {
	if len(record) != len(info.Columns) {
		return nil, fmt.Errorf("expected %d fields, got %d", len(info.Columns), len(record))
	}
	row := make([]any, len(record))
	for i, col := range info.Columns {
		raw := record[i]
		switch col.Type {
		case "TIMESTAMP":
			ts, err := parseTime(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", col.Name, err)
			}
			row[i] = ts
		case "DOUBLE":
			if raw == "" {
				row[i] = nil
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", col.Name, err)
			}
			row[i] = v
		case "BIGINT":
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", col.Name, err)
			}
			row[i] = v
		case "BOOLEAN":
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", col.Name, err)
			}
			row[i] = v
		default:
			row[i] = raw
		}
	}
	return row, nil
}

func parseTime(raw string) (time.Time, error) {
	if ts, err := time.Parse(tables.TimeLayoutMicro, raw); err == nil {
		return ts, nil
	}
	return time.Parse(tables.TimeLayoutSecond, raw)
}

// columnType maps a warehouse type to its ClickHouse type. DOUBLE maps
// to Nullable(Float64) because the optional per-event metric columns are
// empty on most rows.
func columnType(warehouse string) string {
	switch warehouse {
	case "VARCHAR":
		return "String"
	case "TIMESTAMP":
		return "DateTime64(6, 'UTC')"
	case "DOUBLE":
		return "Nullable(Float64)"
	case "BIGINT":
		return "Int64"
	case "BOOLEAN":
		return "Bool"
	}
	return warehouse
}

// createTableSQL renders the MergeTree DDL for one table, ordered by its
// time column.
func createTableSQL(db string, info tables.Info) string {
	defs := make([]string, len(info.Columns))
	for i, col := range info.Columns {
		defs[i] = fmt.Sprintf("%s %s", col.Name, columnType(col.Type))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (%s) ENGINE = MergeTree ORDER BY %s",
		db, info.ID, strings.Join(defs, ", "), info.TimeColumn)
}

func insertSQL(db string, info tables.Info) string {
	return fmt.Sprintf("INSERT INTO %s.%s (%s)", db, info.ID, strings.Join(info.Header(), ", "))
}
