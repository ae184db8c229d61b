package duck

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fibersqs/telesim/internal/dataset"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// smallDataset generates a one day dataset at the minimum fact count and
// returns its directory.
func smallDataset(t *testing.T, tier2 bool) string {
	t.Helper()
	scn := scenario.Default()
	scn.AppLogRows = 4_000
	scn.Window = scenario.Window{
		Start: time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 12, 2, 0, 0, 0, 0, time.UTC),
	}
	scn.Incident.Start = time.Date(2025, 12, 1, 12, 0, 0, 0, time.UTC)
	scn.Incident.End = time.Date(2025, 12, 1, 16, 0, 0, 0, time.UTC)
	scn.Incident.FixTime = time.Date(2025, 12, 1, 16, 5, 0, 0, time.UTC)
	scn.Confounders[0].Start = time.Date(2025, 12, 1, 2, 0, 0, 0, time.UTC)
	scn.Confounders[0].End = time.Date(2025, 12, 1, 3, 0, 0, 0, time.UTC)
	scn.Confounders[1].Start = time.Date(2025, 12, 1, 20, 0, 0, 0, time.UTC)
	scn.Confounders[1].End = time.Date(2025, 12, 1, 21, 0, 0, 0, time.UTC)
	require.NoError(t, scn.Validate())

	dir := t.TempDir()
	w, err := dataset.NewWriter(dataset.Config{
		Logger:      discardLogger(),
		Scenario:    scn,
		OutDir:      dir,
		EnableTier2: tier2,
	})
	require.NoError(t, err)
	_, err = w.Run(context.Background())
	require.NoError(t, err)
	return dir
}

// rowCount returns the data rows in a table file, excluding the header.
func rowCount(t *testing.T, path string) int {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Count(string(raw), "\n") - 1
}

func TestDuck_LoadsGeneratedDataset(t *testing.T) {
	t.Parallel()

	dir := smallDataset(t, true)
	loader, err := NewLoader(Config{
		Logger: discardLogger(),
		Path:   filepath.Join(t.TempDir(), "telesim.duckdb"),
		Dir:    dir,
	})
	require.NoError(t, err)

	loads, err := loader.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loads, len(tables.All()))

	for i, id := range tables.All() {
		info, ok := tables.Lookup(id)
		require.True(t, ok)
		require.Equal(t, string(id), loads[i].Table)
		require.EqualValues(t, rowCount(t, filepath.Join(dir, info.FileName())), loads[i].Rows,
			"table %s row count", id)
	}

	t.Run("reloading replaces rather than appends", func(t *testing.T) {
		again, err := loader.Load(context.Background())
		require.NoError(t, err)
		require.Equal(t, loads, again)
	})
}

func TestDuck_TierOneSkipsAggregateTables(t *testing.T) {
	t.Parallel()

	dir := smallDataset(t, false)
	loader, err := NewLoader(Config{
		Logger: discardLogger(),
		Path:   filepath.Join(t.TempDir(), "telesim.duckdb"),
		Dir:    dir,
	})
	require.NoError(t, err)

	loads, err := loader.Load(context.Background())
	require.NoError(t, err)

	enabled := tables.Enabled(false)
	require.Len(t, loads, len(enabled))
	for i, id := range enabled {
		require.Equal(t, string(id), loads[i].Table)
	}
}

func TestDuck_StatementRendering(t *testing.T) {
	t.Parallel()

	t.Run("create table lists every column with its type", func(t *testing.T) {
		info, ok := tables.Lookup(tables.TsoCalls)
		require.True(t, ok)
		require.Equal(t,
			"CREATE OR REPLACE TABLE tso_calls (call_id VARCHAR, timestamp TIMESTAMP, "+
				"customer_id VARCHAR, customer_region VARCHAR, issue_category VARCHAR, "+
				"issue_description VARCHAR, service_type VARCHAR, transaction_id VARCHAR, "+
				"resolution_time_minutes BIGINT, escalated BOOLEAN, resolution_code VARCHAR)",
			createTableSQL(info))
	})

	t.Run("copy quotes the file path", func(t *testing.T) {
		info, ok := tables.Lookup(tables.TxnFacts)
		require.True(t, ok)
		require.Equal(t,
			"COPY txn_facts FROM '/data/it''s/clickhouse-txn_facts.csv' (FORMAT CSV, HEADER)",
			copyFromSQL(info, "/data/it's/clickhouse-txn_facts.csv"))
	})
}

func TestDuck_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := NewLoader(Config{Path: "x.duckdb", Dir: "x"})
	require.EqualError(t, err, "logger is required")

	_, err = NewLoader(Config{Logger: discardLogger(), Dir: "x"})
	require.EqualError(t, err, "database path is required")

	_, err = NewLoader(Config{Logger: discardLogger(), Path: "x.duckdb"})
	require.EqualError(t, err, "dataset directory is required")

	t.Run("empty dataset directory fails the load", func(t *testing.T) {
		loader, err := NewLoader(Config{
			Logger: discardLogger(),
			Path:   filepath.Join(t.TempDir(), "telesim.duckdb"),
			Dir:    t.TempDir(),
		})
		require.NoError(t, err)
		_, err = loader.Load(context.Background())
		require.ErrorContains(t, err, "no dataset tables found")
	})
}
