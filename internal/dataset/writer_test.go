package dataset

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

// shortScenario is a validated one day window at the minimum fact count so
// full writer runs stay fast.
func shortScenario(t *testing.T) *scenario.Scenario {
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
	return scn
}

func runWriter(t *testing.T, cfg Config) *Report {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w, err := NewWriter(cfg)
	require.NoError(t, err)
	report, err := w.Run(context.Background())
	require.NoError(t, err)
	return report
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

// rowCount returns the data rows in a table file, excluding the header.
func rowCount(t *testing.T, path string) int {
	t.Helper()
	return strings.Count(readFile(t, path), "\n") - 1
}

func TestDataset_WriterProducesTables(t *testing.T) {
	t.Parallel()

	scn := shortScenario(t)
	scn.AppLogRows = 40_000 // enough impacted facts for a non-empty call table
	dir := t.TempDir()
	now := time.Date(2025, 12, 10, 8, 0, 0, 0, time.UTC)
	report := runWriter(t, Config{
		Clock:    clockwork.NewFakeClockAt(now),
		Scenario: scn,
		OutDir:   dir,
	})

	require.Equal(t, scenario.DatasetName, report.Dataset)
	require.Equal(t, scn.Seed, report.Seed)
	require.NotEmpty(t, report.RunID)
	require.True(t, report.GeneratedAt.Equal(now))
	require.Empty(t, report.Archive)

	t.Run("one file per tier one table with matching row counts", func(t *testing.T) {
		var got []string
		for _, tr := range report.Tables {
			got = append(got, tr.Table)
		}
		var want []string
		for _, id := range tables.Enabled(false) {
			want = append(want, string(id))
		}
		require.Equal(t, want, got)

		for _, tr := range report.Tables {
			info, ok := tables.Lookup(tables.ID(tr.Table))
			require.True(t, ok)
			require.Positive(t, tr.Rows, tr.Table)
			require.Equal(t, tr.Rows, rowCount(t, filepath.Join(dir, info.FileName())), tr.Table)
		}
	})

	t.Run("facts drive the derived volumes", func(t *testing.T) {
		facts := report.Tables[0]
		require.Equal(t, string(tables.TxnFacts), facts.Table)
		require.Equal(t, scn.TransactionTarget(), facts.Rows)
		require.Greater(t, report.Tables[1].Rows, facts.Rows)
		require.Greater(t, report.Tables[2].Rows, facts.Rows)

		calls := report.Tables[5]
		require.Equal(t, string(tables.TsoCalls), calls.Table)
		require.NotNil(t, report.Tso)
		require.Equal(t, calls.Rows, report.Tso.Rows)
	})

	t.Run("run artifacts land next to the tables", func(t *testing.T) {
		var manifest map[string]any
		require.NoError(t, json.Unmarshal([]byte(readFile(t, filepath.Join(dir, GroundTruthFile))), &manifest))
		require.Equal(t, scenario.DatasetName, manifest["dataset"])
		require.Equal(t, report.RunID, manifest["run_id"])
		require.Len(t, manifest["tables"], len(report.Tables))
		require.Contains(t, manifest, "incident")
		require.Contains(t, manifest, "confounders")

		readme := readFile(t, filepath.Join(dir, ReadmeFile))
		require.Contains(t, readme, report.RunID)
		require.Contains(t, readme, GroundTruthFile)

		loaded, err := scenario.Load(filepath.Join(dir, ScenarioFile))
		require.NoError(t, err)
		require.Equal(t, scn, loaded)

		_, err = os.Stat(filepath.Join(dir, ArchiveName))
		require.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestDataset_TierTwoTables(t *testing.T) {
	t.Parallel()

	t.Run("config flag adds the aggregate and alert tables", func(t *testing.T) {
		t.Parallel()

		scn := shortScenario(t)
		dir := t.TempDir()
		report := runWriter(t, Config{Scenario: scn, OutDir: dir, EnableTier2: true})

		var got []string
		for _, tr := range report.Tables {
			got = append(got, tr.Table)
		}
		var want []string
		for _, id := range tables.Enabled(true) {
			want = append(want, string(id))
		}
		require.Equal(t, want, got)

		for _, id := range []tables.ID{tables.ServiceMetrics, tables.NetworkEvents} {
			info, ok := tables.Lookup(id)
			require.True(t, ok)
			require.FileExists(t, filepath.Join(dir, info.FileName()))
		}
	})

	t.Run("scenario flag works without the config one", func(t *testing.T) {
		t.Parallel()

		scn := shortScenario(t)
		scn.EnableTier2 = true
		dir := t.TempDir()
		report := runWriter(t, Config{Scenario: scn, OutDir: dir})
		require.Len(t, report.Tables, len(tables.Enabled(true)))
	})
}

func TestDataset_Determinism(t *testing.T) {
	t.Parallel()

	scn := shortScenario(t)
	scn.EnableTier2 = true
	dirA, dirB := t.TempDir(), t.TempDir()
	runWriter(t, Config{Scenario: scn, OutDir: dirA})
	runWriter(t, Config{Scenario: scn, OutDir: dirB})

	for _, id := range tables.Enabled(true) {
		info, ok := tables.Lookup(id)
		require.True(t, ok)
		name := info.FileName()
		a := readFile(t, filepath.Join(dirA, name))
		b := readFile(t, filepath.Join(dirB, name))
		if a != b {
			edits := myers.ComputeEdits(span.URIFromPath("run-a/"+name), a, b)
			t.Fatalf("%s differs between runs:\n%s", name,
				fmt.Sprint(gotextdiff.ToUnified("run-a/"+name, "run-b/"+name, a, edits)))
		}
	}
}

func TestDataset_Archive(t *testing.T) {
	t.Parallel()

	scn := shortScenario(t)
	dir := t.TempDir()
	report := runWriter(t, Config{Scenario: scn, OutDir: dir, Zip: true})
	require.Equal(t, filepath.Join(dir, ArchiveName), report.Archive)

	r, err := zip.OpenReader(report.Archive)
	require.NoError(t, err)
	defer r.Close()

	entries := make(map[string]bool)
	for _, f := range r.File {
		entries[f.Name] = true
	}
	for _, id := range tables.Enabled(false) {
		info, _ := tables.Lookup(id)
		require.True(t, entries[info.FileName()], info.FileName())
	}
	require.True(t, entries[GroundTruthFile])
	require.True(t, entries[ReadmeFile])
	require.False(t, entries[ArchiveName])
}

func TestDataset_ConfigValidation(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	scn := shortScenario(t)

	_, err := NewWriter(Config{Scenario: scn, OutDir: t.TempDir()})
	require.ErrorContains(t, err, "logger is required")

	_, err = NewWriter(Config{Logger: logger, OutDir: t.TempDir()})
	require.ErrorContains(t, err, "scenario is required")

	_, err = NewWriter(Config{Logger: logger, Scenario: scn})
	require.ErrorContains(t, err, "output directory is required")

	_, err = NewWriter(Config{Logger: logger, Scenario: scn, OutDir: t.TempDir(), Workers: -1})
	require.ErrorContains(t, err, "workers must be positive")

	t.Run("tier two and workers default from the scenario", func(t *testing.T) {
		t.Parallel()

		tiered := shortScenario(t)
		tiered.EnableTier2 = true
		w, err := NewWriter(Config{Logger: logger, Scenario: tiered, OutDir: t.TempDir()})
		require.NoError(t, err)
		require.True(t, w.tier2)
		require.Equal(t, defaultWorkers, w.workers)
		require.NotEmpty(t, w.runID)
	})
}
