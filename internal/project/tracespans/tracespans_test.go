package tracespans

import (
	"io"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fibersqs/telesim/internal/fact"
	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

const (
	colTimestamp = iota
	colTraceID
	colSpanID
	colParentSpanID
	colTransactionID
	colRegion
	colService
	colOperation
	colDurationMS
	colStatus
	colCircuitID
)

func newTestProjector(t *testing.T, scn *scenario.Scenario, seed int64) (*Projector, *[][]string) {
	t.Helper()
	var rows [][]string
	proj, err := New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Scenario: scn,
		Stream:   randstream.New(seed).Stream("tracespans"),
		Emit: func(row []string) error {
			rows = append(rows, append([]string(nil), row...))
			return nil
		},
	})
	require.NoError(t, err)
	return proj, &rows
}

func crossRegionFact(scn *scenario.Scenario) *fact.Fact {
	start := scn.Window.Start.Add(26 * time.Hour)
	return &fact.Fact{
		Seq:                 1,
		TransactionID:       "TX-20251202020000-0000001",
		TraceID:             "tr-6ef4c2a9b1d8",
		CustomerID:          "CUST-12345678",
		OriginRegion:        "central",
		TxnType:             "provision_fiber_sqs",
		ServiceType:         "fiber_sqs",
		StartTS:             start,
		EndTS:               start.Add(1800 * time.Millisecond),
		E2ELatencyMS:        1800,
		Outcome:             fact.OutcomeCompleted,
		HTTPStatus:          200,
		CrossRegion:         true,
		DependencyRegion:    "east",
		DependencyService:   fact.DependencyService,
		CircuitID:           "CKT-CEN-EAS-003",
		DependencyLatencyMS: 950,
		IncidentImpacted:    true,
	}
}

func parseTS(t *testing.T, raw string) time.Time {
	t.Helper()
	ts, err := time.Parse(tables.TimeLayoutMicro, raw)
	require.NoError(t, err)
	return ts
}

func TestTraceSpans_ChainShape(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()

	t.Run("cross-region fact yields four linked spans", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		require.NoError(t, proj.Consume(crossRegionFact(scn)))
		require.NoError(t, proj.Close())
		require.Len(t, *rows, 4)
		require.Equal(t, 4, proj.Rows())

		root, orch, worker, dep := (*rows)[0], (*rows)[1], (*rows)[2], (*rows)[3]
		require.Empty(t, root[colParentSpanID])
		require.Equal(t, root[colSpanID], orch[colParentSpanID])
		require.Equal(t, orch[colSpanID], worker[colParentSpanID])
		require.Equal(t, orch[colSpanID], dep[colParentSpanID])

		require.Equal(t, "api", root[colService])
		require.Equal(t, "POST /fiber/txn", root[colOperation])
		require.Equal(t, "orchestrator", orch[colService])
		require.Equal(t, "coordinate", orch[colOperation])
		require.Equal(t, "worker", worker[colService])
		require.Equal(t, "apply", worker[colOperation])
		require.Equal(t, "inventory-client", dep[colService])
		require.Equal(t, "HTTP POST", dep[colOperation])

		for _, row := range *rows {
			require.Equal(t, "tr-6ef4c2a9b1d8", row[colTraceID])
			require.Equal(t, "TX-20251202020000-0000001", row[colTransactionID])
			require.Equal(t, "central", row[colRegion])
		}
		require.Empty(t, root[colCircuitID])
		require.Empty(t, orch[colCircuitID])
		require.Empty(t, worker[colCircuitID])
		require.Equal(t, "CKT-CEN-EAS-003", dep[colCircuitID])
	})

	t.Run("local fact yields three spans", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		f := crossRegionFact(scn)
		f.CrossRegion = false
		f.DependencyRegion = ""
		f.DependencyService = ""
		f.CircuitID = ""
		f.DependencyLatencyMS = 0
		f.IncidentImpacted = false
		require.NoError(t, proj.Consume(f))
		require.Len(t, *rows, 3)
	})

	t.Run("durations derive from end-to-end latency", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		require.NoError(t, proj.Consume(crossRegionFact(scn)))
		require.Equal(t, "1800.00", (*rows)[0][colDurationMS])
		require.Equal(t, "720.00", (*rows)[1][colDurationMS])
		require.Equal(t, "900.00", (*rows)[2][colDurationMS])
		require.Equal(t, "950.00", (*rows)[3][colDurationMS])
	})
}

func TestTraceSpans_Statuses(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()

	statuses := func(rows [][]string) []string {
		out := make([]string, len(rows))
		for i, row := range rows {
			out[i] = row[colStatus]
		}
		return out
	}

	t.Run("completed chains are all ok", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		require.NoError(t, proj.Consume(crossRegionFact(scn)))
		require.Equal(t, []string{"ok", "ok", "ok", "ok"}, statuses(*rows))
	})

	t.Run("timeouts fail the root, worker and dependency spans", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		f := crossRegionFact(scn)
		f.Outcome = fact.OutcomeTimeout
		f.HTTPStatus = 504
		f.ErrorCode = fact.ErrCodeDepTimeout
		require.NoError(t, proj.Consume(f))
		require.Equal(t, []string{"error", "ok", "error", "error"}, statuses(*rows))
	})

	t.Run("worker faults leave the dependency span ok", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		f := crossRegionFact(scn)
		f.Outcome = fact.OutcomeError
		f.HTTPStatus = 500
		f.ErrorCode = fact.ErrCodeWorkerFault
		require.NoError(t, proj.Consume(f))
		require.Equal(t, []string{"error", "ok", "error", "ok"}, statuses(*rows))
	})
}

func TestTraceSpans_ClockDrift(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()

	t.Run("children start at the parent end give or take the jitter", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		f := crossRegionFact(scn)
		require.NoError(t, proj.Consume(f))

		rootTS := parseTS(t, (*rows)[0][colTimestamp])
		require.True(t, rootTS.Equal(f.StartTS))

		check := func(child, parent []string) {
			parentTS := parseTS(t, parent[colTimestamp])
			parentDur, err := strconv.ParseFloat(parent[colDurationMS], 64)
			require.NoError(t, err)
			parentEnd := parentTS.Add(time.Duration(parentDur * float64(time.Millisecond)))
			childTS := parseTS(t, child[colTimestamp])
			drift := childTS.Sub(parentEnd)
			require.LessOrEqual(t, drift.Abs(), maxSkewJitter+time.Microsecond)
		}
		check((*rows)[1], (*rows)[0])
		check((*rows)[2], (*rows)[1])
		check((*rows)[3], (*rows)[1])
	})

	t.Run("drift goes negative across many chains", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 2)
		for range 50 {
			require.NoError(t, proj.Consume(crossRegionFact(scn)))
		}

		negative := false
		for i := 0; i+3 < len(*rows); i += 4 {
			rootTS := parseTS(t, (*rows)[i][colTimestamp])
			orchTS := parseTS(t, (*rows)[i+1][colTimestamp])
			if orchTS.Before(rootTS.Add(1800 * time.Millisecond)) {
				negative = true
				break
			}
		}
		require.True(t, negative, "expected at least one negatively drifted span in 50 chains")
	})

	t.Run("spans stay inside the dataset window", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		f := crossRegionFact(scn)
		f.StartTS = scn.Window.End.Add(-2 * time.Second)
		f.EndTS = scn.Window.End.Add(-200 * time.Millisecond)
		f.E2ELatencyMS = 1800
		require.NoError(t, proj.Consume(f))

		for _, row := range *rows {
			ts := parseTS(t, row[colTimestamp])
			require.True(t, scn.Window.Contains(ts), "span %s escaped the window at %s", row[colOperation], ts)
		}
	})
}

func TestTraceSpans_Determinism(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()

	projA, rowsA := newTestProjector(t, scn, 7)
	projB, rowsB := newTestProjector(t, scn, 7)
	for _, proj := range []*Projector{projA, projB} {
		require.NoError(t, proj.Consume(crossRegionFact(scn)))
		require.NoError(t, proj.Consume(crossRegionFact(scn)))
	}
	require.Equal(t, *rowsA, *rowsB)

	projC, rowsC := newTestProjector(t, scn, 8)
	require.NoError(t, projC.Consume(crossRegionFact(scn)))
	require.NotEqual(t, (*rowsA)[0][colSpanID], (*rowsC)[0][colSpanID])
}

func TestTraceSpans_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Scenario: scenario.Default(),
	})
	require.ErrorContains(t, err, "random stream is required")
}
