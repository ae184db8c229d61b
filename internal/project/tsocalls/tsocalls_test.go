package tsocalls

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fibersqs/telesim/internal/fact"
	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

const (
	colCallID = iota
	colTimestamp
	colCustomerID
	colCustomerRegion
	colIssueCategory
	colIssueDescription
	colServiceType
	colTransactionID
	colResolutionMinutes
	colEscalated
	colResolutionCode
)

func newTestProjector(t *testing.T, scn *scenario.Scenario, seed int64) (*Projector, *[][]string) {
	t.Helper()
	var rows [][]string
	proj, err := New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Scenario: scn,
		Registry: fact.NewRegistry(),
		Stream:   randstream.New(seed).Stream("tsocalls"),
		Emit: func(row []string) error {
			rows = append(rows, append([]string(nil), row...))
			return nil
		},
	})
	require.NoError(t, err)
	return proj, &rows
}

// impactedFacts builds n facts in the affected slice, impacted, spaced a
// few seconds apart inside the incident window.
func impactedFacts(scn *scenario.Scenario, n int) []*fact.Fact {
	base := scn.Incident.Start.Add(12 * time.Hour)
	facts := make([]*fact.Fact, n)
	for i := range n {
		start := base.Add(time.Duration(i) * 5 * time.Second)
		facts[i] = &fact.Fact{
			Seq:                 i,
			TransactionID:       fmt.Sprintf("TX-%s-%07d", start.UTC().Format("20060102150405"), i),
			TraceID:             fmt.Sprintf("tr-%012d", i),
			CustomerID:          fmt.Sprintf("CUST-%08d", 10_000_000+i),
			OriginRegion:        scn.Incident.SrcRegion,
			TxnType:             scn.Incident.AffectedTxnTypes[0],
			ServiceType:         "fiber_sqs",
			StartTS:             start,
			EndTS:               start.Add(2 * time.Second),
			E2ELatencyMS:        2000,
			Outcome:             fact.OutcomeCompleted,
			HTTPStatus:          200,
			RetryCount:          2,
			CrossRegion:         true,
			DependencyRegion:    scn.Incident.DstRegion,
			DependencyService:   fact.DependencyService,
			CircuitID:           scn.Incident.CircuitID,
			DependencyLatencyMS: 1500,
			IncidentImpacted:    true,
		}
	}
	return facts
}

func baselineFacts(scn *scenario.Scenario, n int) []*fact.Fact {
	base := scn.Window.Start.Add(6 * time.Hour)
	facts := make([]*fact.Fact, n)
	for i := range n {
		start := base.Add(time.Duration(i) * 5 * time.Second)
		facts[i] = &fact.Fact{
			Seq:           i,
			TransactionID: fmt.Sprintf("TX-%s-%07d", start.UTC().Format("20060102150405"), i),
			TraceID:       fmt.Sprintf("tr-%012d", i),
			CustomerID:    fmt.Sprintf("CUST-%08d", 20_000_000+i),
			OriginRegion:  "east",
			TxnType:       "update_billing",
			ServiceType:   "fiber_internet",
			StartTS:       start,
			EndTS:         start.Add(300 * time.Millisecond),
			E2ELatencyMS:  300,
			Outcome:       fact.OutcomeCompleted,
			HTTPStatus:    200,
		}
	}
	return facts
}

func TestTsoCalls_CallVolume(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()

	t.Run("impacted slice calls in at the elevated rate", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		facts := impactedFacts(scn, 20_000)
		for _, f := range facts {
			require.NoError(t, proj.Consume(f))
		}
		require.NoError(t, proj.Close())

		rate := float64(len(*rows)) / float64(len(facts))
		require.InDelta(t, probImpacted, rate, 0.01)
		require.Equal(t, len(*rows), proj.Stats().IncidentCalls)
	})

	t.Run("baseline traffic rarely calls", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 1)
		facts := baselineFacts(scn, 20_000)
		for _, f := range facts {
			require.NoError(t, proj.Consume(f))
		}
		rate := float64(len(*rows)) / float64(len(facts))
		require.InDelta(t, probBaseline, rate, 0.005)
		require.Zero(t, proj.Stats().IncidentCalls)
	})
}

func TestTsoCalls_RowShape(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()
	proj, rows := newTestProjector(t, scn, 1)
	facts := impactedFacts(scn, 5_000)
	byID := make(map[string]*fact.Fact, len(facts))
	for _, f := range facts {
		byID[f.TransactionID] = f
		require.NoError(t, proj.Consume(f))
	}
	require.NotEmpty(t, *rows)
	require.Len(t, proj.Stats().Records, len(*rows))

	for i, row := range *rows {
		require.Len(t, row, 11)
		rec := proj.Stats().Records[i]
		require.Equal(t, rec.CallID, row[colCallID])
		require.Equal(t, rec.EmittedTransactionID, row[colTransactionID])
		require.True(t, strings.HasPrefix(row[colCallID], "TSO-"))
		require.Contains(t, issueCategories, row[colIssueCategory])
		require.Contains(t, issueNotes, row[colIssueDescription])
		require.Contains(t, resolutionCodes, row[colResolutionCode])
		require.Contains(t, []string{"true", "false"}, row[colEscalated])
		require.Equal(t, "fiber_sqs", row[colServiceType])
		require.Equal(t, scn.Incident.SrcRegion, row[colCustomerRegion])

		minutes, err := strconv.Atoi(row[colResolutionMinutes])
		require.NoError(t, err)
		require.GreaterOrEqual(t, minutes, 10)
		require.LessOrEqual(t, minutes, 180)

		callTS, err := time.Parse(tables.TimeLayoutSecond, row[colTimestamp])
		require.NoError(t, err)
		require.True(t, scn.Window.Contains(callTS))

		src := byID[rec.TrueTransactionID]
		require.NotNil(t, src)
		require.Equal(t, src.CustomerID, row[colCustomerID])
		require.False(t, callTS.Before(src.EndTS.Add(5*time.Minute)))
		require.GreaterOrEqual(t, rec.DelayMinutes, 5)
		require.LessOrEqual(t, rec.DelayMinutes, 120)
	}
}

func TestTsoCalls_NoiseMix(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()
	proj, rows := newTestProjector(t, scn, 2)
	facts := impactedFacts(scn, 60_000)
	customers := make(map[string]string, len(facts))
	regions := make(map[string]string, len(facts))
	for _, f := range facts {
		customers[f.TransactionID] = f.CustomerID
		regions[f.TransactionID] = f.OriginRegion
		require.NoError(t, proj.Consume(f))
	}
	stats := proj.Stats()
	require.Greater(t, stats.Rows, 2_000)
	require.Equal(t, stats.Rows, len(*rows))

	t.Run("achieved rates track the targets under their caps", func(t *testing.T) {
		t.Parallel()
		total := float64(stats.Rows)
		targets := DefaultTargets()

		missRate := float64(stats.NoiseCounts[NoiseMissing]) / total
		require.InDelta(t, targets.Missing.Rate, missRate, 0.012)
		require.LessOrEqual(t, missRate, targets.Missing.Cap+1/total)

		fabRate := float64(stats.NoiseCounts[NoiseFabricated]) / total
		require.LessOrEqual(t, fabRate, targets.Fabricated.Cap+1/total)

		wrongRate := float64(stats.NoiseCounts[NoiseWrongCustomer]) / total
		require.InDelta(t, targets.WrongCustomer.Rate, wrongRate, 0.006)
		require.LessOrEqual(t, wrongRate, targets.WrongCustomer.Cap+1/total)

		clean := stats.NoiseCounts[NoiseClean]
		require.Equal(t, stats.Rows, clean+stats.NoiseCounts[NoiseMissing]+stats.NoiseCounts[NoiseFabricated]+stats.NoiseCounts[NoiseWrongCustomer])
		require.Equal(t, clean, stats.Matches)
		require.Equal(t, stats.Rows-stats.NoiseCounts[NoiseMissing], stats.NonEmptyRefs)
	})

	t.Run("each noise class corrupts the reference its own way", func(t *testing.T) {
		t.Parallel()
		var sawMissing, sawFabricated, sawWrong bool
		for _, rec := range stats.Records {
			switch rec.NoiseType {
			case NoiseMissing:
				sawMissing = true
				require.Empty(t, rec.EmittedTransactionID)
			case NoiseFabricated:
				sawFabricated = true
				require.True(t, strings.HasPrefix(rec.EmittedTransactionID, "FAKE-TX-"))
				require.NotContains(t, customers, rec.EmittedTransactionID)
			case NoiseWrongCustomer:
				sawWrong = true
				require.NotEqual(t, rec.TrueTransactionID, rec.EmittedTransactionID)
				require.Equal(t, regions[rec.TrueTransactionID], regions[rec.EmittedTransactionID])
				require.NotEqual(t, customers[rec.TrueTransactionID], customers[rec.EmittedTransactionID])
			default:
				require.Equal(t, NoiseClean, rec.NoiseType)
				require.Equal(t, rec.TrueTransactionID, rec.EmittedTransactionID)
			}
		}
		require.True(t, sawMissing)
		require.True(t, sawFabricated)
		require.True(t, sawWrong)
	})
}

func TestTsoCalls_EscalationAndClamp(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()

	t.Run("only impacted facts escalate", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 3)
		for _, f := range baselineFacts(scn, 20_000) {
			require.NoError(t, proj.Consume(f))
		}
		for _, row := range *rows {
			require.Equal(t, "false", row[colEscalated])
		}

		proj2, rows2 := newTestProjector(t, scn, 3)
		for _, f := range impactedFacts(scn, 5_000) {
			require.NoError(t, proj2.Consume(f))
		}
		var escalated int
		for _, row := range *rows2 {
			if row[colEscalated] == "true" {
				escalated++
			}
		}
		share := float64(escalated) / float64(len(*rows2))
		require.InDelta(t, 0.6, share, 0.08)
	})

	t.Run("calls near the window close pull back inside it", func(t *testing.T) {
		t.Parallel()
		proj, rows := newTestProjector(t, scn, 4)
		end := scn.Window.End.Add(-2 * time.Minute)
		f := impactedFacts(scn, 1)[0]
		f.StartTS = end.Add(-2 * time.Second)
		f.EndTS = end
		for range 200 {
			require.NoError(t, proj.Consume(f))
		}
		require.NotEmpty(t, *rows)
		for _, row := range *rows {
			callTS, err := time.Parse(tables.TimeLayoutSecond, row[colTimestamp])
			require.NoError(t, err)
			require.True(t, callTS.Equal(scn.Window.End.Add(-closingMargin)))
		}
	})
}

func TestTsoCalls_Determinism(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()
	facts := impactedFacts(scn, 3_000)

	projA, rowsA := newTestProjector(t, scn, 7)
	projB, rowsB := newTestProjector(t, scn, 7)
	for _, f := range facts {
		require.NoError(t, projA.Consume(f))
		require.NoError(t, projB.Consume(f))
	}
	require.Equal(t, *rowsA, *rowsB)
	require.Equal(t, projA.Stats(), projB.Stats())

	projC, rowsC := newTestProjector(t, scn, 8)
	for _, f := range facts {
		require.NoError(t, projC.Consume(f))
	}
	require.NotEqual(t, len(*rowsA), 0)
	require.NotEqual(t, (*rowsA)[0][colCallID], (*rowsC)[0][colCallID])
}

func TestTsoCalls_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{
		Logger:   logger,
		Scenario: scenario.Default(),
		Registry: fact.NewRegistry(),
		Stream:   randstream.New(1).Stream("tsocalls"),
		Emit:     func([]string) error { return nil },
		Targets: Targets{
			Missing:       Target{Rate: 0.5, Cap: 0.1},
			Fabricated:    Target{Rate: 0.001, Cap: 0.002},
			WrongCustomer: Target{Rate: 0.005, Cap: 0.007},
		},
	}
	_, err = New(cfg)
	require.ErrorContains(t, err, "must not exceed its cap")
}
