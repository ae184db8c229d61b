package netevents

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
	"github.com/fibersqs/telesim/internal/topology"
)

const (
	colEventID = iota
	colTimestamp
	colEventType
	colSrcRegion
	colDstRegion
	colCircuitID
	colSeverity
	colDescription
)

func collectRows(t *testing.T, scn *scenario.Scenario, seed int64) (*Projector, [][]string) {
	t.Helper()
	streams := randstream.New(seed)
	topo, err := topology.Build(topology.Config{Scenario: scn, Streams: streams})
	require.NoError(t, err)
	proj, err := New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Scenario: scn,
		Topology: topo,
		Stream:   streams.Stream("netevents"),
	})
	require.NoError(t, err)

	var rows [][]string
	require.NoError(t, proj.Emit(func(row []string) error {
		rows = append(rows, append([]string(nil), row...))
		return nil
	}))
	return proj, rows
}

func TestNetEvents_IncidentSignal(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()
	proj, rows := collectRows(t, scn, 1)

	require.Len(t, rows, 2+backgroundEvents)
	require.Equal(t, len(rows), proj.Rows())

	onset := rows[0]
	require.Equal(t, "EVT-000000", onset[colEventID])
	require.Equal(t, tables.FormatSecond(scn.Incident.Start), onset[colTimestamp])
	require.Equal(t, "packet_loss_burst", onset[colEventType])
	require.Equal(t, scn.Incident.SrcRegion, onset[colSrcRegion])
	require.Equal(t, scn.Incident.DstRegion, onset[colDstRegion])
	require.Equal(t, scn.Incident.CircuitID, onset[colCircuitID])
	require.Equal(t, "critical", onset[colSeverity])

	fix := rows[1]
	require.Equal(t, "EVT-000001", fix[colEventID])
	require.Equal(t, tables.FormatSecond(scn.Incident.FixTime), fix[colTimestamp])
	require.Equal(t, "reroute", fix[colEventType])
	require.Equal(t, scn.Incident.CircuitID, fix[colCircuitID])
	require.Equal(t, "info", fix[colSeverity])
}

func TestNetEvents_Background(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()
	_, rows := collectRows(t, scn, 1)

	for i, row := range rows[2:] {
		require.Equal(t, fmt.Sprintf("EVT-%06d", i+2), row[colEventID])
		require.NotEqual(t, scn.Incident.CircuitID, row[colCircuitID])
		require.Contains(t, eventTypes, row[colEventType])
		require.Contains(t, []string{"info", "warning"}, row[colSeverity])
		require.NotEmpty(t, row[colDescription])
		if row[colEventType] == "maintenance" {
			require.Equal(t, "info", row[colSeverity])
		} else {
			require.Equal(t, "warning", row[colSeverity])
		}

		ts, err := time.Parse(tables.TimeLayoutSecond, row[colTimestamp])
		require.NoError(t, err)
		require.True(t, scn.Window.Contains(ts))
	}
}

func TestNetEvents_FixTimeClamped(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()
	scn.Incident.FixTime = scn.Window.End.Add(time.Hour)
	_, rows := collectRows(t, scn, 1)

	ts, err := time.Parse(tables.TimeLayoutSecond, rows[1][colTimestamp])
	require.NoError(t, err)
	require.True(t, scn.Window.Contains(ts))
}

func TestNetEvents_Determinism(t *testing.T) {
	t.Parallel()
	scn := scenario.Default()
	_, rowsA := collectRows(t, scn, 7)
	_, rowsB := collectRows(t, scn, 7)
	require.Equal(t, rowsA, rowsB)

	_, rowsC := collectRows(t, scn, 8)
	require.NotEqual(t, rowsA, rowsC)
}

func TestNetEvents_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Scenario: scenario.Default(),
	})
	require.ErrorContains(t, err, "topology is required")
}
