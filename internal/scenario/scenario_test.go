package scenario_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fibersqs/telesim/internal/scenario"
)

func TestScenario_Validate_DefaultsAndChecks(t *testing.T) {
	t.Parallel()

	t.Run("default scenario validates and fills defaults", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		require.NoError(t, sc.Validate())

		require.Equal(t, 1.0, sc.RowScale)
		require.Equal(t, 10, sc.AvgLogsPerTxn)
		require.Equal(t, 500, sc.MinTransactions)
		require.Equal(t, 0.08, sc.CrossRegionProbability)
		require.Equal(t, 280.0, sc.Latency.BaseMS)
		require.Equal(t, 420.0, sc.Latency.HotBaseMS)
		require.Equal(t, 0.05, sc.Outcomes.TimeoutProbability)
		require.Equal(t, 20*time.Minute, sc.Incident.BurstPeriod.Std())
		require.Equal(t, 4*time.Minute, sc.Incident.BurstMinDuration.Std())
		require.Equal(t, 7*time.Minute, sc.Incident.BurstMaxDuration.Std())
		require.Equal(t, 0.35, sc.Incident.TimeoutProbability)
		require.Equal(t, 2.0, sc.Incident.RetryAmplification)
		require.Equal(t, 4.0, sc.Incident.LatencyMultiplierMin)
		require.Equal(t, 9.0, sc.Incident.LatencyMultiplierMax)
		for _, c := range sc.Confounders {
			require.Equal(t, 1.2, c.LatencyMultiplierMin)
			require.Equal(t, 1.8, c.LatencyMultiplierMax)
			require.Equal(t, 0.12, c.TimeoutProbability)
		}
	})

	t.Run("rejects inverted window", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Window.End = sc.Window.Start.Add(-time.Hour)
		require.ErrorContains(t, sc.Validate(), "window end")
	})

	t.Run("rejects zero region weight total", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		for i := range sc.Regions {
			sc.Regions[i].Weight = 0
		}
		require.ErrorContains(t, sc.Validate(), "positive total")
	})

	t.Run("rejects negative region weight", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Regions[1].Weight = -0.25
		require.ErrorContains(t, sc.Validate(), "negative weight")
	})

	t.Run("rejects missing app log target", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.AppLogRows = 0
		require.ErrorContains(t, sc.Validate(), "app log row target")
	})

	t.Run("rejects incident outside the dataset window", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Incident.End = sc.Window.End.Add(time.Hour)
		require.ErrorContains(t, sc.Validate(), "inside the dataset window")
	})

	t.Run("rejects fix time before incident end", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Incident.FixTime = sc.Incident.End.Add(-time.Minute)
		require.ErrorContains(t, sc.Validate(), "fix time")
	})

	t.Run("rejects unknown affected transaction type", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Incident.AffectedTxnTypes = append(sc.Incident.AffectedTxnTypes, "teleport_subscriber")
		require.ErrorContains(t, sc.Validate(), "teleport_subscriber")
	})

	t.Run("rejects confounder overlapping the incident scope", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Confounders[0].Region = sc.Incident.SrcRegion
		sc.Confounders[0].Start = sc.Incident.Start.Add(time.Hour)
		sc.Confounders[0].End = sc.Incident.Start.Add(2 * time.Hour)
		require.ErrorContains(t, sc.Validate(), "overlaps the incident window")
	})

	t.Run("rejects unknown confounder kind", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Confounders[1].Kind = "solar_flare"
		require.ErrorContains(t, sc.Validate(), "unknown kind")
	})

	t.Run("rejects retry amplification below one", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.Incident.RetryAmplification = 0.5
		require.ErrorContains(t, sc.Validate(), "retry amplification")
	})
}

func TestScenario_TransactionTarget(t *testing.T) {
	t.Parallel()

	t.Run("derives the fact count from the app log target", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.AppLogRows = 50_000
		require.NoError(t, sc.Validate())
		require.Equal(t, 5_000, sc.TransactionTarget())
	})

	t.Run("row scale applies before the division", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.AppLogRows = 50_000
		sc.RowScale = 2.0
		require.NoError(t, sc.Validate())
		require.Equal(t, 10_000, sc.TransactionTarget())
	})

	t.Run("small targets floor at the minimum", func(t *testing.T) {
		t.Parallel()

		sc := scenario.Default()
		sc.AppLogRows = 100
		require.NoError(t, sc.Validate())
		require.Equal(t, 500, sc.TransactionTarget())
	})
}

func TestScenario_Windows(t *testing.T) {
	t.Parallel()

	sc := scenario.Default()
	require.NoError(t, sc.Validate())

	t.Run("window containment is half open", func(t *testing.T) {
		t.Parallel()

		require.True(t, sc.Window.Contains(sc.Window.Start))
		require.False(t, sc.Window.Contains(sc.Window.End))
		require.Equal(t, 7*24*60, sc.Window.Minutes())
	})

	t.Run("incident affects only its configured types", func(t *testing.T) {
		t.Parallel()

		require.True(t, sc.Incident.Affects("provision_fiber_sqs"))
		require.True(t, sc.Incident.Affects("modify_service_profile"))
		require.False(t, sc.Incident.Affects("update_billing"))
	})

	t.Run("confounder scope matches its region or wildcard", func(t *testing.T) {
		t.Parallel()

		c := sc.Confounders[0]
		require.True(t, c.InScope("central"))
		require.False(t, c.InScope("east"))
		c.Region = "*"
		require.True(t, c.InScope("east"))
	})
}

func TestScenario_File_LoadAndSave(t *testing.T) {
	t.Parallel()

	t.Run("partial file overlays the defaults", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "scenario.yaml")
		raw := "seed: 99\napp_log_rows: 1234\nenable_tier2: true\n"
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

		sc, err := scenario.Load(path)
		require.NoError(t, err)
		require.Equal(t, int64(99), sc.Seed)
		require.Equal(t, 1234, sc.AppLogRows)
		require.True(t, sc.EnableTier2)
		require.Len(t, sc.Regions, 5)
		require.Equal(t, "CKT-CEN-EAS-003", sc.Incident.CircuitID)
	})

	t.Run("durations parse from strings", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "scenario.yaml")
		raw := "incident:\n  circuit_id: CKT-CEN-EAS-003\n  src_region: central\n  dst_region: east\n  burst_period: 30m\n"
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

		sc, err := scenario.Load(path)
		require.NoError(t, err)
		require.Equal(t, 30*time.Minute, sc.Incident.BurstPeriod.Std())
	})

	t.Run("save and load round trip", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "scenario.yaml")
		want := scenario.Default()
		require.NoError(t, want.Validate())
		require.NoError(t, scenario.Save(path, want))

		got, err := scenario.Load(path)
		require.NoError(t, err)
		require.Equal(t, want.Seed, got.Seed)
		require.Equal(t, want.Regions, got.Regions)
		require.Equal(t, want.TxnTypes, got.TxnTypes)
		require.True(t, got.Window.Start.Equal(want.Window.Start))
		require.True(t, got.Incident.Start.Equal(want.Incident.Start))
		require.Equal(t, want.Incident.BurstPeriod, got.Incident.BurstPeriod)
		require.Equal(t, want.Latency, got.Latency)
	})

	t.Run("missing file surfaces a read error", func(t *testing.T) {
		t.Parallel()

		_, err := scenario.Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.ErrorContains(t, err, "failed to read scenario file")
	})
}
