package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/fibersqs/telesim/internal/project/tsocalls"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

// SummaryFileName is where callers conventionally drop the rendered
// summary inside the dataset directory, so it ships with the tables.
const SummaryFileName = "validation_summary.json"

// Thresholds are the pass/fail bounds for the coherence checks. Zero
// fields take the stated defaults.
type Thresholds struct {
	// MinIncidentMultiplier is the least p95 inflation the affected slice
	// must show inside the incident window. Defaults to 3.
	MinIncidentMultiplier float64
	// MaxBystanderMultiplier bounds how much any non-affected slice may
	// drift during the incident window. Defaults to 1.2.
	MaxBystanderMultiplier float64
	// MinTimeoutMultiplier is the least timeout-rate inflation for the
	// affected slice. Defaults to 1.5.
	MinTimeoutMultiplier float64
	// MinCircuitMultiplier is the least RTT p95 inflation on the incident
	// circuit inside the window. Defaults to 3.
	MinCircuitMultiplier float64
	// MinConfounderSignal is the least inflation each confounder must
	// leave on its own metric, proving the decoy exists. Defaults to 1.3.
	MinConfounderSignal float64
	// MaxConfounderShift bounds the incident-circuit RTT drift during a
	// confounder window. Defaults to 1.2.
	MaxConfounderShift float64
	// MaxTimeoutDelta bounds the absolute timeout-rate shift a confounder
	// may cause in the incident corridor regions. Defaults to 0.02.
	MaxTimeoutDelta float64
	// TolerancePP is the confusion-matrix tolerance in rate points,
	// applied at MinCallsForTolerance calls and beyond. Defaults to 0.02
	// and 10000.
	TolerancePP          float64
	MinCallsForTolerance int
	// RegionSharePP bounds the drift between configured region weights
	// and the observed received-event mix. Defaults to 0.03.
	RegionSharePP float64
	// MinSliceSamples is the smallest population a bystander slice needs
	// in and out of the window before its multiplier is judged.
	// Defaults to 50.
	MinSliceSamples int
	// MaxLatencyDriftMS bounds |end_to_end_latency_ms - (end-start)|.
	// Defaults to 0.01.
	MaxLatencyDriftMS float64
	// SpanSkewAllowance is how far a child span may precede its parent.
	// Defaults to 500ms.
	SpanSkewAllowance time.Duration
}

func (t *Thresholds) applyDefaults() {
	if t.MinIncidentMultiplier == 0 {
		t.MinIncidentMultiplier = 3
	}
	if t.MaxBystanderMultiplier == 0 {
		t.MaxBystanderMultiplier = 1.2
	}
	if t.MinTimeoutMultiplier == 0 {
		t.MinTimeoutMultiplier = 1.5
	}
	if t.MinCircuitMultiplier == 0 {
		t.MinCircuitMultiplier = 3
	}
	if t.MinConfounderSignal == 0 {
		t.MinConfounderSignal = 1.3
	}
	if t.MaxConfounderShift == 0 {
		t.MaxConfounderShift = 1.2
	}
	if t.MaxTimeoutDelta == 0 {
		t.MaxTimeoutDelta = 0.02
	}
	if t.TolerancePP == 0 {
		t.TolerancePP = 0.02
	}
	if t.MinCallsForTolerance == 0 {
		t.MinCallsForTolerance = 10_000
	}
	if t.RegionSharePP == 0 {
		t.RegionSharePP = 0.03
	}
	if t.MinSliceSamples == 0 {
		t.MinSliceSamples = 50
	}
	if t.MaxLatencyDriftMS == 0 {
		t.MaxLatencyDriftMS = 0.01
	}
	if t.SpanSkewAllowance == 0 {
		t.SpanSkewAllowance = 500 * time.Millisecond
	}
}

// Config carries what the runner needs.
type Config struct {
	Logger *slog.Logger
	// Clock stamps the summary; defaults to the real clock.
	Clock clockwork.Clock
	// Scenario must be the one the dataset was generated with.
	Scenario *scenario.Scenario
	// Dir is the dataset directory holding the table CSVs.
	Dir string
	// Targets are the linkage noise targets the matrix is judged against;
	// zero means the generator defaults.
	Targets tsocalls.Targets
	// Thresholds default per field.
	Thresholds Thresholds
}

// Validate checks the config and applies defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.Dir == "" {
		return errors.New("dataset directory is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if (c.Targets == tsocalls.Targets{}) {
		c.Targets = tsocalls.DefaultTargets()
	}
	c.Thresholds.applyDefaults()
	return nil
}

// Check is one named pass/fail verdict with its measured detail.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// FactSummary is what the canonical table showed.
type FactSummary struct {
	Rows              int                `json:"rows"`
	Days              int                `json:"days"`
	Outcomes          map[string]int     `json:"outcomes"`
	RegionShares      map[string]float64 `json:"region_shares"`
	MaxLatencyDriftMS float64            `json:"max_latency_drift_ms"`
}

// IncidentSummary is the recomputed incident coherence evidence.
type IncidentSummary struct {
	AffectedIn        LatencyStat `json:"affected_in_window"`
	AffectedOut       LatencyStat `json:"affected_out_window"`
	LatencyMultiplier float64     `json:"latency_multiplier"`
	// RegionMultipliers is each region's own in-window vs out-window p95
	// ratio over all its traffic, affected or not.
	RegionMultipliers        map[string]float64 `json:"region_multipliers"`
	TimeoutRateIn            float64            `json:"timeout_rate_in_window"`
	TimeoutRateOut           float64            `json:"timeout_rate_out_window"`
	TimeoutMultiplier        float64            `json:"timeout_multiplier"`
	CircuitRTTIn             LatencyStat        `json:"circuit_rtt_in_window"`
	CircuitRTTOut            LatencyStat        `json:"circuit_rtt_out_window"`
	CircuitMultiplier        float64            `json:"circuit_multiplier"`
	WorstBystander           string             `json:"worst_bystander"`
	WorstBystanderMultiplier float64            `json:"worst_bystander_multiplier"`
}

// TsoSummary is the confusion matrix recomputed from rows alone.
type TsoSummary struct {
	Calls            int                `json:"calls"`
	TruePositive     int                `json:"true_positive"`
	Missing          int                `json:"missing"`
	Fabricated       int                `json:"fabricated"`
	WrongCustomer    int                `json:"wrong_customer"`
	Rates            map[string]float64 `json:"rates"`
	Targets          map[string]float64 `json:"targets"`
	ToleranceApplied bool               `json:"tolerance_applied"`
}

// ReferentialSummary is the cross-table link health.
type ReferentialSummary struct {
	AppLogResolution     float64 `json:"app_log_resolution"`
	SpanResolution       float64 `json:"span_resolution"`
	SpanChainsWithinSkew float64 `json:"span_chains_within_skew"`
	TsoResolution        float64 `json:"tso_resolution"`
}

// ConfounderSummary is one decoy's separability evidence: it must be
// visible on its own metric and invisible on the incident's.
type ConfounderSummary struct {
	Name             string  `json:"name"`
	Kind             string  `json:"kind"`
	SignalMultiplier float64 `json:"signal_multiplier"`
	CircuitRTTShift  float64 `json:"circuit_rtt_shift"`
	TimeoutRateDelta float64 `json:"timeout_rate_delta"`
}

// AlertSummary grades the tier-2 critical alerts against the incident.
type AlertSummary struct {
	CriticalTotal int `json:"critical_total"`
	TruePositive  int `json:"true_positive"`
	FalsePositive int `json:"false_positive"`
	FalseNegative int `json:"false_negative"`
}

// Summary is the validation contract: everything here is recomputed from
// the emitted CSVs, never from generator internals, so the same checks can
// be re-run as SQL after loading.
type Summary struct {
	Dataset     string              `json:"dataset"`
	Seed        int64               `json:"seed"`
	ValidatedAt time.Time           `json:"validated_at"`
	TableRows   map[string]int      `json:"table_rows"`
	Facts       FactSummary         `json:"facts"`
	Incident    IncidentSummary     `json:"incident"`
	Tso         TsoSummary          `json:"tso"`
	Referential ReferentialSummary  `json:"referential"`
	Confounders []ConfounderSummary `json:"confounders"`
	Alerts      *AlertSummary       `json:"alerts,omitempty"`
	Checks      []Check             `json:"checks"`
	Passed      bool                `json:"passed"`
}

// JSON renders the summary for validation_summary.json.
func (s *Summary) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Failures returns the names of failed checks.
func (s *Summary) Failures() []string {
	var out []string
	for _, c := range s.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Runner recomputes the validation contract from a dataset directory.
type Runner struct {
	log     *slog.Logger
	clock   clockwork.Clock
	scn     *scenario.Scenario
	dir     string
	targets tsocalls.Targets
	th      Thresholds
}

// NewRunner builds a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Runner{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		scn:     cfg.Scenario,
		dir:     cfg.Dir,
		targets: cfg.Targets,
		th:      cfg.Thresholds,
	}, nil
}

// containment counts emitted timestamps that escape the dataset window.
type containment struct {
	window     scenario.Window
	violations int
}

func (c *containment) observe(ts time.Time) {
	if !c.window.Contains(ts) {
		c.violations++
	}
}

// Run scans every table once and assembles the summary. Check failures
// set Passed false; only unreadable input returns an error.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := r.clock.Now()
	s := &Summary{
		Dataset:     scenario.DatasetName,
		Seed:        r.scn.Seed,
		ValidatedAt: started.UTC(),
		TableRows:   make(map[string]int),
		Confounders: make([]ConfounderSummary, len(r.scn.Confounders)),
	}
	for i := range r.scn.Confounders {
		s.Confounders[i].Name = r.scn.Confounders[i].Name
		s.Confounders[i].Kind = string(r.scn.Confounders[i].Kind)
	}
	cont := &containment{window: r.scn.Window}

	facts, err := r.scanFacts(ctx, s, cont)
	if err != nil {
		return nil, err
	}
	if err := r.scanAppLogs(ctx, s, cont, facts); err != nil {
		return nil, err
	}
	if err := r.scanSpans(ctx, s, cont, facts); err != nil {
		return nil, err
	}
	if err := r.scanNetwork(ctx, s, cont); err != nil {
		return nil, err
	}
	if err := r.scanInfra(ctx, s, cont); err != nil {
		return nil, err
	}
	if err := r.scanTso(ctx, s, cont, facts); err != nil {
		return nil, err
	}
	if err := r.scanTier2(ctx, s, cont); err != nil {
		return nil, err
	}
	r.checkConfounders(s)

	r.check(s, "timestamps stay inside the window", cont.violations == 0,
		fmt.Sprintf("%d rows escaped [%s, %s)", cont.violations,
			tables.FormatSecond(r.scn.Window.Start), tables.FormatSecond(r.scn.Window.End)))

	s.Passed = true
	for _, c := range s.Checks {
		if !c.Passed {
			s.Passed = false
			break
		}
	}
	r.log.Info("validation finished",
		"passed", s.Passed,
		"checks", len(s.Checks),
		"failures", len(s.Failures()),
		"elapsed", r.clock.Since(started),
	)
	return s, nil
}

func (r *Runner) check(s *Summary, name string, passed bool, detail string) {
	if !passed {
		r.log.Warn("validation check failed", "check", name, "detail", detail)
	}
	s.Checks = append(s.Checks, Check{Name: name, Passed: passed, Detail: detail})
}
