package traffic

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
)

const (
	defaultBaseLatencyMS = 280.0
	defaultBodySigma     = 0.25
	maxTailFactor        = 40.0
)

// Config carries what the model needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	Streams  *randstream.Manager
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.Streams == nil {
		return errors.New("stream manager is required")
	}
	return nil
}

// Model resolves arrival-rate and latency-distribution parameters for any
// (timestamp, region, txn type) triple, folding in the diurnal shape, the
// incident overlay, the confounder overlays, and retry amplification. The
// burst schedule is drawn once from the "bursts" stream at construction,
// so it is identical across row-count scales and table subsets.
type Model struct {
	log           *slog.Logger
	scn           *scenario.Scenario
	bursts        []scenario.Window
	amp           []scenario.Window
	affectedShare float64

	degenerateOnce sync.Once
}

// New builds the model for a validated scenario.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m := &Model{
		log: cfg.Logger,
		scn: cfg.Scenario,
	}
	m.bursts = buildBursts(&cfg.Scenario.Incident, cfg.Streams.Stream("bursts"))
	lag := cfg.Scenario.Incident.AmplificationLag.Std()
	for _, b := range m.bursts {
		m.amp = append(m.amp, scenario.Window{Start: b.Start.Add(lag), End: b.End.Add(lag)})
	}
	m.affectedShare = affectedShare(cfg.Scenario)
	return m, nil
}

// buildBursts lays out one burst roughly every BurstPeriod across the
// incident window, each lasting BurstMinDuration to BurstMaxDuration with
// a jittered start, clamped to the window.
func buildBursts(inc *scenario.Incident, s *randstream.Stream) []scenario.Window {
	var bursts []scenario.Window
	cursor := inc.Start
	for cursor.Before(inc.End) {
		jitter := time.Duration(s.Uniform(-1, 1) * float64(inc.BurstJitter.Std()))
		start := cursor.Add(jitter)
		end := start.Add(s.DurationBetween(inc.BurstMinDuration.Std(), inc.BurstMaxDuration.Std()))
		if end.After(inc.End) {
			end = inc.End
		}
		if start.Before(inc.Start) {
			start = inc.Start
		}
		if end.After(start) {
			bursts = append(bursts, scenario.Window{Start: start, End: end})
		}
		cursor = cursor.Add(inc.BurstPeriod.Std())
	}
	return bursts
}

// affectedShare is the stationary probability that a transaction falls in
// the affected slice: origin in the incident source region and an affected
// transaction type, using the hot weights that apply there.
func affectedShare(scn *scenario.Scenario) float64 {
	var regionTotal, srcWeight float64
	for _, r := range scn.Regions {
		regionTotal += r.Weight
		if r.Name == scn.Incident.SrcRegion {
			srcWeight = r.Weight
		}
	}
	if regionTotal <= 0 {
		return 0
	}
	var typeTotal, affectedWeight float64
	for _, t := range scn.TxnTypes {
		w := t.Weight
		if t.HotWeight > 0 {
			w = t.HotWeight
		}
		typeTotal += w
		if scn.Incident.Affects(t.Name) {
			affectedWeight += w
		}
	}
	if typeTotal <= 0 {
		return 0
	}
	return (srcWeight / regionTotal) * (affectedWeight / typeTotal)
}

// Bursts returns the incident burst schedule in order.
func (m *Model) Bursts() []scenario.Window {
	return m.bursts
}

// InBurst reports whether ts falls inside any incident burst.
func (m *Model) InBurst(ts time.Time) bool {
	return inAny(ts, m.bursts)
}

// InAmplification reports whether ts falls inside a retry-amplification
// window, which trails each burst by the configured lag.
func (m *Model) InAmplification(ts time.Time) bool {
	return inAny(ts, m.amp)
}

func inAny(ts time.Time, windows []scenario.Window) bool {
	for _, w := range windows {
		if w.Contains(ts) {
			return true
		}
	}
	return false
}

// AffectedShare returns the stationary probability of the affected slice.
func (m *Model) AffectedShare() float64 {
	return m.affectedShare
}

// Diurnal returns the deterministic time-of-day volume factor: a sinusoid
// peaking mid-morning, floored at 0.2, damped on weekends.
func Diurnal(ts time.Time) float64 {
	hour := float64(ts.Hour()) + float64(ts.Minute())/60.0
	base := 0.55 + 0.45*math.Sin((hour-3)/24.0*2*math.Pi)
	if base < 0.2 {
		base = 0.2
	}
	if wd := ts.Weekday(); wd == time.Saturday || wd == time.Sunday {
		base *= 0.85
	}
	return base
}

// RateMultiplier returns the arrival-rate factor for a minute: the diurnal
// shape, times the retry-amplification bump when the minute trails an
// incident burst. The bump adds exactly the affected slice's extra volume,
// so absolute arrival rates outside the slice are unchanged.
func (m *Model) RateMultiplier(ts time.Time) float64 {
	f := Diurnal(ts)
	if m.InAmplification(ts) {
		f *= 1 + m.affectedShare*(m.scn.Incident.RetryAmplification-1)
	}
	return f
}

// Params is the latency distribution and outcome probabilities resolved
// for one (timestamp, region, txn type) triple.
type Params struct {
	BaseLatencyMS   float64
	BodySigma       float64
	TailProbability float64
	TailShape       float64
	TailScale       float64

	// MultiplierMin/Max bound the overlay latency multiplier; both are 1
	// outside any overlay.
	MultiplierMin float64
	MultiplierMax float64

	TimeoutProbability float64
	ErrorProbability   float64

	// IncidentMatch is set when the triple falls in the affected slice
	// during a burst. ConfounderName names the matching confounder, if
	// any; the incident overlay takes precedence.
	IncidentMatch  bool
	ConfounderName string
}

// Resolve returns the parameters for (ts, region, txnType). Triples
// outside the affected slice keep baseline latency even during the
// incident window; confounders only apply within their own scope and
// window.
func (m *Model) Resolve(ts time.Time, region, txnType string) Params {
	lat := &m.scn.Latency
	p := Params{
		BaseLatencyMS:      lat.BaseMS,
		BodySigma:          lat.BodySigma,
		TailProbability:    lat.TailProbability,
		TailShape:          lat.TailShape,
		TailScale:          lat.TailScale,
		MultiplierMin:      1,
		MultiplierMax:      1,
		TimeoutProbability: m.scn.Outcomes.TimeoutProbability,
		ErrorProbability:   m.scn.Outcomes.ErrorProbability,
	}
	inc := &m.scn.Incident
	if inc.Affects(txnType) {
		p.BaseLatencyMS = lat.HotBaseMS
	}
	if region == inc.SrcRegion && inc.Affects(txnType) && m.InBurst(ts) {
		p.IncidentMatch = true
		p.MultiplierMin = inc.LatencyMultiplierMin
		p.MultiplierMax = inc.LatencyMultiplierMax
		p.TimeoutProbability = inc.TimeoutProbability
		return p
	}
	for i := range m.scn.Confounders {
		c := &m.scn.Confounders[i]
		if c.Contains(ts) && c.InScope(region) {
			p.ConfounderName = c.Name
			p.MultiplierMin = c.LatencyMultiplierMin
			p.MultiplierMax = c.LatencyMultiplierMax
			p.TimeoutProbability = c.TimeoutProbability
			break
		}
	}
	return p
}

// SampleLatency draws an end-to-end latency in milliseconds from the
// resolved parameters: log-normal body, Pareto-mixed tail, overlay
// multiplier, floored at 0.35x base. Degenerate parameters fall back to
// the documented defaults with a single warning; rows are never dropped.
func (m *Model) SampleLatency(s *randstream.Stream, p Params) float64 {
	base, sigma := p.BaseLatencyMS, p.BodySigma
	if base <= 0 || sigma <= 0 {
		m.degenerateOnce.Do(func() {
			m.log.Warn("degenerate latency parameters, falling back to defaults",
				"base_ms", base, "sigma", sigma)
		})
		if base <= 0 {
			base = defaultBaseLatencyMS
		}
		if sigma <= 0 {
			sigma = defaultBodySigma
		}
	}

	body := math.Exp(sigma*s.NormFloat64() - sigma*sigma/2)
	if body < 0.45 {
		body = 0.45
	}
	if body > 6 {
		body = 6
	}

	tail := 1.0
	if p.TailProbability > 0 && s.Float64() < p.TailProbability {
		u := s.Float64()
		if u < 1e-9 {
			u = 1e-9
		}
		shape, scale := p.TailShape, p.TailScale
		if shape <= 0 {
			shape = 2.5
		}
		if scale <= 0 {
			scale = 1.8
		}
		tail = scale * math.Pow(u, -1/shape)
		if tail > maxTailFactor {
			tail = maxTailFactor
		}
	}

	latency := base * body * tail * s.Uniform(p.MultiplierMin, p.MultiplierMax)
	if floor := base * 0.35; latency < floor {
		latency = floor
	}
	return latency
}
