package fact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/topology"
	"github.com/fibersqs/telesim/internal/traffic"
)

// endMargin keeps every fact's end timestamp, and the skewed log rows that
// trail it, inside the dataset window.
const endMargin = time.Second

// GeneratorConfig carries what the generator needs.
type GeneratorConfig struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	Topology *topology.Topology
	Traffic  *traffic.Model
	Streams  *randstream.Manager
}

// Validate checks the config.
func (c *GeneratorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.Topology == nil {
		return errors.New("topology is required")
	}
	if c.Traffic == nil {
		return errors.New("traffic model is required")
	}
	if c.Streams == nil {
		return errors.New("stream manager is required")
	}
	return nil
}

// Generator produces the canonical transaction stream: a minute-by-minute
// sweep of the dataset window with a fractional-rate carry accumulator,
// followed by a top-up pass that fills any shortfall at random minutes so
// the emitted count always hits the scenario target. Facts are emitted in
// generation order to a single consumer; fan-out across tables is the
// caller's concern.
type Generator struct {
	log     *slog.Logger
	scn     *scenario.Scenario
	topo    *topology.Topology
	model   *traffic.Model
	streams *randstream.Manager

	categories   []category
	baseWeights  []float64
	ampedWeights []float64
	maxEnd       time.Time
}

// category is one (region, txn type) cell of the joint traffic mix.
type category struct {
	region  string
	txnType string
	service string
}

// NewGenerator builds a generator for a validated scenario. It fails fast
// on an empty window or a degenerate traffic mix so no output file is ever
// opened for an unusable configuration.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Scenario.Window.Minutes() < 1 {
		return nil, errors.New("dataset window must span at least one minute")
	}
	cats, base, amped, err := buildCategories(cfg.Scenario)
	if err != nil {
		return nil, err
	}
	return &Generator{
		log:          cfg.Logger,
		scn:          cfg.Scenario,
		topo:         cfg.Topology,
		model:        cfg.Traffic,
		streams:      cfg.Streams,
		categories:   cats,
		baseWeights:  base,
		ampedWeights: amped,
		maxEnd:       cfg.Scenario.Window.End.Add(-endMargin),
	}, nil
}

// buildCategories flattens the region and type weights into one joint
// categorical distribution. The amped variant multiplies the affected
// slice's cells by the retry amplification factor; renormalization is
// implicit in the weighted draw.
func buildCategories(scn *scenario.Scenario) ([]category, []float64, []float64, error) {
	var regionTotal float64
	for _, r := range scn.Regions {
		regionTotal += r.Weight
	}
	if regionTotal <= 0 {
		return nil, nil, nil, errors.New("region weights must sum to a positive total")
	}
	amp := scn.Incident.RetryAmplification
	if amp < 1 {
		amp = 1
	}
	var cats []category
	var base, amped []float64
	for _, r := range scn.Regions {
		hot := r.Name == scn.Incident.SrcRegion
		var typeTotal float64
		for _, t := range scn.TxnTypes {
			typeTotal += effectiveWeight(t, hot)
		}
		if typeTotal <= 0 {
			return nil, nil, nil, fmt.Errorf("transaction type weights for region %q must sum to a positive total", r.Name)
		}
		for _, t := range scn.TxnTypes {
			w := (r.Weight / regionTotal) * (effectiveWeight(t, hot) / typeTotal)
			cats = append(cats, category{region: r.Name, txnType: t.Name, service: t.Service})
			base = append(base, w)
			if hot && scn.Incident.Affects(t.Name) {
				amped = append(amped, w*amp)
			} else {
				amped = append(amped, w)
			}
		}
	}
	return cats, base, amped, nil
}

func effectiveWeight(t scenario.TxnType, hot bool) float64 {
	if hot && t.HotWeight > 0 {
		return t.HotWeight
	}
	return t.Weight
}

// Run generates exactly the scenario's transaction target, calling emit for
// every fact in generation order. The sweep draws its per-minute rate
// jitter from the "traffic" stream and all per-fact values from the
// "facts" stream, so derived tables can be regenerated independently.
func (g *Generator) Run(ctx context.Context, emit func(*Fact) error) error {
	target := g.scn.TransactionTarget()
	minutes := g.scn.Window.Minutes()
	perMinute := float64(target) / float64(minutes)

	trafficStream := g.streams.Stream("traffic")
	factStream := g.streams.Stream("facts")

	var carry float64
	seq := 0
	for cursor := g.scn.Window.Start; cursor.Before(g.scn.Window.End) && seq < target; cursor = cursor.Add(time.Minute) {
		if err := ctx.Err(); err != nil {
			return err
		}
		lam := perMinute * g.model.RateMultiplier(cursor) * trafficStream.Uniform(0.9, 1.1)
		count := int(lam)
		carry += lam - float64(count)
		if carry >= 1 {
			count++
			carry--
		}
		for range count {
			if seq >= target {
				break
			}
			if err := g.emitOne(factStream, cursor, seq, emit); err != nil {
				return err
			}
			seq++
		}
	}

	swept := seq
	for seq < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		minute := g.scn.Window.Start.Add(time.Duration(factStream.IntN(minutes)) * time.Minute)
		if err := g.emitOne(factStream, minute, seq, emit); err != nil {
			return err
		}
		seq++
	}

	g.log.Debug("transaction stream complete", "facts", seq, "swept", swept, "topped_up", seq-swept)
	return nil
}

func (g *Generator) emitOne(s *randstream.Stream, minute time.Time, seq int, emit func(*Fact) error) error {
	f := g.build(s, minute, seq)
	if err := g.verify(f); err != nil {
		return err
	}
	return emit(f)
}

func (g *Generator) build(s *randstream.Stream, minute time.Time, seq int) *Fact {
	start := minute.Add(s.DurationBetween(0, time.Minute))
	weights := g.baseWeights
	if g.model.InAmplification(start) {
		weights = g.ampedWeights
	}
	cat := g.categories[s.WeightedIndex(weights)]
	p := g.model.Resolve(start, cat.region, cat.txnType)

	f := &Fact{
		Seq:          seq,
		TraceID:      s.HexID("tr", 12),
		CustomerID:   fmt.Sprintf("CUST-%d", s.IntBetween(10_000_000, 99_999_999)),
		OriginRegion: cat.region,
		TxnType:      cat.txnType,
		ServiceType:  cat.service,
		StartTS:      start,
	}

	inc := &g.scn.Incident
	if cat.region == inc.SrcRegion && inc.Affects(cat.txnType) {
		// The affected slice always calls the east inventory dependency
		// over the incident circuit, burst or not.
		f.CrossRegion = true
		f.DependencyRegion = inc.DstRegion
		f.DependencyService = DependencyService
		f.CircuitID = inc.CircuitID
		if p.IncidentMatch {
			f.IncidentImpacted = true
			f.DependencyLatencyMS = p.BaseLatencyMS * s.Uniform(inc.DependencyMultiplierMin, inc.DependencyMultiplierMax)
		} else {
			f.DependencyLatencyMS = p.BaseLatencyMS * s.Uniform(0.9, 1.6)
		}
	} else if routes := g.topo.RoutesFrom(cat.region, inc.CircuitID); len(routes) > 0 && s.Float64() < g.scn.CrossRegionProbability {
		route := randstream.Pick(s, routes)
		f.CrossRegion = true
		f.DependencyRegion = route.DstRegion
		f.DependencyService = DependencyService
		f.CircuitID = route.ID
		f.DependencyLatencyMS = p.BaseLatencyMS * s.Uniform(0.8, 1.8)
	}
	f.ConfounderName = p.ConfounderName

	end := start.Add(time.Duration(g.model.SampleLatency(s, p) * float64(time.Millisecond)))
	if end.After(g.maxEnd) {
		end = g.maxEnd
		if !end.After(f.StartTS) {
			f.StartTS = end.Add(-time.Millisecond)
		}
	}
	f.EndTS = end
	f.E2ELatencyMS = float64(end.Sub(f.StartTS)) / float64(time.Millisecond)
	f.TransactionID = fmt.Sprintf("TX-%s-%07d", f.StartTS.UTC().Format("20060102150405"), seq)

	switch {
	case f.IncidentImpacted:
		f.RetryCount = s.IntBetween(1, 3)
	case f.ConfounderName != "" && s.Float64() < 0.4:
		f.RetryCount = 1
	}

	switch {
	case s.Float64() < p.TimeoutProbability:
		f.Outcome = OutcomeTimeout
		f.HTTPStatus = 504
		if f.CrossRegion {
			f.ErrorCode = ErrCodeDepTimeout
		} else {
			f.ErrorCode = ErrCodeOrchTimeout
		}
	case s.Float64() < p.ErrorProbability:
		f.Outcome = OutcomeError
		f.HTTPStatus = 500
		f.ErrorCode = ErrCodeWorkerFault
	default:
		f.Outcome = OutcomeCompleted
		f.HTTPStatus = 200
	}

	f.ClockSkewMS = s.IntBetween(-500, 500)
	return f
}

func (g *Generator) verify(f *Fact) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if !g.scn.Window.Contains(f.StartTS) || !g.scn.Window.Contains(f.EndTS) {
		return fmt.Errorf("fact %s escapes the dataset window", f.TransactionID)
	}
	return nil
}
