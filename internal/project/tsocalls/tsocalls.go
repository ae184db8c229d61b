package tsocalls

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fibersqs/telesim/internal/fact"
	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
)

// Noise classes for the transaction reference carried by a call. Every
// call is classified, clean included, so achieved rates can be recomputed
// from the emitted rows alone.
const (
	NoiseClean         = "clean"
	NoiseMissing       = "missing"
	NoiseFabricated    = "fabricated"
	NoiseWrongCustomer = "wrong_customer"
)

// Call probabilities by fact class. The affected slice phones in an order
// of magnitude more often while impacted.
const (
	probImpacted   = 0.12
	probHotSlice   = 0.04
	probConfounder = 0.05
	probTimeout    = 0.03
	probBaseline   = 0.01
)

// Calls land no later than this soon before the window closes.
const closingMargin = 5 * time.Minute

var issueCategories = []string{"slow_provisioning", "timeout", "failure"}

var resolutionCodes = []string{"system_resolved", "manual_intervention", "customer_callback"}

var issueNotes = []string{
	"customer experiencing slow provisioning",
	"reported stalled order",
	"timeout observed during modify",
	"customer claims service stuck",
	"tso triage indicates regional delay",
	"TSO call referencing long queue",
}

// Target is one noise class target: Rate is the per-call injection
// probability, Cap the achieved-rate ceiling past which injection pauses.
type Target struct {
	Rate float64
	Cap  float64
}

// Targets configures the three linkage noise classes.
type Targets struct {
	Missing       Target
	Fabricated    Target
	WrongCustomer Target
}

// DefaultTargets returns the stock noise targets.
func DefaultTargets() Targets {
	return Targets{
		Missing:       Target{Rate: 0.024, Cap: 0.03},
		Fabricated:    Target{Rate: 0.001, Cap: 0.002},
		WrongCustomer: Target{Rate: 0.005, Cap: 0.007},
	}
}

func (t Targets) validate() error {
	for _, tg := range []Target{t.Missing, t.Fabricated, t.WrongCustomer} {
		if tg.Rate < 0 || tg.Rate > 1 || tg.Cap < 0 || tg.Cap > 1 {
			return errors.New("noise rates must be within [0, 1]")
		}
		if tg.Rate > tg.Cap {
			return errors.New("noise target rate must not exceed its cap")
		}
	}
	return nil
}

// Config carries what the projector needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	// Registry is the shared identity index; the projector records every
	// fact it sees and draws wrong-customer decoys from it.
	Registry *fact.Registry
	// Stream is the "tsocalls" random stream; the projector owns it.
	Stream *randstream.Stream
	// Emit receives one CSV row per call.
	Emit func(row []string) error
	// Targets defaults to DefaultTargets when zero.
	Targets Targets
}

// Validate checks the config and applies target defaults.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.Registry == nil {
		return errors.New("registry is required")
	}
	if c.Stream == nil {
		return errors.New("random stream is required")
	}
	if c.Emit == nil {
		return errors.New("emit func is required")
	}
	if (c.Targets == Targets{}) {
		c.Targets = DefaultTargets()
	}
	return c.Targets.validate()
}

// CallRecord is the per-call ground truth: which transaction really
// prompted the call and what reference the call ended up carrying.
type CallRecord struct {
	CallID               string `json:"call_id"`
	TrueTransactionID    string `json:"true_transaction_id"`
	EmittedTransactionID string `json:"emitted_transaction_id"`
	NoiseType            string `json:"noise_type"`
	DelayMinutes         int    `json:"delay_minutes"`
}

// Stats accumulates the linkage ground truth for the validation contract.
// DecoyFallbacks counts wrong-customer draws that found no eligible decoy
// and degraded to clean; the achieved-vs-target gap they cause is reported,
// not failed.
type Stats struct {
	Rows           int            `json:"rows"`
	NonEmptyRefs   int            `json:"non_empty_refs"`
	Matches        int            `json:"matches"`
	IncidentCalls  int            `json:"incident_calls"`
	DecoyFallbacks int            `json:"decoy_fallbacks"`
	NoiseCounts    map[string]int `json:"noise_counts"`
	Records        []CallRecord   `json:"call_records"`
}

// Projector emits support call records loosely coupled to the fact
// stream. Each fact may prompt one call minutes to hours later; the
// transaction reference on a call is deliberately corrupted at the
// configured noise rates, and the corruption itself is recorded as
// ground truth.
type Projector struct {
	log      *slog.Logger
	scn      *scenario.Scenario
	registry *fact.Registry
	stream   *randstream.Stream
	emit     func([]string) error
	targets  Targets
	stats    Stats
}

// New builds the projector.
func New(cfg Config) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Projector{
		log:      cfg.Logger,
		scn:      cfg.Scenario,
		registry: cfg.Registry,
		stream:   cfg.Stream,
		emit:     cfg.Emit,
		targets:  cfg.Targets,
		stats:    Stats{NoiseCounts: make(map[string]int)},
	}, nil
}

// Consume records the fact in the registry and maybe emits a call for it.
func (p *Projector) Consume(f *fact.Fact) error {
	p.registry.Observe(f)
	s := p.stream
	if s.Float64() > p.callProbability(f) {
		return nil
	}

	callTS := f.EndTS.Add(time.Duration(s.IntBetween(5, 120)) * time.Minute)
	maxTS := p.scn.Window.End.Add(-closingMargin)
	if !callTS.Before(maxTS) {
		callTS = maxTS
	}
	if !callTS.After(f.EndTS) {
		callTS = f.EndTS.Add(closingMargin)
		if callTS.After(maxTS) {
			callTS = maxTS
		}
	}

	callID := fmt.Sprintf("TSO-%s%d", callTS.UTC().Format("20060102150405"), s.IntBetween(100, 999))
	category := randstream.Pick(s, issueCategories)
	resolutionMinutes := s.IntBetween(10, 180)
	escalated := false
	if f.IncidentImpacted {
		escalated = s.Float64() < 0.6
	}
	resolutionCode := randstream.Pick(s, resolutionCodes)

	txnRef := f.TransactionID
	noise := NoiseClean
	switch {
	case p.shouldApply(NoiseMissing, p.targets.Missing):
		noise, txnRef = NoiseMissing, ""
	case p.shouldApply(NoiseFabricated, p.targets.Fabricated):
		noise = NoiseFabricated
		txnRef = fmt.Sprintf("FAKE-TX-%s-%d", callTS.UTC().Format("20060102150405"), s.IntBetween(1000, 9999))
	case p.shouldApply(NoiseWrongCustomer, p.targets.WrongCustomer):
		if decoy, ok := p.registry.Decoy(callTS, f.OriginRegion, f.CustomerID, s); ok {
			noise, txnRef = NoiseWrongCustomer, decoy.TransactionID
		} else {
			p.stats.DecoyFallbacks++
		}
	}
	p.stats.NoiseCounts[noise]++

	err := p.emit([]string{
		callID,
		tables.FormatSecond(callTS),
		f.CustomerID,
		f.OriginRegion,
		category,
		randstream.Pick(s, issueNotes),
		f.ServiceType,
		txnRef,
		strconv.Itoa(resolutionMinutes),
		strconv.FormatBool(escalated),
		resolutionCode,
	})
	if err != nil {
		return err
	}

	p.stats.Rows++
	if txnRef != "" {
		p.stats.NonEmptyRefs++
		if noise == NoiseClean {
			p.stats.Matches++
		}
	}
	if f.IncidentImpacted {
		p.stats.IncidentCalls++
	}
	p.stats.Records = append(p.stats.Records, CallRecord{
		CallID:               callID,
		TrueTransactionID:    f.TransactionID,
		EmittedTransactionID: txnRef,
		NoiseType:            noise,
		DelayMinutes:         max(0, int(callTS.Sub(f.EndTS)/time.Minute)),
	})
	return nil
}

func (p *Projector) callProbability(f *fact.Fact) float64 {
	inc := &p.scn.Incident
	switch {
	case inc.Affects(f.TxnType) && f.OriginRegion == inc.SrcRegion:
		if f.IncidentImpacted {
			return probImpacted
		}
		return probHotSlice
	case f.ConfounderName != "":
		return probConfounder
	case f.Outcome == fact.OutcomeTimeout:
		return probTimeout
	default:
		return probBaseline
	}
}

// shouldApply draws for one noise class unless its achieved rate already
// sits at the cap. The rate is checked against rows emitted so far, which
// is what keeps long runs near the target instead of rationing exactly.
func (p *Projector) shouldApply(key string, t Target) bool {
	rate := float64(p.stats.NoiseCounts[key]) / float64(max(1, p.stats.Rows))
	if rate >= t.Cap {
		return false
	}
	return p.stream.Float64() < t.Rate
}

// Close logs the achieved linkage mix.
func (p *Projector) Close() error {
	p.log.Debug("tso call stream complete",
		"rows", p.stats.Rows,
		"matches", p.stats.Matches,
		"missing", p.stats.NoiseCounts[NoiseMissing],
		"fabricated", p.stats.NoiseCounts[NoiseFabricated],
		"wrong_customer", p.stats.NoiseCounts[NoiseWrongCustomer],
		"decoy_fallbacks", p.stats.DecoyFallbacks,
	)
	return nil
}

// Stats exposes the accumulated ground truth.
func (p *Projector) Stats() *Stats {
	return &p.stats
}

// Rows returns the number of emitted rows.
func (p *Projector) Rows() int {
	return p.stats.Rows
}
