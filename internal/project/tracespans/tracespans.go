package tracespans

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

// Spans chain off their parent's end time plus a clock-drift jitter of up
// to this much in either direction. Downstream consumers are expected to
// tolerate the drift; it is part of the dataset, not something to repair.
const maxSkewJitter = 250 * time.Millisecond

// Config carries what the projector needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	// Stream is the "tracespans" random stream; the projector owns it.
	Stream *randstream.Stream
	// Emit receives one CSV row per span, in chain order.
	Emit func(row []string) error
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.Stream == nil {
		return errors.New("random stream is required")
	}
	if c.Emit == nil {
		return errors.New("emit func is required")
	}
	return nil
}

// Projector turns each fact into its span chain: an api root span covering
// the whole transaction, an orchestrator coordinate span, a worker apply
// span, and for cross-region facts an inventory-client HTTP span that
// carries the circuit. Each child span starts at its parent's end time
// shifted by the clock-drift jitter, so in-chain timestamps are only
// monotonic up to that jitter.
type Projector struct {
	scn    *scenario.Scenario
	stream *randstream.Stream
	emit   func([]string) error
	rows   int
}

// New builds the projector.
func New(cfg Config) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Projector{
		scn:    cfg.Scenario,
		stream: cfg.Stream,
		emit:   cfg.Emit,
	}, nil
}

// Consume emits the span chain for one fact.
func (p *Projector) Consume(f *fact.Fact) error {
	s := p.stream

	okUnless := func(failed bool) string {
		if failed {
			return "error"
		}
		return "ok"
	}

	write := func(ts time.Time, spanID, parentID, service, operation string, durationMS float64, status, circuitID string) error {
		err := p.emit([]string{
			tables.FormatMicro(p.scn.Window.Clamp(ts)),
			f.TraceID,
			spanID,
			parentID,
			f.TransactionID,
			f.OriginRegion,
			service,
			operation,
			strconv.FormatFloat(durationMS, 'f', 2, 64),
			status,
			circuitID,
		})
		if err != nil {
			return err
		}
		p.rows++
		return nil
	}

	rootID := s.HexID("sp", 12)
	rootTS := f.StartTS
	rootDur := f.E2ELatencyMS
	if err := write(rootTS, rootID, "", "api", "POST /fiber/txn", rootDur, okUnless(f.Outcome != fact.OutcomeCompleted), ""); err != nil {
		return err
	}

	orchID := s.HexID("sp", 12)
	orchTS := p.childStart(rootTS, rootDur)
	orchDur := f.E2ELatencyMS * 0.4
	if err := write(orchTS, orchID, rootID, "orchestrator", "coordinate", orchDur, "ok", ""); err != nil {
		return err
	}

	workerID := s.HexID("sp", 12)
	workerTS := p.childStart(orchTS, orchDur)
	if err := write(workerTS, workerID, orchID, "worker", "apply", f.E2ELatencyMS*0.5, okUnless(f.Outcome != fact.OutcomeCompleted), ""); err != nil {
		return err
	}

	if f.CrossRegion {
		depID := s.HexID("sp", 12)
		depTS := p.childStart(orchTS, orchDur)
		err := write(depTS, depID, orchID, f.DependencyService, "HTTP POST", f.DependencyLatencyMS, okUnless(f.Outcome == fact.OutcomeTimeout), f.CircuitID)
		if err != nil {
			return err
		}
	}
	return nil
}

// childStart places a child span at its parent's end plus clock drift.
func (p *Projector) childStart(parentTS time.Time, parentDurMS float64) time.Time {
	end := parentTS.Add(time.Duration(parentDurMS * float64(time.Millisecond)))
	return end.Add(p.stream.DurationBetween(-maxSkewJitter, maxSkewJitter))
}

// Close implements the fact consumer contract; nothing is buffered.
func (p *Projector) Close() error {
	return nil
}

// Rows returns the number of emitted rows.
func (p *Projector) Rows() int {
	return p.rows
}
