package applogs

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
	"github.com/fibersqs/telesim/internal/topology"
)

// Config carries what the projector needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	// Stream is the "applogs" random stream; the projector owns it.
	Stream *randstream.Stream
	// Emit receives one CSV row per log line, in order.
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

// Projector turns each transaction fact into its application log lines:
// received and queued at the api, an orchestration hand-off, per-attempt
// dependency and worker progress lines, a terminal completed/timeout/failed
// line, and a manual-retry warning after timeouts. Timestamps start from
// the fact's clock-skewed start, so log time and fact time deliberately
// disagree by up to the skew.
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

// line is one log row before rendering.
type line struct {
	ts        time.Time
	service   string
	level     string
	event     string
	depMS     float64
	hasDep    bool
	e2eMS     float64
	hasE2E    bool
	httpCode  string
	errorCode string
	message   string
}

// Consume emits the log lines for one fact.
func (p *Projector) Consume(f *fact.Fact) error {
	s := p.stream
	baseTS := f.StartTS.Add(time.Duration(f.ClockSkewMS) * time.Millisecond)
	host := topology.AppHost(f.OriginRegion, s.IntBetween(1, topology.AppHostCount))

	write := func(l line) error {
		dep, e2e := "", ""
		if l.hasDep {
			dep = strconv.Itoa(int(l.depMS))
		}
		if l.hasE2E {
			e2e = strconv.FormatFloat(l.e2eMS, 'f', 2, 64)
		}
		err := p.emit([]string{
			tables.FormatMicro(p.scn.Window.Clamp(l.ts)),
			f.OriginRegion,
			topology.Cluster(f.OriginRegion),
			l.service,
			host,
			l.level,
			f.TransactionID,
			f.TraceID,
			s.HexID("sp", 12),
			f.CustomerID,
			f.TxnType,
			l.event,
			f.DependencyRegion,
			f.DependencyService,
			dep,
			e2e,
			l.httpCode,
			l.errorCode,
			f.CircuitID,
			l.message,
		})
		if err != nil {
			return err
		}
		p.rows++
		return nil
	}

	if err := write(line{ts: baseTS, service: "api", level: "INFO", event: "received", message: "request received"}); err != nil {
		return err
	}
	if err := write(line{ts: p.jitter(baseTS.Add(10 * time.Millisecond)), service: "api", level: "INFO", event: "queued", message: "queued for orchestrator"}); err != nil {
		return err
	}

	orchTS := p.jitter(baseTS.Add(40 * time.Millisecond))
	if err := write(line{ts: orchTS, service: "orchestrator", level: "INFO", event: "orchestrated", message: "routing transaction"}); err != nil {
		return err
	}

	for attempt := range f.Attempts() {
		attemptTS := p.jitter(orchTS.Add(time.Duration(50+attempt*30) * time.Millisecond))
		workerDelayMS := 80.0
		if f.CrossRegion {
			depMS := f.DependencyLatencyMS * (1 + s.Uniform(-0.15, 0.15))
			workerDelayMS = depMS
			level := "INFO"
			if f.IncidentImpacted {
				level = "WARN"
			}
			err := write(line{
				ts: attemptTS, service: "orchestrator", level: level, event: "dependency_call",
				depMS: depMS, hasDep: true, message: "dependency call",
			})
			if err != nil {
				return err
			}
		}
		workerService := "worker-retry"
		if attempt == f.RetryCount {
			workerService = "worker"
		}
		workerTS := attemptTS.Add(time.Duration(workerDelayMS * float64(time.Millisecond)))
		if err := write(line{ts: workerTS, service: workerService, level: "INFO", event: "worker_progress", message: "worker progressing"}); err != nil {
			return err
		}
	}

	completionTS := f.EndTS.Add(time.Duration(f.ClockSkewMS) * time.Millisecond)
	terminal := line{
		ts:        completionTS,
		service:   "api",
		e2eMS:     f.E2ELatencyMS,
		hasE2E:    true,
		httpCode:  strconv.Itoa(f.HTTPStatus),
		errorCode: f.ErrorCode,
	}
	if f.CrossRegion {
		terminal.depMS = f.DependencyLatencyMS
		terminal.hasDep = true
	}
	switch f.Outcome {
	case fact.OutcomeTimeout:
		terminal.level, terminal.event, terminal.message = "ERROR", "timeout", "timeout"
	case fact.OutcomeError:
		terminal.level, terminal.event, terminal.message = "ERROR", "failed", "failed"
	default:
		terminal.level, terminal.event, terminal.message = "INFO", "completed", "completed"
	}
	if err := write(terminal); err != nil {
		return err
	}

	if f.Outcome == fact.OutcomeTimeout {
		err := write(line{
			ts: completionTS.Add(5 * time.Millisecond), service: "api", level: "WARN",
			event: "retry", message: "queued for manual retry",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// jitter shifts ts forward by up to a second of collection delay.
func (p *Projector) jitter(ts time.Time) time.Time {
	return ts.Add(p.stream.DurationBetween(0, time.Second))
}

// Close implements the fact consumer contract; nothing is buffered.
func (p *Projector) Close() error {
	return nil
}

// Rows returns the number of emitted rows.
func (p *Projector) Rows() int {
	return p.rows
}
