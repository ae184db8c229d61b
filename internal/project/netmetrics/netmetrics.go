package netmetrics

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
	"github.com/fibersqs/telesim/internal/topology"
	"github.com/fibersqs/telesim/internal/traffic"
)

// sampleInterval is the circuit telemetry cadence.
const sampleInterval = time.Minute

// Config carries what the projector needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	Topology *topology.Topology
	// Traffic supplies the burst schedule for the incident circuit.
	Traffic *traffic.Model
	// Stream is the "network" random stream; the projector owns it.
	Stream *randstream.Stream
}

// Validate checks the config.
func (c *Config) Validate() error {
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
	if c.Stream == nil {
		return errors.New("random stream is required")
	}
	return nil
}

// Projector samples every circuit once per minute across the dataset
// window. The incident circuit runs hot during bursts; everything else,
// and the incident circuit between bursts, wobbles around its baseline.
// Samples are independent of the fact stream.
type Projector struct {
	scn     *scenario.Scenario
	topo    *topology.Topology
	traffic *traffic.Model
	stream  *randstream.Stream
	rows    int
}

// New builds the projector.
func New(cfg Config) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Projector{
		scn:     cfg.Scenario,
		topo:    cfg.Topology,
		traffic: cfg.Traffic,
		stream:  cfg.Stream,
	}, nil
}

// Emit walks the minute grid in timestamp order, circuits in catalog
// order within each minute, and hands each row to fn.
func (p *Projector) Emit(fn func(row []string) error) error {
	s := p.stream
	inc := &p.scn.Incident
	for ts := p.scn.Window.Start; ts.Before(p.scn.Window.End); ts = ts.Add(sampleInterval) {
		for _, c := range p.topo.Circuits() {
			multiplier := 1.0
			if c.ID == inc.CircuitID && p.traffic.InBurst(ts) {
				multiplier = s.Uniform(inc.CircuitMultiplierMin, inc.CircuitMultiplierMax)
			}
			rtt := c.BaseRTTMS * s.Uniform(0.9, 1.1) * multiplier
			loss := c.BaseLossPct * s.Uniform(0.8, 1.2) * multiplier
			retx := c.BaseRetransmitsPerS * s.Uniform(0.9, 1.3) * multiplier
			throughput := c.BaseThroughputMbps * s.Uniform(0.85, 1.1) / math.Max(1, multiplier)
			err := fn([]string{
				tables.FormatSecond(ts),
				c.SrcRegion,
				c.DstRegion,
				c.ID,
				strconv.FormatFloat(rtt, 'f', 2, 64),
				strconv.FormatFloat(loss, 'f', 4, 64),
				strconv.FormatFloat(retx, 'f', 2, 64),
				strconv.FormatFloat(throughput, 'f', 2, 64),
			})
			if err != nil {
				return err
			}
			p.rows++
		}
	}
	return nil
}

// Rows returns the number of emitted rows.
func (p *Projector) Rows() int {
	return p.rows
}
