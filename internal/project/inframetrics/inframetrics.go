package inframetrics

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
	"github.com/fibersqs/telesim/internal/topology"
)

// sampleInterval is the host telemetry cadence.
const sampleInterval = 5 * time.Minute

// Config carries what the projector needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	// Stream is the "infra" random stream; the projector owns it.
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
	if c.Stream == nil {
		return errors.New("random stream is required")
	}
	return nil
}

// Projector samples host telemetry on a five minute grid for the infra
// regions. Confounder windows overwrite the matching signal: a CPU spike
// replaces cpu_pct, a deployment blip replaces net_errs_per_s. Nothing
// here reads the fact stream or the incident circuit, which is what keeps
// the confounders separable from the network signal.
type Projector struct {
	scn    *scenario.Scenario
	stream *randstream.Stream
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
	}, nil
}

// Emit walks the grid in timestamp order, regions then hosts within each
// tick, and hands each row to fn.
func (p *Projector) Emit(fn func(row []string) error) error {
	s := p.stream
	for ts := p.scn.Window.Start; ts.Before(p.scn.Window.End); ts = ts.Add(sampleInterval) {
		for _, region := range topology.InfraRegions {
			for _, host := range topology.InfraHosts(region) {
				cpu := s.Uniform(18, 52)
				mem := s.Uniform(40, 70)
				disk := s.Uniform(20, 60)
				netErrs := s.Uniform(0.01, 0.08)
				for i := range p.scn.Confounders {
					conf := &p.scn.Confounders[i]
					if !conf.InScope(region) || !conf.Contains(ts) {
						continue
					}
					switch conf.Kind {
					case scenario.ConfounderCPUSpike:
						cpu = s.Uniform(75, 97)
					case scenario.ConfounderDeploymentBlip:
						netErrs = s.Uniform(0.1, 0.4)
					}
				}
				err := fn([]string{
					tables.FormatSecond(ts),
					region,
					host,
					strconv.FormatFloat(cpu, 'f', 2, 64),
					strconv.FormatFloat(mem, 'f', 2, 64),
					strconv.FormatFloat(disk, 'f', 2, 64),
					strconv.FormatFloat(netErrs, 'f', 3, 64),
				})
				if err != nil {
					return err
				}
				p.rows++
			}
		}
	}
	return nil
}

// Rows returns the number of emitted rows.
func (p *Projector) Rows() int {
	return p.rows
}
