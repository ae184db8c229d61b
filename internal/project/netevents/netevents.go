package netevents

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
	"github.com/fibersqs/telesim/internal/tables"
	"github.com/fibersqs/telesim/internal/topology"
)

// backgroundEvents is how many unrelated events pad the table.
const backgroundEvents = 10

var eventTypes = []string{"flap", "maintenance", "reroute", "packet_loss_burst"}

// Config carries what the projector needs.
type Config struct {
	Logger   *slog.Logger
	Scenario *scenario.Scenario
	Topology *topology.Topology
	// Stream is the "netevents" random stream; the projector owns it.
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
	if c.Stream == nil {
		return errors.New("random stream is required")
	}
	return nil
}

// Projector emits the network event feed: one critical alert when the
// incident circuit degrades, an info reroute when traffic moves off it,
// and a handful of background events on other circuits. Background events
// never go critical, so the one critical alert in the table is the real
// signal.
type Projector struct {
	scn    *scenario.Scenario
	topo   *topology.Topology
	stream *randstream.Stream
	nextID int
	rows   int
}

// New builds the projector.
func New(cfg Config) (*Projector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Projector{
		scn:    cfg.Scenario,
		topo:   cfg.Topology,
		stream: cfg.Stream,
	}, nil
}

// Emit writes the incident pair first, then the background events.
func (p *Projector) Emit(fn func(row []string) error) error {
	s := p.stream
	inc := &p.scn.Incident
	incident := p.topo.IncidentCircuit()

	err := p.write(fn, inc.Start, "packet_loss_burst", incident, "critical",
		"Packet loss burst and RTT elevation detected on primary circuit")
	if err != nil {
		return err
	}
	err = p.write(fn, inc.FixTime, "reroute", incident, "info",
		"Traffic rerouted away from degraded circuit; service latency recovers")
	if err != nil {
		return err
	}

	var others []topology.Circuit
	for _, c := range p.topo.Circuits() {
		if c.ID != incident.ID {
			others = append(others, c)
		}
	}
	minutes := p.scn.Window.Minutes()
	for range backgroundEvents {
		circuit := randstream.Pick(s, others)
		ts := p.scn.Window.Start.Add(time.Duration(s.IntBetween(0, minutes-1)) * time.Minute)
		eventType := randstream.Pick(s, eventTypes)
		// Background events cap at warning; critical stays reserved for
		// the primary incident signal.
		var severity, description string
		switch eventType {
		case "maintenance":
			severity, description = "info", "Planned maintenance window on circuit"
		case "reroute":
			severity, description = "warning", "Routing policy change applied; path flaps briefly"
		case "flap":
			severity, description = "warning", "Intermittent circuit flap observed"
		default:
			severity, description = "warning", "Short packet loss burst on circuit"
		}
		if err := p.write(fn, ts, eventType, circuit, severity, description); err != nil {
			return err
		}
	}
	return nil
}

func (p *Projector) write(fn func([]string) error, ts time.Time, eventType string, c topology.Circuit, severity, description string) error {
	err := fn([]string{
		fmt.Sprintf("EVT-%06d", p.nextID),
		tables.FormatSecond(p.scn.Window.Clamp(ts)),
		eventType,
		c.SrcRegion,
		c.DstRegion,
		c.ID,
		severity,
		description,
	})
	if err != nil {
		return err
	}
	p.nextID++
	p.rows++
	return nil
}

// Rows returns the number of emitted rows.
func (p *Projector) Rows() int {
	return p.rows
}
