package topology

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fibersqs/telesim/internal/randstream"
	"github.com/fibersqs/telesim/internal/scenario"
)

const (
	// AppHostCount is the number of application hosts per region cluster.
	AppHostCount = 48
	// InfraHostsPerRegion is the number of hosts covered by infra metrics
	// in each instrumented region.
	InfraHostsPerRegion = 12
)

// InfraRegions are the regions with host-level infra metrics coverage.
var InfraRegions = []string{"central", "east", "west"}

// Circuit is one directed inter-region link with its nominal signal
// baselines.
type Circuit struct {
	ID                  string
	SrcRegion           string
	DstRegion           string
	BaseRTTMS           float64
	BaseLossPct         float64
	BaseRetransmitsPerS float64
	BaseThroughputMbps  float64
}

// Config carries what Build needs.
type Config struct {
	Scenario *scenario.Scenario
	Streams  *randstream.Manager
}

// Validate checks the config.
func (c *Config) Validate() error {
	if c.Scenario == nil {
		return errors.New("scenario is required")
	}
	if c.Streams == nil {
		return errors.New("stream manager is required")
	}
	return nil
}

// Topology is the fixed circuit and host inventory the dataset is
// generated against. It is built once per scenario from the "circuits"
// stream and is read-only afterwards, so every projector sees the same
// inventory regardless of which tables are enabled.
type Topology struct {
	circuits []Circuit
	byID     map[string]int
	incident Circuit
}

// Build derives the circuit catalog: the incident circuit with its fixed
// baselines first, then one circuit per ordered region pair with
// randomized baselines drawn from the "circuits" stream.
func Build(cfg Config) (*Topology, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s := cfg.Streams.Stream("circuits")
	inc := cfg.Scenario.Incident

	t := &Topology{byID: make(map[string]int)}
	t.incident = Circuit{
		ID:                  inc.CircuitID,
		SrcRegion:           inc.SrcRegion,
		DstRegion:           inc.DstRegion,
		BaseRTTMS:           18.0,
		BaseLossPct:         0.0002,
		BaseRetransmitsPerS: 8.0,
		BaseThroughputMbps:  360.0,
	}
	t.add(t.incident)

	regions := cfg.Scenario.RegionNames()
	for _, src := range regions {
		for _, dst := range regions {
			if src == dst {
				continue
			}
			t.add(Circuit{
				ID:                  fmt.Sprintf("CKT-%s-%s-%03d", regionCode(src), regionCode(dst), s.IntBetween(210, 298)),
				SrcRegion:           src,
				DstRegion:           dst,
				BaseRTTMS:           s.Uniform(20, 45),
				BaseLossPct:         s.Uniform(0.00005, 0.0004),
				BaseRetransmitsPerS: s.Uniform(3, 12),
				BaseThroughputMbps:  s.Uniform(300, 650),
			})
		}
	}
	return t, nil
}

func (t *Topology) add(c Circuit) {
	t.byID[c.ID] = len(t.circuits)
	t.circuits = append(t.circuits, c)
}

// Circuits returns every circuit in catalog order: the incident circuit
// first, then the region pairs in scenario order.
func (t *Topology) Circuits() []Circuit {
	return t.circuits
}

// Circuit looks up a circuit by id.
func (t *Topology) Circuit(id string) (Circuit, bool) {
	idx, ok := t.byID[id]
	if !ok {
		return Circuit{}, false
	}
	return t.circuits[idx], true
}

// IncidentCircuit returns the degraded circuit.
func (t *Topology) IncidentCircuit() Circuit {
	return t.incident
}

// RoutesFrom returns the circuits originating in src, excluding the one
// named by excludeID.
func (t *Topology) RoutesFrom(src, excludeID string) []Circuit {
	var out []Circuit
	for _, c := range t.circuits {
		if c.SrcRegion == src && c.ID != excludeID {
			out = append(out, c)
		}
	}
	return out
}

func regionCode(region string) string {
	code := region
	if len(code) > 3 {
		code = code[:3]
	}
	return strings.ToUpper(code)
}

// Cluster names the application cluster serving a region.
func Cluster(region string) string {
	return "fibersqs-prod-" + region
}

// AppHost names the nth application host in a region cluster, n in
// [1, AppHostCount].
func AppHost(region string, n int) string {
	return fmt.Sprintf("fibersqs-prod-%s-host%02d", region, n)
}

// InfraHost names the nth infra host in a region, n in
// [1, InfraHostsPerRegion].
func InfraHost(region string, n int) string {
	return fmt.Sprintf("fibersqs-%s-infra%02d", region, n)
}

// InfraHosts returns the infra hosts for a region in index order.
func InfraHosts(region string) []string {
	hosts := make([]string, 0, InfraHostsPerRegion)
	for n := 1; n <= InfraHostsPerRegion; n++ {
		hosts = append(hosts, InfraHost(region, n))
	}
	return hosts
}
