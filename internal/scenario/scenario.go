package scenario

import (
	"errors"
	"fmt"
	"time"
)

// Scenario is the immutable configuration value object every component is
// built from. A zero Scenario is not usable; start from Default or a YAML
// file and call Validate, which both checks the configuration and fills in
// defaulted knobs.
type Scenario struct {
	// Seed is the root seed every random sub-stream derives from.
	Seed int64 `yaml:"seed"`

	// Window is the half-open simulation window [Start, End). Every
	// emitted timestamp falls inside it.
	Window Window `yaml:"window"`

	// Regions lists the origin regions with their stationary traffic
	// weights.
	Regions []RegionWeight `yaml:"regions"`

	// TxnTypes lists the transaction types in the traffic mix. HotWeight,
	// when positive, replaces Weight for transactions originating in the
	// incident source region.
	TxnTypes []TxnType `yaml:"txn_types"`

	// Incident is the primary incident window.
	Incident Incident `yaml:"incident"`

	// Confounders are the secondary anomalies injected alongside the
	// incident.
	Confounders []Confounder `yaml:"confounders"`

	// Latency parameterizes the heavy-tailed latency family.
	Latency Latency `yaml:"latency"`

	// Outcomes sets the baseline outcome probabilities.
	Outcomes Outcomes `yaml:"outcomes"`

	// CrossRegionProbability is the chance that a transaction outside the
	// affected slice makes a cross-region dependency call. Defaults to
	// 0.08.
	CrossRegionProbability float64 `yaml:"cross_region_probability"`

	// AppLogRows is the approximate target row count for the app_logs
	// table. The transaction count target derives from it.
	AppLogRows int `yaml:"app_log_rows"`

	// RowScale scales AppLogRows without perturbing scenario-level
	// streams. Defaults to 1.
	RowScale float64 `yaml:"row_scale"`

	// AvgLogsPerTxn is the expected app-log rows per transaction, used to
	// derive the transaction count target. Defaults to 10.
	AvgLogsPerTxn int `yaml:"avg_logs_per_txn"`

	// MinTransactions floors the transaction count target. Defaults to
	// 500.
	MinTransactions int `yaml:"min_transactions"`

	// EnableTier2 adds the service_metrics and network_events tables.
	EnableTier2 bool `yaml:"enable_tier2"`
}

// Window is a half-open time interval [Start, End).
type Window struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// Contains reports whether ts falls inside the window.
func (w Window) Contains(ts time.Time) bool {
	return !ts.Before(w.Start) && ts.Before(w.End)
}

// Minutes returns the window length in whole minutes.
func (w Window) Minutes() int {
	return int(w.End.Sub(w.Start) / time.Minute)
}

// Overlaps reports whether the two windows share any instant.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Clamp pulls ts inside the window. Jittered and skewed derived timestamps
// run through it so no emitted row ever escapes the window.
func (w Window) Clamp(ts time.Time) time.Time {
	if ts.Before(w.Start) {
		return w.Start
	}
	if last := w.End.Add(-time.Microsecond); ts.After(last) {
		return last
	}
	return ts
}

// RegionWeight is one origin region and its share of traffic.
type RegionWeight struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// TxnType is one transaction type in the traffic mix.
type TxnType struct {
	// Name is the txn_type value emitted in every table.
	Name string `yaml:"name"`
	// Service is the service_type the transaction belongs to.
	Service string `yaml:"service"`
	// Weight is the mix weight outside the incident source region.
	Weight float64 `yaml:"weight"`
	// HotWeight, when positive, is the mix weight inside the incident
	// source region.
	HotWeight float64 `yaml:"hot_weight,omitempty"`
}

// Incident is the primary incident: a degraded circuit between two regions
// that inflates latency and timeout probability for the affected slice
// during recurring bursts inside the window.
type Incident struct {
	// CircuitID is the degraded circuit.
	CircuitID string `yaml:"circuit_id"`
	// SrcRegion and DstRegion are the circuit endpoints. The affected
	// slice is (SrcRegion, AffectedTxnTypes).
	SrcRegion string `yaml:"src_region"`
	DstRegion string `yaml:"dst_region"`
	// Start and End bound the incident window. FixTime is when traffic is
	// rerouted, at or after End.
	Start   time.Time `yaml:"start"`
	End     time.Time `yaml:"end"`
	FixTime time.Time `yaml:"fix_time"`
	// AffectedTxnTypes are the transaction types eligible for the
	// incident overlay.
	AffectedTxnTypes []string `yaml:"affected_txn_types"`

	// Burst cadence inside the window: one burst roughly every
	// BurstPeriod, lasting BurstMinDuration to BurstMaxDuration, with its
	// start jittered by up to BurstJitter either way.
	BurstPeriod      Duration `yaml:"burst_period"`
	BurstMinDuration Duration `yaml:"burst_min_duration"`
	BurstMaxDuration Duration `yaml:"burst_max_duration"`
	BurstJitter      Duration `yaml:"burst_jitter"`

	// Severity profile applied only to matching facts inside bursts.
	LatencyMultiplierMin    float64 `yaml:"latency_multiplier_min"`
	LatencyMultiplierMax    float64 `yaml:"latency_multiplier_max"`
	DependencyMultiplierMin float64 `yaml:"dependency_multiplier_min"`
	DependencyMultiplierMax float64 `yaml:"dependency_multiplier_max"`
	CircuitMultiplierMin    float64 `yaml:"circuit_multiplier_min"`
	CircuitMultiplierMax    float64 `yaml:"circuit_multiplier_max"`
	TimeoutProbability      float64 `yaml:"timeout_probability"`

	// RetryAmplification statically bumps the arrival rate of the
	// affected slice inside each burst, shifted by AmplificationLag to
	// trail the latency spike.
	RetryAmplification float64  `yaml:"retry_amplification"`
	AmplificationLag   Duration `yaml:"amplification_lag"`
}

// Window returns the incident interval.
func (i *Incident) Window() Window {
	return Window{Start: i.Start, End: i.End}
}

// Contains reports whether ts falls inside the incident window.
func (i *Incident) Contains(ts time.Time) bool {
	return i.Window().Contains(ts)
}

// Affects reports whether txnType is eligible for the incident overlay.
func (i *Incident) Affects(txnType string) bool {
	for _, t := range i.AffectedTxnTypes {
		if t == txnType {
			return true
		}
	}
	return false
}

// ConfounderKind selects one of the two supported confounder archetypes.
type ConfounderKind string

const (
	// ConfounderCPUSpike saturates CPU on the scoped region's hosts.
	ConfounderCPUSpike ConfounderKind = "cpu_spike"
	// ConfounderDeploymentBlip bumps app latency and host network errors
	// in the scoped region.
	ConfounderDeploymentBlip ConfounderKind = "deployment_blip"
)

// Confounder is a secondary anomaly that must resemble, but stay separable
// from, the primary incident. It never touches TSO linkage or the incident
// circuit's network signal.
type Confounder struct {
	Name        string         `yaml:"name"`
	Kind        ConfounderKind `yaml:"kind"`
	// Region scopes the confounder; "*" matches every region.
	Region      string    `yaml:"region"`
	Start       time.Time `yaml:"start"`
	End         time.Time `yaml:"end"`
	Description string    `yaml:"description"`

	// LatencyMultiplierMin/Max and TimeoutProbability apply to
	// transactions in scope during the window.
	LatencyMultiplierMin float64 `yaml:"latency_multiplier_min"`
	LatencyMultiplierMax float64 `yaml:"latency_multiplier_max"`
	TimeoutProbability   float64 `yaml:"timeout_probability"`
}

// Window returns the confounder interval.
func (c *Confounder) Window() Window {
	return Window{Start: c.Start, End: c.End}
}

// Contains reports whether ts falls inside the confounder window.
func (c *Confounder) Contains(ts time.Time) bool {
	return c.Window().Contains(ts)
}

// InScope reports whether the confounder applies to region.
func (c *Confounder) InScope(region string) bool {
	return c.Region == region || c.Region == "*"
}

// Latency parameterizes the heavy-tailed latency family: a log-normal body
// mixed with a Pareto tail, scaled by a per-type base.
type Latency struct {
	// BaseMS is the latency scale for ordinary transaction types.
	// Defaults to 280.
	BaseMS float64 `yaml:"base_ms"`
	// HotBaseMS is the latency scale for incident-eligible types.
	// Defaults to 420.
	HotBaseMS float64 `yaml:"hot_base_ms"`
	// BodySigma is the log-normal body spread. Defaults to 0.25.
	BodySigma float64 `yaml:"body_sigma"`
	// TailProbability is the chance a sample picks up the Pareto tail
	// factor. Defaults to 0.04.
	TailProbability float64 `yaml:"tail_probability"`
	// TailShape is the Pareto alpha. Defaults to 2.5.
	TailShape float64 `yaml:"tail_shape"`
	// TailScale is the minimum tail factor. Defaults to 1.8.
	TailScale float64 `yaml:"tail_scale"`
}

// Outcomes sets the baseline outcome probabilities outside any overlay.
type Outcomes struct {
	// TimeoutProbability defaults to 0.05.
	TimeoutProbability float64 `yaml:"timeout_probability"`
	// ErrorProbability defaults to 0.02.
	ErrorProbability float64 `yaml:"error_probability"`
}

// Validate checks the scenario and fills in defaulted knobs. It returns an
// error on the first violation found; no partial generation is attempted
// after a failed Validate.
func (s *Scenario) Validate() error {
	if !s.Window.End.After(s.Window.Start) {
		return errors.New("window end must be after window start")
	}
	if len(s.Regions) == 0 {
		return errors.New("at least one region is required")
	}
	var regionTotal float64
	for _, r := range s.Regions {
		if r.Name == "" {
			return errors.New("region name must not be empty")
		}
		if r.Weight < 0 {
			return fmt.Errorf("region %q has negative weight", r.Name)
		}
		regionTotal += r.Weight
	}
	if regionTotal <= 0 {
		return errors.New("region weights must sum to a positive total")
	}
	if len(s.TxnTypes) == 0 {
		return errors.New("at least one transaction type is required")
	}
	var typeTotal float64
	for _, t := range s.TxnTypes {
		if t.Name == "" {
			return errors.New("transaction type name must not be empty")
		}
		if t.Service == "" {
			return fmt.Errorf("transaction type %q has no service", t.Name)
		}
		if t.Weight < 0 || t.HotWeight < 0 {
			return fmt.Errorf("transaction type %q has negative weight", t.Name)
		}
		typeTotal += t.Weight
	}
	if typeTotal <= 0 {
		return errors.New("transaction type weights must sum to a positive total")
	}
	if s.AppLogRows <= 0 {
		return errors.New("app log row target must be positive")
	}

	if s.RowScale == 0 {
		s.RowScale = 1
	}
	if s.RowScale < 0 {
		return errors.New("row scale must be positive")
	}
	if s.AvgLogsPerTxn == 0 {
		s.AvgLogsPerTxn = 10
	}
	if s.AvgLogsPerTxn < 0 {
		return errors.New("avg logs per transaction must be positive")
	}
	if s.MinTransactions == 0 {
		s.MinTransactions = 500
	}
	if s.MinTransactions < 0 {
		return errors.New("min transactions must be positive")
	}
	if s.CrossRegionProbability == 0 {
		s.CrossRegionProbability = 0.08
	}
	if s.CrossRegionProbability < 0 || s.CrossRegionProbability > 1 {
		return errors.New("cross region probability must be within [0, 1]")
	}

	s.Latency.applyDefaults()
	if s.Latency.BaseMS <= 0 || s.Latency.HotBaseMS <= 0 {
		return errors.New("latency base must be positive")
	}
	s.Outcomes.applyDefaults()
	if s.Outcomes.TimeoutProbability < 0 || s.Outcomes.TimeoutProbability > 1 {
		return errors.New("baseline timeout probability must be within [0, 1]")
	}
	if s.Outcomes.ErrorProbability < 0 || s.Outcomes.ErrorProbability > 1 {
		return errors.New("baseline error probability must be within [0, 1]")
	}

	if err := s.validateIncident(); err != nil {
		return err
	}
	for i := range s.Confounders {
		if err := s.validateConfounder(&s.Confounders[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) validateIncident() error {
	inc := &s.Incident
	if inc.CircuitID == "" {
		return errors.New("incident circuit id is required")
	}
	if !s.HasRegion(inc.SrcRegion) {
		return fmt.Errorf("incident src region %q is not a configured region", inc.SrcRegion)
	}
	if !s.HasRegion(inc.DstRegion) {
		return fmt.Errorf("incident dst region %q is not a configured region", inc.DstRegion)
	}
	if inc.SrcRegion == inc.DstRegion {
		return errors.New("incident src and dst regions must differ")
	}
	if !inc.End.After(inc.Start) {
		return errors.New("incident end must be after incident start")
	}
	if inc.Start.Before(s.Window.Start) || inc.End.After(s.Window.End) {
		return errors.New("incident window must lie inside the dataset window")
	}
	if inc.FixTime.IsZero() {
		inc.FixTime = inc.End
	}
	if inc.FixTime.Before(inc.End) {
		return errors.New("incident fix time must not precede the incident end")
	}
	if len(inc.AffectedTxnTypes) == 0 {
		return errors.New("incident must name at least one affected transaction type")
	}
	for _, name := range inc.AffectedTxnTypes {
		if !s.HasTxnType(name) {
			return fmt.Errorf("incident affected type %q is not a configured transaction type", name)
		}
	}

	if inc.BurstPeriod == 0 {
		inc.BurstPeriod = Duration(20 * time.Minute)
	}
	if inc.BurstMinDuration == 0 {
		inc.BurstMinDuration = Duration(4 * time.Minute)
	}
	if inc.BurstMaxDuration == 0 {
		inc.BurstMaxDuration = Duration(7 * time.Minute)
	}
	if inc.BurstJitter == 0 {
		inc.BurstJitter = Duration(2 * time.Minute)
	}
	if inc.BurstPeriod <= 0 || inc.BurstMinDuration <= 0 {
		return errors.New("incident burst cadence must be positive")
	}
	if inc.BurstMaxDuration < inc.BurstMinDuration {
		return errors.New("incident burst max duration must not be below the min duration")
	}

	if inc.LatencyMultiplierMin == 0 && inc.LatencyMultiplierMax == 0 {
		inc.LatencyMultiplierMin, inc.LatencyMultiplierMax = 4, 9
	}
	if inc.DependencyMultiplierMin == 0 && inc.DependencyMultiplierMax == 0 {
		inc.DependencyMultiplierMin, inc.DependencyMultiplierMax = 5, 12
	}
	if inc.CircuitMultiplierMin == 0 && inc.CircuitMultiplierMax == 0 {
		inc.CircuitMultiplierMin, inc.CircuitMultiplierMax = 6, 14
	}
	for _, pair := range [][2]float64{
		{inc.LatencyMultiplierMin, inc.LatencyMultiplierMax},
		{inc.DependencyMultiplierMin, inc.DependencyMultiplierMax},
		{inc.CircuitMultiplierMin, inc.CircuitMultiplierMax},
	} {
		if pair[0] <= 0 || pair[1] < pair[0] {
			return errors.New("incident severity multipliers must be positive with min <= max")
		}
	}
	if inc.TimeoutProbability == 0 {
		inc.TimeoutProbability = 0.35
	}
	if inc.TimeoutProbability < 0 || inc.TimeoutProbability > 1 {
		return errors.New("incident timeout probability must be within [0, 1]")
	}
	if inc.RetryAmplification == 0 {
		inc.RetryAmplification = 2.0
	}
	if inc.RetryAmplification < 1 {
		return errors.New("incident retry amplification must be at least 1")
	}
	if inc.AmplificationLag == 0 {
		inc.AmplificationLag = Duration(time.Minute)
	}
	if inc.AmplificationLag < 0 {
		return errors.New("incident amplification lag must not be negative")
	}
	return nil
}

func (s *Scenario) validateConfounder(c *Confounder) error {
	if c.Name == "" {
		return errors.New("confounder name must not be empty")
	}
	switch c.Kind {
	case ConfounderCPUSpike, ConfounderDeploymentBlip:
	default:
		return fmt.Errorf("confounder %q has unknown kind %q", c.Name, c.Kind)
	}
	if c.Region != "*" && !s.HasRegion(c.Region) {
		return fmt.Errorf("confounder %q region %q is not a configured region", c.Name, c.Region)
	}
	if !c.End.After(c.Start) {
		return fmt.Errorf("confounder %q end must be after its start", c.Name)
	}
	if c.Start.Before(s.Window.Start) || c.End.After(s.Window.End) {
		return fmt.Errorf("confounder %q window must lie inside the dataset window", c.Name)
	}
	// A confounder that overlaps the incident in both time and scope would
	// make the two signals inseparable.
	if c.Window().Overlaps(s.Incident.Window()) && (c.Region == "*" || c.Region == s.Incident.SrcRegion) {
		return fmt.Errorf("confounder %q overlaps the incident window in region %q", c.Name, s.Incident.SrcRegion)
	}
	if c.LatencyMultiplierMin == 0 && c.LatencyMultiplierMax == 0 {
		c.LatencyMultiplierMin, c.LatencyMultiplierMax = 1.2, 1.8
	}
	if c.LatencyMultiplierMin <= 0 || c.LatencyMultiplierMax < c.LatencyMultiplierMin {
		return fmt.Errorf("confounder %q latency multipliers must be positive with min <= max", c.Name)
	}
	if c.TimeoutProbability == 0 {
		c.TimeoutProbability = 0.12
	}
	if c.TimeoutProbability < 0 || c.TimeoutProbability > 1 {
		return fmt.Errorf("confounder %q timeout probability must be within [0, 1]", c.Name)
	}
	return nil
}

// TransactionTarget is the number of facts to generate: the scaled app-log
// row target divided by the expected rows per transaction, floored by
// MinTransactions.
func (s *Scenario) TransactionTarget() int {
	scaled := float64(s.AppLogRows) * s.RowScale
	perTxn := s.AvgLogsPerTxn
	if perTxn < 1 {
		perTxn = 1
	}
	target := int(scaled) / perTxn
	if target < s.MinTransactions {
		return s.MinTransactions
	}
	return target
}

// HasRegion reports whether name is a configured region.
func (s *Scenario) HasRegion(name string) bool {
	for _, r := range s.Regions {
		if r.Name == name {
			return true
		}
	}
	return false
}

// HasTxnType reports whether name is a configured transaction type.
func (s *Scenario) HasTxnType(name string) bool {
	for _, t := range s.TxnTypes {
		if t.Name == name {
			return true
		}
	}
	return false
}

// ServiceFor returns the service_type for a transaction type, or the empty
// string if the type is unknown.
func (s *Scenario) ServiceFor(txnType string) string {
	for _, t := range s.TxnTypes {
		if t.Name == txnType {
			return t.Service
		}
	}
	return ""
}

// RegionNames returns the configured region names in order.
func (s *Scenario) RegionNames() []string {
	names := make([]string, len(s.Regions))
	for i, r := range s.Regions {
		names[i] = r.Name
	}
	return names
}

func (l *Latency) applyDefaults() {
	if l.BaseMS == 0 {
		l.BaseMS = 280
	}
	if l.HotBaseMS == 0 {
		l.HotBaseMS = 420
	}
	if l.BodySigma == 0 {
		l.BodySigma = 0.25
	}
	if l.TailProbability == 0 {
		l.TailProbability = 0.04
	}
	if l.TailShape == 0 {
		l.TailShape = 2.5
	}
	if l.TailScale == 0 {
		l.TailScale = 1.8
	}
}

func (o *Outcomes) applyDefaults() {
	if o.TimeoutProbability == 0 {
		o.TimeoutProbability = 0.05
	}
	if o.ErrorProbability == 0 {
		o.ErrorProbability = 0.02
	}
}
