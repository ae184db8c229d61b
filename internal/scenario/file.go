package scenario

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so scenario files can write durations as
// strings like "20m" or "90s".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads a scenario file and overlays it on the defaults, so a file
// only needs to name the fields it changes. The result is not validated;
// callers run Validate after applying any further overrides.
func Load(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc := Default()
	if err := yaml.Unmarshal(raw, sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file: %w", err)
	}
	return sc, nil
}

// Save writes the scenario as YAML, mainly so a default scenario can be
// dumped, edited, and fed back with --scenario.
func Save(path string, sc *Scenario) error {
	raw, err := yaml.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to encode scenario: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write scenario file: %w", err)
	}
	return nil
}
