// Package workload produces the ordered request sequences the cluster
// simulator consumes: a seeded synthetic generator driven by a YAML spec, and
// a replay loader for recorded traces.
package workload

import (
	"bytes"
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPrefixLength is the shared prefix size (tokens) of a prefix group
// that does not set one.
const DefaultPrefixLength = 64

// WorkloadSpec is the top-level synthetic workload configuration.
// Loaded from YAML via LoadWorkloadSpec(path).
type WorkloadSpec struct {
	Clients       []ClientSpec `yaml:"clients"`
	AggregateRate float64      `yaml:"aggregate_rate"` // requests per second
	NumRequests   int          `yaml:"num_requests,omitempty"`
}

// ClientSpec describes one traffic source.
type ClientSpec struct {
	ID           string      `yaml:"id"`
	TenantID     string      `yaml:"tenant_id"`
	SLOClass     string      `yaml:"slo_class"`
	Model        string      `yaml:"model,omitempty"`
	RateFraction float64     `yaml:"rate_fraction"`
	Arrival      ArrivalSpec `yaml:"arrival"`
	InputDist    DistSpec    `yaml:"input_distribution"`
	OutputDist   DistSpec    `yaml:"output_distribution"`
	PrefixGroup  string      `yaml:"prefix_group,omitempty"`
	PrefixLength int         `yaml:"prefix_length,omitempty"`
}

// ArrivalSpec configures the inter-arrival time process.
type ArrivalSpec struct {
	Process string   `yaml:"process"`
	CV      *float64 `yaml:"cv,omitempty"`
}

// DistSpec parameterizes a token length distribution.
type DistSpec struct {
	Type   string             `yaml:"type"`
	Params map[string]float64 `yaml:"params,omitempty"`
}

var validArrivalProcesses = map[string]bool{"poisson": true, "gamma": true, "constant": true}

var validDistTypes = map[string]bool{"gaussian": true, "exponential": true, "uniform": true, "constant": true}

// LoadWorkloadSpec reads and validates a workload spec. Unknown keys are
// errors, so a typo does not silently fall back to a default.
func LoadWorkloadSpec(path string) (*WorkloadSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading workload spec")
	}
	var spec WorkloadSpec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return nil, errors.Wrap(err, "parsing workload spec")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the spec for values generation cannot honour.
func (s *WorkloadSpec) Validate() error {
	if len(s.Clients) == 0 {
		return errors.New("workload spec: at least one client is required")
	}
	if math.IsNaN(s.AggregateRate) || math.IsInf(s.AggregateRate, 0) || s.AggregateRate <= 0 {
		return errors.Errorf("workload spec: aggregate_rate must be finite and > 0, got %v", s.AggregateRate)
	}
	if s.NumRequests < 0 {
		return errors.Errorf("workload spec: num_requests must be >= 0, got %d", s.NumRequests)
	}
	seen := make(map[string]bool, len(s.Clients))
	for i := range s.Clients {
		c := &s.Clients[i]
		if seen[c.ID] {
			return errors.Errorf("workload spec: duplicate client id %q", c.ID)
		}
		seen[c.ID] = true
		if err := c.validate(); err != nil {
			return errors.Wrapf(err, "client %d (%q)", i, c.ID)
		}
	}
	return nil
}

func (c *ClientSpec) validate() error {
	if math.IsNaN(c.RateFraction) || math.IsInf(c.RateFraction, 0) || c.RateFraction < 0 {
		return errors.Errorf("rate_fraction must be finite and >= 0, got %v", c.RateFraction)
	}
	if !validArrivalProcesses[c.Arrival.Process] {
		return errors.Errorf("unknown arrival process %q", c.Arrival.Process)
	}
	if cv := c.Arrival.CV; cv != nil && (math.IsNaN(*cv) || math.IsInf(*cv, 0) || *cv <= 0) {
		return errors.Errorf("arrival cv must be finite and > 0, got %v", *cv)
	}
	if c.PrefixLength < 0 {
		return errors.Errorf("prefix_length must be >= 0, got %d", c.PrefixLength)
	}
	if err := c.InputDist.validate(); err != nil {
		return errors.Wrap(err, "input_distribution")
	}
	if err := c.OutputDist.validate(); err != nil {
		return errors.Wrap(err, "output_distribution")
	}
	return nil
}

func (d DistSpec) validate() error {
	if !validDistTypes[d.Type] {
		return errors.Errorf("unknown distribution type %q", d.Type)
	}
	for k, v := range d.Params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("parameter %q must be finite, got %v", k, v)
		}
	}
	_, err := NewLengthSampler(d)
	return err
}
