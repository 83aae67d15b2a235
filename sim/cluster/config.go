package cluster

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/internal/util"
	"github.com/inference-sim/blis/sim/kv"
	"github.com/inference-sim/blis/sim/trace"
)

// Defaults applied to zero-valued fields.
const (
	DefaultMaxAdmissionDelays    = 10
	DefaultHistoryWindow         = 1_000_000 // 1s
	DefaultMaxRunningReqs        = 256
	DefaultMaxScheduledTokens    = 2048
	DefaultAutoScaleInterval     = 1_000_000
	DefaultPipelineThreshold     = 0.5
	DefaultPreemptionStormCount  = 5
	DefaultPreemptionStormWindow = 100_000
)

// Config is everything the cluster simulator needs besides the policy bundle
// and the workload.
type Config struct {
	Horizon int64             `yaml:"horizon"`
	Key     sim.SimulationKey `yaml:"key"`

	Deployments []DeploymentConfig `yaml:"deployments"`

	AdmissionLatency   int64 `yaml:"admission_latency"`
	RoutingLatency     int64 `yaml:"routing_latency"`
	MaxAdmissionDelays int   `yaml:"max_admission_delays"`
	HistoryWindow      int64 `yaml:"history_window"`

	Snapshot        SnapshotConfig `yaml:"snapshot"`
	ShadowCapacity  int            `yaml:"shadow_capacity"`
	ReportEvictions bool           `yaml:"report_evictions"` // feed instance evictions back into the shadow

	// StepJitter scales every step time by 1 ± U(0, StepJitter), drawn from
	// the jitter stream. Zero disables jitter.
	StepJitter float64 `yaml:"step_jitter"`

	SLOTargets map[string]SLOTarget `yaml:"slo_targets"`
	Anomaly    AnomalyConfig        `yaml:"anomaly"`
	Trace      trace.TraceConfig    `yaml:"trace"`
}

// SLOTarget holds the latency targets of one SLO class, in ticks. Zero means
// no target.
type SLOTarget struct {
	TTFT int64 `yaml:"ttft"`
	E2E  int64 `yaml:"e2e"`
}

// AnomalyConfig tunes anomaly detectors.
type AnomalyConfig struct {
	PreemptionStormCount  int   `yaml:"preemption_storm_count"`
	PreemptionStormWindow int64 `yaml:"preemption_storm_window"`
}

// DeploymentConfig is a model served by one or more replica pools. It is the
// scaling unit.
type DeploymentConfig struct {
	ID           string           `yaml:"id"`
	Model        string           `yaml:"model"`
	Architecture ArchitectureType `yaml:"architecture"`
	Pools        []PoolSpec       `yaml:"pools"`
	Instance     InstanceConfig   `yaml:"instance"`
	AutoScale    AutoScaleConfig  `yaml:"autoscale"`
	PD           PDConfig         `yaml:"pd"`
}

// PoolSpec sizes the replicas of one role.
type PoolSpec struct {
	Role        string `yaml:"role"`
	Replicas    int    `yaml:"replicas"`
	MinReplicas int    `yaml:"min_replicas"`
	MaxReplicas int    `yaml:"max_replicas"`
}

// InstanceConfig configures every replica of a deployment.
type InstanceConfig struct {
	KV                        kv.Config         `yaml:"kv"`
	MaxRunningReqs            int               `yaml:"max_running_reqs"`
	MaxScheduledTokens        int64             `yaml:"max_scheduled_tokens"`
	LongPrefillTokenThreshold int64             `yaml:"long_prefill_token_threshold"`
	Latency                   sim.LatencyConfig `yaml:"latency"`
}

// AutoScaleConfig configures actuation; the decision policy comes from the
// policy bundle.
type AutoScaleConfig struct {
	Enabled              bool              `yaml:"enabled"`
	Trigger              string            `yaml:"trigger"`
	Interval             int64             `yaml:"interval"`
	Cooldown             int64             `yaml:"cooldown"`
	ProvisioningDelayMin int64             `yaml:"provisioning_delay_min"`
	ProvisioningDelayMax int64             `yaml:"provisioning_delay_max"`
	ModelLoadTime        int64             `yaml:"model_load_time"`
	Warmup               sim.WarmupProfile `yaml:"warmup"`
	DrainPolicy          string            `yaml:"drain_policy"`
	DrainTimeout         int64             `yaml:"drain_timeout"` // 0 = wait forever
	OscillationWindow    int64             `yaml:"oscillation_window"`
}

// PDConfig configures prefill/decode disaggregation.
type PDConfig struct {
	Link                  kv.Link `yaml:"link"`
	PipelineMode          bool    `yaml:"pipeline_mode"`
	PipelineThreshold     float64 `yaml:"pipeline_threshold"` // fraction of blocks before decode may start
	BackpressureThreshold int     `yaml:"backpressure_threshold"`
}

// LoadConfig reads a cluster config from YAML. Unknown keys are errors.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading cluster config")
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "parsing cluster config")
	}
	return &cfg, nil
}

// WithDefaults returns a copy of c with zero-valued fields defaulted.
func (c Config) WithDefaults() Config {
	if c.MaxAdmissionDelays == 0 {
		c.MaxAdmissionDelays = DefaultMaxAdmissionDelays
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.ShadowCapacity == 0 {
		c.ShadowCapacity = sim.DefaultShadowCapacity
	}
	if c.Anomaly.PreemptionStormCount == 0 {
		c.Anomaly.PreemptionStormCount = DefaultPreemptionStormCount
	}
	if c.Anomaly.PreemptionStormWindow == 0 {
		c.Anomaly.PreemptionStormWindow = DefaultPreemptionStormWindow
	}
	c.Snapshot = c.Snapshot.withDefaults()
	deps := make([]DeploymentConfig, len(c.Deployments))
	for i, d := range c.Deployments {
		deps[i] = d.withDefaults(i)
	}
	c.Deployments = deps
	return c
}

func (d DeploymentConfig) withDefaults(idx int) DeploymentConfig {
	if d.ID == "" {
		if idx == 0 {
			d.ID = "default"
		} else {
			d.ID = fmt.Sprintf("deployment-%d", idx)
		}
	}
	if d.Architecture == "" {
		d.Architecture = ArchitectureMonolithic
	}
	pools := make([]PoolSpec, len(d.Pools))
	for i, p := range d.Pools {
		if p.Role == "" {
			p.Role = sim.RoleMonolithic
		}
		if p.MinReplicas == 0 && p.MaxReplicas == 0 {
			p.MinReplicas, p.MaxReplicas = p.Replicas, p.Replicas
		}
		pools[i] = p
	}
	d.Pools = pools
	if d.Instance.MaxRunningReqs == 0 {
		d.Instance.MaxRunningReqs = DefaultMaxRunningReqs
	}
	if d.Instance.MaxScheduledTokens == 0 {
		d.Instance.MaxScheduledTokens = DefaultMaxScheduledTokens
	}
	if len(d.Instance.Latency.BetaCoeffs) == 0 && len(d.Instance.Latency.AlphaCoeffs) == 0 {
		d.Instance.Latency = sim.DefaultLatencyConfig()
	}
	if d.AutoScale.Trigger == "" {
		d.AutoScale.Trigger = TriggerPeriodic
	}
	if d.AutoScale.Interval == 0 {
		d.AutoScale.Interval = DefaultAutoScaleInterval
	}
	if d.AutoScale.DrainPolicy == "" {
		d.AutoScale.DrainPolicy = DrainWait
	}
	if d.AutoScale.Warmup.Kind == "" && d.AutoScale.Warmup.Duration > 0 {
		d.AutoScale.Warmup.Kind = sim.WarmupLinear
	}
	if d.PD.PipelineMode && d.PD.PipelineThreshold == 0 {
		d.PD.PipelineThreshold = DefaultPipelineThreshold
	}
	return d
}

// Validate reports the first configuration error, after defaults are applied.
func (c Config) Validate() error {
	d := c.WithDefaults()
	return d.validate()
}

func (c *Config) validate() error {
	if c.Horizon <= 0 {
		return errors.Errorf("horizon must be > 0, got %d", c.Horizon)
	}
	if len(c.Deployments) == 0 {
		return errors.New("at least one deployment is required")
	}
	if c.AdmissionLatency < 0 || c.RoutingLatency < 0 {
		return errors.Errorf("admission_latency and routing_latency must be >= 0, got %d and %d", c.AdmissionLatency, c.RoutingLatency)
	}
	if c.MaxAdmissionDelays < 0 {
		return errors.Errorf("max_admission_delays must be >= 0, got %d", c.MaxAdmissionDelays)
	}
	if c.HistoryWindow <= 0 {
		return errors.Errorf("history_window must be > 0, got %d", c.HistoryWindow)
	}
	if c.ShadowCapacity <= 0 {
		return errors.Errorf("shadow_capacity must be > 0, got %d", c.ShadowCapacity)
	}
	if !util.IsFinite(c.StepJitter) || c.StepJitter < 0 || c.StepJitter >= 1 {
		return errors.Errorf("step_jitter must be in [0, 1), got %v", c.StepJitter)
	}
	for class, t := range c.SLOTargets {
		if t.TTFT < 0 || t.E2E < 0 {
			return errors.Errorf("slo_targets[%s]: targets must be >= 0", class)
		}
	}
	if c.Anomaly.PreemptionStormCount < 0 || c.Anomaly.PreemptionStormWindow < 0 {
		return errors.New("anomaly thresholds must be >= 0")
	}
	if !trace.IsValidTraceLevel(string(c.Trace.Level)) {
		return errors.Errorf("unknown trace level %q", c.Trace.Level)
	}
	if c.Trace.CounterfactualK < 0 {
		return errors.Errorf("trace counterfactual_k must be >= 0, got %d", c.Trace.CounterfactualK)
	}
	if err := c.Snapshot.validate(); err != nil {
		return errors.Wrap(err, "snapshot")
	}
	ids := make(map[string]bool)
	models := make(map[string]bool)
	for i := range c.Deployments {
		d := &c.Deployments[i]
		if ids[d.ID] {
			return errors.Errorf("duplicate deployment id %q", d.ID)
		}
		ids[d.ID] = true
		if models[d.Model] {
			return errors.Errorf("model %q is served by more than one deployment", d.Model)
		}
		models[d.Model] = true
		if err := d.validate(); err != nil {
			return errors.Wrapf(err, "deployment %q", d.ID)
		}
	}
	return nil
}

func (d *DeploymentConfig) validate() error {
	roles := make(map[string]bool)
	for _, p := range d.Pools {
		if roles[p.Role] {
			return errors.Errorf("duplicate pool role %q", p.Role)
		}
		roles[p.Role] = true
		if err := p.validate(); err != nil {
			return errors.Wrapf(err, "pool %q", p.Role)
		}
	}
	switch d.Architecture {
	case ArchitectureMonolithic:
		if len(d.Pools) != 1 || !roles[sim.RoleMonolithic] {
			return errors.New("monolithic architecture needs exactly one monolithic pool")
		}
	case ArchitectureDisaggregatedPD:
		if len(d.Pools) != 2 || !roles[sim.RolePrefill] || !roles[sim.RoleDecode] {
			return errors.New("disaggregated_pd architecture needs one prefill and one decode pool")
		}
		if err := kv.ValidateLink(d.PD.Link); err != nil {
			return errors.Wrap(err, "pd link")
		}
		if !util.IsFinite(d.PD.PipelineThreshold) || d.PD.PipelineThreshold < 0 || d.PD.PipelineThreshold > 1 {
			return errors.Errorf("pd pipeline_threshold must be in [0, 1], got %v", d.PD.PipelineThreshold)
		}
		if d.PD.BackpressureThreshold < 0 {
			return errors.Errorf("pd backpressure_threshold must be >= 0, got %d", d.PD.BackpressureThreshold)
		}
	default:
		return errors.Errorf("unknown architecture %q", d.Architecture)
	}
	if err := d.Instance.validate(); err != nil {
		return errors.Wrap(err, "instance")
	}
	if d.AutoScale.Enabled {
		if err := d.AutoScale.validate(); err != nil {
			return errors.Wrap(err, "autoscale")
		}
	}
	return nil
}

func (p PoolSpec) validate() error {
	if p.MinReplicas < 1 {
		return errors.Errorf("min_replicas must be >= 1, got %d", p.MinReplicas)
	}
	if p.MinReplicas > p.MaxReplicas {
		return errors.Errorf("min_replicas %d > max_replicas %d", p.MinReplicas, p.MaxReplicas)
	}
	if p.Replicas < p.MinReplicas || p.Replicas > p.MaxReplicas {
		return errors.Errorf("replicas %d outside [%d, %d]", p.Replicas, p.MinReplicas, p.MaxReplicas)
	}
	return nil
}

func (ic InstanceConfig) validate() error {
	if err := ic.KV.Validate(); err != nil {
		return errors.Wrap(err, "kv")
	}
	if ic.MaxRunningReqs <= 0 {
		return errors.Errorf("max_running_reqs must be > 0, got %d", ic.MaxRunningReqs)
	}
	if ic.MaxScheduledTokens <= 0 {
		return errors.Errorf("max_scheduled_tokens must be > 0, got %d", ic.MaxScheduledTokens)
	}
	if ic.LongPrefillTokenThreshold < 0 {
		return errors.Errorf("long_prefill_token_threshold must be >= 0, got %d", ic.LongPrefillTokenThreshold)
	}
	return ic.Latency.Validate()
}

func (a AutoScaleConfig) validate() error {
	switch a.Trigger {
	case TriggerPeriodic, TriggerReactive:
	default:
		return errors.Errorf("unknown trigger %q", a.Trigger)
	}
	if a.Interval <= 0 || a.Cooldown < 0 {
		return errors.Errorf("interval must be > 0 and cooldown >= 0, got %d and %d", a.Interval, a.Cooldown)
	}
	if a.ProvisioningDelayMin < 0 || a.ProvisioningDelayMin > a.ProvisioningDelayMax {
		return errors.Errorf("provisioning delay range [%d, %d] is invalid", a.ProvisioningDelayMin, a.ProvisioningDelayMax)
	}
	if a.ModelLoadTime < 0 || a.DrainTimeout < 0 || a.OscillationWindow < 0 {
		return errors.New("model_load_time, drain_timeout and oscillation_window must be >= 0")
	}
	switch a.DrainPolicy {
	case DrainImmediate, DrainWait, DrainRedirect:
	default:
		return errors.Errorf("unknown drain policy %q", a.DrainPolicy)
	}
	return a.Warmup.Validate()
}
