package sim

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/blis/sim/internal/util"
)

// DefaultAdmissionRetryDelay is the tenant-quota re-evaluation delay when
// none is configured (10ms).
const DefaultAdmissionRetryDelay int64 = 10000

// PolicyBundle holds unified policy configuration, loadable from a YAML file.
// Empty policy names select each stage's default.
type PolicyBundle struct {
	Admission AdmissionConfig       `yaml:"admission"`
	Priority  PriorityConfig        `yaml:"priority"`
	Routing   RoutingConfig         `yaml:"routing"`
	Scheduler string                `yaml:"scheduler"`
	AutoScale AutoScalePolicyConfig `yaml:"autoscale"`
}

// AdmissionConfig holds admission policy configuration.
type AdmissionConfig struct {
	Policy                string  `yaml:"policy"`
	TokenBucketCapacity   float64 `yaml:"token_bucket_capacity"`
	TokenBucketRefillRate float64 `yaml:"token_bucket_refill_rate"`
	MaxQueueDepth         int     `yaml:"max_queue_depth"`
	TenantMaxActive       int     `yaml:"tenant_max_active"`
	RetryDelay            int64   `yaml:"retry_delay"`
}

// PriorityConfig holds priority policy configuration.
type PriorityConfig struct {
	Policy string `yaml:"policy"`
}

// RoutingConfig holds routing policy configuration.
type RoutingConfig struct {
	Policy  string         `yaml:"policy"`
	Scorers []ScorerConfig `yaml:"scorers"`
}

// PolicyID returns a compact identifier of the bundle for SimulationKey.
func (b *PolicyBundle) PolicyID() string {
	name := func(s, def string) string {
		if s == "" {
			return def
		}
		return s
	}
	return name(b.Admission.Policy, "always-admit") + "+" +
		name(b.Priority.Policy, "constant") + "+" +
		name(b.Routing.Policy, "round-robin") + "+" +
		name(b.Scheduler, "fcfs") + "+" +
		name(b.AutoScale.Policy, "none")
}

// LoadPolicyBundle reads and parses a YAML policy configuration file.
func LoadPolicyBundle(path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading policy config")
	}
	var bundle PolicyBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, errors.Wrap(err, "parsing policy config")
	}
	return &bundle, nil
}

// ValidAdmissionPolicies is the set of recognized admission policy names.
// Shared by Validate() and NewAdmissionPolicy().
var ValidAdmissionPolicies = map[string]bool{
	"": true, "always-admit": true, "token-bucket": true, "queue-depth": true, "tenant-quota": true, "reject-all": true,
}

// ValidRoutingPolicies is the set of recognized routing policy names.
var ValidRoutingPolicies = map[string]bool{
	"": true, "round-robin": true, "least-loaded": true, "weighted": true, "prefix-affinity": true, "always-busiest": true,
}

// ValidPriorityPolicies is the set of recognized priority policy names.
var ValidPriorityPolicies = map[string]bool{
	"": true, "constant": true, "slo-based": true, "slo-tiered": true, "inverted-slo": true,
}

// ValidSchedulers is the set of recognized scheduler names.
var ValidSchedulers = map[string]bool{"": true, "fcfs": true, "priority-fcfs": true, "sjf": true}

// ValidAutoScalePolicies is the set of recognized auto-scale policy names.
var ValidAutoScalePolicies = map[string]bool{"": true, "none": true, "threshold": true, "saturation": true}

// validNamesList returns the non-empty keys of m, sorted.
func validNamesList(m map[string]bool) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		if k != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks that all policy names and parameter ranges in the bundle are valid.
func (b *PolicyBundle) Validate() error {
	if !ValidAdmissionPolicies[b.Admission.Policy] {
		return errors.Errorf("unknown admission policy %q; valid: %v", b.Admission.Policy, validNamesList(ValidAdmissionPolicies))
	}
	if !ValidRoutingPolicies[b.Routing.Policy] {
		return errors.Errorf("unknown routing policy %q; valid: %v", b.Routing.Policy, validNamesList(ValidRoutingPolicies))
	}
	if !ValidPriorityPolicies[b.Priority.Policy] {
		return errors.Errorf("unknown priority policy %q; valid: %v", b.Priority.Policy, validNamesList(ValidPriorityPolicies))
	}
	if !ValidSchedulers[b.Scheduler] {
		return errors.Errorf("unknown scheduler %q; valid: %v", b.Scheduler, validNamesList(ValidSchedulers))
	}
	if !ValidAutoScalePolicies[b.AutoScale.Policy] {
		return errors.Errorf("unknown auto-scale policy %q; valid: %v", b.AutoScale.Policy, validNamesList(ValidAutoScalePolicies))
	}

	a := b.Admission
	for name, v := range map[string]float64{
		"token_bucket_capacity":    a.TokenBucketCapacity,
		"token_bucket_refill_rate": a.TokenBucketRefillRate,
	} {
		if !util.IsFinite(v) || v < 0 {
			return errors.Errorf("%s must be finite and non-negative, got %v", name, v)
		}
	}
	if a.Policy == "queue-depth" && a.MaxQueueDepth <= 0 {
		return errors.Errorf("max_queue_depth must be > 0 for queue-depth admission, got %d", a.MaxQueueDepth)
	}
	if a.Policy == "tenant-quota" && a.TenantMaxActive <= 0 {
		return errors.Errorf("tenant_max_active must be > 0 for tenant-quota admission, got %d", a.TenantMaxActive)
	}
	if a.RetryDelay < 0 {
		return errors.Errorf("retry_delay must be >= 0, got %d", a.RetryDelay)
	}

	seen := make(map[string]bool, len(b.Routing.Scorers))
	for _, sc := range b.Routing.Scorers {
		if !IsValidScorer(sc.Name) {
			return errors.Errorf("unknown scorer %q; valid: %v", sc.Name, ValidScorerNames())
		}
		if seen[sc.Name] {
			return errors.Errorf("duplicate scorer %q", sc.Name)
		}
		seen[sc.Name] = true
		if !util.IsFinite(sc.Weight) || sc.Weight <= 0 {
			return errors.Errorf("scorer %q weight must be a finite positive number, got %v", sc.Name, sc.Weight)
		}
	}

	as := b.AutoScale
	for name, v := range map[string]float64{
		"scale_up_queue_depth":      as.ScaleUpQueueDepth,
		"scale_up_kv_utilization":   as.ScaleUpKVUtilization,
		"scale_down_queue_depth":    as.ScaleDownQueueDepth,
		"scale_down_kv_utilization": as.ScaleDownKVUtilization,
		"min_slo_attainment":        as.MinSLOAttainment,
		"rate_change_factor":        as.RateChangeFactor,
		"kv_cache_threshold":        as.KVCacheThreshold,
		"queue_length_threshold":    as.QueueLengthThreshold,
		"kv_spare_trigger":          as.KVSpareTrigger,
		"queue_spare_trigger":       as.QueueSpareTrigger,
	} {
		if !util.IsFinite(v) || v < 0 {
			return errors.Errorf("autoscale %s must be finite and non-negative, got %v", name, v)
		}
	}
	return nil
}
