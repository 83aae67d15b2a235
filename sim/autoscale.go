package sim

import (
	"fmt"
)

// ScaleAction is the direction of a scaling decision.
type ScaleAction int

const (
	ScaleNone ScaleAction = iota
	ScaleUp
	ScaleDown
)

func (a ScaleAction) String() string {
	switch a {
	case ScaleUp:
		return "up"
	case ScaleDown:
		return "down"
	default:
		return "none"
	}
}

// ScaleDecision is returned by an AutoScalePolicy. Target is the desired pool
// size; the cluster clamps it to the pool bounds and moves one replica at a time.
type ScaleDecision struct {
	Action ScaleAction
	Target int
	Reason string
}

// ReplicaSignals are the per-replica load signals of a pool.
type ReplicaSignals struct {
	ID            string
	KVUtilization float64
	QueueDepth    int
}

// PoolSignals summarise one scalable pool at evaluation time.
type PoolSignals struct {
	Deployment string
	Role       string
	Clock      int64

	Ready        int
	Provisioning int
	Draining     int
	MinReplicas  int
	MaxReplicas  int

	Replicas []ReplicaSignals // ready replicas, sorted by ID

	MeanQueueDepth    float64
	MeanKVUtilization float64
	SLOAttainment     float64 // fraction of recent completions meeting their target; 1 with none
	ArrivalRate       float64 // requests per second, current window
	PrevArrivalRate   float64 // requests per second, previous window
}

// Current returns the pool size counted against the bounds.
func (p PoolSignals) Current() int { return p.Ready + p.Provisioning }

// AutoScalePolicy decides whether a pool should grow or shrink.
// Implementations must be pure with respect to their input.
type AutoScalePolicy interface {
	Evaluate(signals PoolSignals) ScaleDecision
}

// AutoScalePolicyConfig parameterises the built-in auto-scale policies.
type AutoScalePolicyConfig struct {
	Policy string `yaml:"policy"`

	// threshold policy
	ScaleUpQueueDepth      float64 `yaml:"scale_up_queue_depth"`
	ScaleUpKVUtilization   float64 `yaml:"scale_up_kv_utilization"`
	ScaleDownQueueDepth    float64 `yaml:"scale_down_queue_depth"`
	ScaleDownKVUtilization float64 `yaml:"scale_down_kv_utilization"`
	MinSLOAttainment       float64 `yaml:"min_slo_attainment"`
	RateChangeFactor       float64 `yaml:"rate_change_factor"`

	// saturation policy
	KVCacheThreshold     float64 `yaml:"kv_cache_threshold"`
	QueueLengthThreshold float64 `yaml:"queue_length_threshold"`
	KVSpareTrigger       float64 `yaml:"kv_spare_trigger"`
	QueueSpareTrigger    float64 `yaml:"queue_spare_trigger"`
}

// DefaultAutoScalePolicyConfig returns the stock thresholds.
func DefaultAutoScalePolicyConfig() AutoScalePolicyConfig {
	return AutoScalePolicyConfig{
		ScaleUpQueueDepth:      8,
		ScaleUpKVUtilization:   0.85,
		ScaleDownQueueDepth:    1,
		ScaleDownKVUtilization: 0.3,
		KVCacheThreshold:       0.80,
		QueueLengthThreshold:   5,
		KVSpareTrigger:         0.1,
		QueueSpareTrigger:      3,
	}
}

// NoAutoScale never scales.
type NoAutoScale struct{}

func (n *NoAutoScale) Evaluate(s PoolSignals) ScaleDecision {
	return ScaleDecision{Action: ScaleNone, Target: s.Current()}
}

// ThresholdAutoScale scales up when any pressure signal crosses its trigger
// and down when every signal is below its floor. It does not stack scale-ups
// while replicas are still provisioning.
type ThresholdAutoScale struct {
	cfg AutoScalePolicyConfig
}

func (t *ThresholdAutoScale) Evaluate(s PoolSignals) ScaleDecision {
	cur := s.Current()
	none := ScaleDecision{Action: ScaleNone, Target: cur}
	if s.Ready == 0 {
		return none
	}
	var reason string
	switch {
	case t.cfg.ScaleUpQueueDepth > 0 && s.MeanQueueDepth >= t.cfg.ScaleUpQueueDepth:
		reason = fmt.Sprintf("queue depth %.1f >= %.1f", s.MeanQueueDepth, t.cfg.ScaleUpQueueDepth)
	case t.cfg.ScaleUpKVUtilization > 0 && s.MeanKVUtilization >= t.cfg.ScaleUpKVUtilization:
		reason = fmt.Sprintf("kv utilization %.2f >= %.2f", s.MeanKVUtilization, t.cfg.ScaleUpKVUtilization)
	case t.cfg.MinSLOAttainment > 0 && s.SLOAttainment < t.cfg.MinSLOAttainment:
		reason = fmt.Sprintf("slo attainment %.2f < %.2f", s.SLOAttainment, t.cfg.MinSLOAttainment)
	case t.cfg.RateChangeFactor > 0 && s.PrevArrivalRate > 0 && s.ArrivalRate >= s.PrevArrivalRate*t.cfg.RateChangeFactor:
		reason = fmt.Sprintf("arrival rate %.1f/s >= %.1fx previous", s.ArrivalRate, t.cfg.RateChangeFactor)
	}
	if reason != "" {
		if s.Provisioning > 0 {
			return none
		}
		return ScaleDecision{Action: ScaleUp, Target: cur + 1, Reason: reason}
	}
	if s.MeanQueueDepth <= t.cfg.ScaleDownQueueDepth && s.MeanKVUtilization <= t.cfg.ScaleDownKVUtilization {
		return ScaleDecision{
			Action: ScaleDown,
			Target: cur - 1,
			Reason: fmt.Sprintf("idle: queue %.1f, kv %.2f", s.MeanQueueDepth, s.MeanKVUtilization),
		}
	}
	return none
}

// minNonSaturatedForScaleDown is the fewest healthy replicas from which one
// may be removed.
const minNonSaturatedForScaleDown = 2

// SaturationAutoScale scales on per-replica spare capacity. A replica is
// saturated when its KV utilisation or queue length reaches the threshold;
// spare capacity is threshold minus load, averaged over non-saturated
// replicas. Scale-up fires when either average spare falls below its trigger.
// Scale-down is allowed only when redistributing the load over one fewer
// replica keeps both spares at or above their triggers.
type SaturationAutoScale struct {
	cfg AutoScalePolicyConfig
}

func (sa *SaturationAutoScale) Evaluate(s PoolSignals) ScaleDecision {
	cur := s.Current()
	none := ScaleDecision{Action: ScaleNone, Target: cur}
	if len(s.Replicas) == 0 {
		return none
	}

	var healthy int
	var spareKV, spareQueue, loadKV, loadQueue float64
	for _, r := range s.Replicas {
		if r.KVUtilization >= sa.cfg.KVCacheThreshold || float64(r.QueueDepth) >= sa.cfg.QueueLengthThreshold {
			continue
		}
		healthy++
		spareKV += sa.cfg.KVCacheThreshold - r.KVUtilization
		spareQueue += sa.cfg.QueueLengthThreshold - float64(r.QueueDepth)
		loadKV += r.KVUtilization
		loadQueue += float64(r.QueueDepth)
	}

	if healthy == 0 {
		if s.Provisioning > 0 {
			return none
		}
		return ScaleDecision{Action: ScaleUp, Target: cur + 1, Reason: "all replicas saturated"}
	}
	avgKV, avgQueue := spareKV/float64(healthy), spareQueue/float64(healthy)
	kvTriggered := avgKV < sa.cfg.KVSpareTrigger
	queueTriggered := avgQueue < sa.cfg.QueueSpareTrigger
	if kvTriggered || queueTriggered {
		if s.Provisioning > 0 {
			return none
		}
		return ScaleDecision{
			Action: ScaleUp,
			Target: cur + 1,
			Reason: fmt.Sprintf("spare kv %.3f (trigger %.3f), spare queue %.1f (trigger %.1f)",
				avgKV, sa.cfg.KVSpareTrigger, avgQueue, sa.cfg.QueueSpareTrigger),
		}
	}

	if healthy < minNonSaturatedForScaleDown || healthy < len(s.Replicas) {
		return none
	}
	remaining := float64(healthy - 1)
	kvSafe := sa.cfg.KVCacheThreshold-loadKV/remaining >= sa.cfg.KVSpareTrigger
	queueSafe := sa.cfg.QueueLengthThreshold-loadQueue/remaining >= sa.cfg.QueueSpareTrigger
	if kvSafe && queueSafe {
		return ScaleDecision{Action: ScaleDown, Target: cur - 1, Reason: "spare capacity survives removing one replica"}
	}
	return none
}

// NewAutoScalePolicy creates an auto-scale policy from its configuration.
// Zero-valued thresholds fall back to DefaultAutoScalePolicyConfig.
// Panics on unrecognized names.
func NewAutoScalePolicy(cfg AutoScalePolicyConfig) AutoScalePolicy {
	if !ValidAutoScalePolicies[cfg.Policy] {
		panic(fmt.Sprintf("unknown auto-scale policy %q", cfg.Policy))
	}
	cfg = cfg.withDefaults()
	switch cfg.Policy {
	case "", "none":
		return &NoAutoScale{}
	case "threshold":
		return &ThresholdAutoScale{cfg: cfg}
	case "saturation":
		return &SaturationAutoScale{cfg: cfg}
	default:
		panic(fmt.Sprintf("unhandled auto-scale policy %q", cfg.Policy))
	}
}

func (c AutoScalePolicyConfig) withDefaults() AutoScalePolicyConfig {
	d := DefaultAutoScalePolicyConfig()
	fill := func(v *float64, def float64) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&c.ScaleUpQueueDepth, d.ScaleUpQueueDepth)
	fill(&c.ScaleUpKVUtilization, d.ScaleUpKVUtilization)
	fill(&c.ScaleDownQueueDepth, d.ScaleDownQueueDepth)
	fill(&c.ScaleDownKVUtilization, d.ScaleDownKVUtilization)
	fill(&c.KVCacheThreshold, d.KVCacheThreshold)
	fill(&c.QueueLengthThreshold, d.QueueLengthThreshold)
	fill(&c.KVSpareTrigger, d.KVSpareTrigger)
	fill(&c.QueueSpareTrigger, d.QueueSpareTrigger)
	return c
}
