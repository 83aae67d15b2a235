package trace

// AnomalyType names a class of detected misbehaviour.
type AnomalyType string

const (
	// AnomalyPriorityInversion: a lower-priority request was scheduled while a
	// higher-priority one kept waiting on the same instance.
	AnomalyPriorityInversion AnomalyType = "priority_inversion"
	// AnomalySLOViolation: a request finished past its class's latency target.
	AnomalySLOViolation AnomalyType = "slo_violation"
	// AnomalyCacheThrashing: blocks were reloaded shortly after being offloaded.
	AnomalyCacheThrashing AnomalyType = "cache_thrashing"
	// AnomalyShadowDivergence: the router's predicted cache hit disagreed with the instance.
	AnomalyShadowDivergence AnomalyType = "shadow_divergence"
	// AnomalyScaleOscillation: scaling direction flipped within the oscillation window.
	AnomalyScaleOscillation AnomalyType = "scale_oscillation"
	// AnomalyPDBackpressure: a decode pool's inbound queue exceeded its threshold.
	AnomalyPDBackpressure AnomalyType = "pd_backpressure"
	// AnomalyPreemptionStorm: too many preemptions on one instance within a window.
	AnomalyPreemptionStorm AnomalyType = "preemption_storm"
)

// AnomalyTypes lists every anomaly type in report order.
var AnomalyTypes = []AnomalyType{
	AnomalyPriorityInversion,
	AnomalySLOViolation,
	AnomalyCacheThrashing,
	AnomalyShadowDivergence,
	AnomalyScaleOscillation,
	AnomalyPDBackpressure,
	AnomalyPreemptionStorm,
}

// AnomalyRecord captures one detected anomaly.
// ExpectedCacheHit and CacheHit are set for shadow divergence only.
type AnomalyRecord struct {
	Type             AnomalyType `json:"type"`
	Clock            int64       `json:"clock"`
	InstanceID       string      `json:"instance_id,omitempty"`
	RequestID        string      `json:"request_id,omitempty"`
	Detail           string      `json:"detail"`
	ExpectedCacheHit bool        `json:"expected_cache_hit,omitempty"`
	CacheHit         bool        `json:"cache_hit,omitempty"`
}
