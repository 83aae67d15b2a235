package sim

import (
	"fmt"
	"math"
)

// PriorityResult is the output of a PriorityPolicy.
// Higher scores indicate higher priority (scheduled first by priority-aware schedulers).
type PriorityResult struct {
	Score float64
	Hints map[string]string
}

// PriorityPolicy computes a priority score for a request.
// Implementations MUST NOT modify the request; only the return value is used.
type PriorityPolicy interface {
	Compute(req *Request, state *RouterState) PriorityResult
}

// ConstantPriority assigns a fixed priority score to all requests.
type ConstantPriority struct {
	Score float64
}

func (c *ConstantPriority) Compute(_ *Request, _ *RouterState) PriorityResult {
	return PriorityResult{Score: c.Score}
}

// SLOBasedPriority computes priority based on request age (time waiting).
// Formula: BaseScore + AgeWeight * float64(clock - req.ArrivalTime)
//
// With default AgeWeight=1e-6, a request waiting 1 second (1e6 ticks) gets +1.0 priority.
type SLOBasedPriority struct {
	BaseScore float64
	AgeWeight float64
}

func (s *SLOBasedPriority) Compute(req *Request, state *RouterState) PriorityResult {
	age := float64(state.Clock - req.ArrivalTime)
	return PriorityResult{Score: s.BaseScore + s.AgeWeight*age}
}

// InvertedSLO computes priority inversely to request age (pathological baseline).
// Formula: BaseScore - AgeWeight * float64(clock - req.ArrivalTime)
type InvertedSLO struct {
	BaseScore float64
	AgeWeight float64
}

func (s *InvertedSLO) Compute(req *Request, state *RouterState) PriorityResult {
	age := float64(state.Clock - req.ArrivalTime)
	return PriorityResult{Score: s.BaseScore - s.AgeWeight*age}
}

// SLO classes recognised by the tiered policy.
const (
	SLOCritical  = "critical"
	SLOStandard  = "standard"
	SLOSheddable = "sheddable"
)

// SLOTieredPriority assigns priority based on SLO class with piecewise-linear urgency escalation.
//
// Formula: base[class] + max(0, AgeWeight * (age - threshold[class]))
//
// Empty SLOClass maps to "standard". "realtime" and "interactive" are aliases
// of critical and standard; every other class is sheddable.
type SLOTieredPriority struct {
	BaseCritical       float64
	BaseStandard       float64
	BaseSheddable      float64
	AgeWeight          float64 // ticks⁻¹
	ThresholdStandard  int64   // age (μs) before standard urgency activates
	ThresholdSheddable int64   // age (μs) before sheddable urgency activates
}

// DefaultSLOTieredPriority returns the stock class bases and thresholds.
func DefaultSLOTieredPriority() *SLOTieredPriority {
	return &SLOTieredPriority{
		BaseCritical:       10.0,
		BaseStandard:       5.0,
		BaseSheddable:      1.0,
		AgeWeight:          1e-5,
		ThresholdStandard:  100000,
		ThresholdSheddable: 200000,
	}
}

// NormalizeSLOClass maps a request's class onto critical, standard or sheddable.
func NormalizeSLOClass(class string) string {
	switch class {
	case SLOCritical, "realtime":
		return SLOCritical
	case "", SLOStandard, "interactive":
		return SLOStandard
	default:
		return SLOSheddable
	}
}

func (s *SLOTieredPriority) Compute(req *Request, state *RouterState) PriorityResult {
	age := float64(state.Clock - req.ArrivalTime)
	var base float64
	var threshold int64
	tier := NormalizeSLOClass(req.SLOClass)
	switch tier {
	case SLOCritical:
		base = s.BaseCritical
	case SLOStandard:
		base = s.BaseStandard
		threshold = s.ThresholdStandard
	default:
		base = s.BaseSheddable
		threshold = s.ThresholdSheddable
	}
	urgency := math.Max(0, s.AgeWeight*(age-float64(threshold)))
	return PriorityResult{
		Score: base + urgency,
		Hints: map[string]string{"tier": tier},
	}
}

// NewPriorityPolicy creates a PriorityPolicy by name.
// Valid names are defined in ValidPriorityPolicies (bundle.go).
// Empty string defaults to ConstantPriority.
// Panics on unrecognized names.
func NewPriorityPolicy(name string) PriorityPolicy {
	if !ValidPriorityPolicies[name] {
		panic(fmt.Sprintf("unknown priority policy %q", name))
	}
	switch name {
	case "", "constant":
		return &ConstantPriority{Score: 0.0}
	case "slo-based":
		return &SLOBasedPriority{BaseScore: 0.0, AgeWeight: 1e-6}
	case "inverted-slo":
		return &InvertedSLO{BaseScore: 0.0, AgeWeight: 1e-6}
	case "slo-tiered":
		return DefaultSLOTieredPriority()
	default:
		panic(fmt.Sprintf("unhandled priority policy %q", name))
	}
}
