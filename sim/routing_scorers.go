package sim

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ScorerConfig describes a named scorer with a weight for weighted routing.
type ScorerConfig struct {
	Name   string  `yaml:"name"`
	Weight float64 `yaml:"weight"`
}

// scorerFunc computes per-instance scores in [0,1] for a scoring dimension.
// Scorers read the snapshots and the shadow view from state; stateless
// scorers may ignore req.
type scorerFunc func(req *Request, state *RouterState) map[string]float64

var validScorerNames = map[string]bool{
	"prefix-affinity": true,
	"queue-depth":     true,
	"kv-utilization":  true,
	"load-balance":    true,
	"cache-hit-rate":  true,
}

// IsValidScorer returns true if name is a recognized scorer.
func IsValidScorer(name string) bool { return validScorerNames[name] }

// ValidScorerNames returns sorted valid scorer names.
func ValidScorerNames() []string { return validNamesList(validScorerNames) }

// DefaultScorerConfigs returns the default scorer configuration for weighted routing.
// Default profile: prefix-affinity:3, queue-depth:2, kv-utilization:2 (llm-d parity).
func DefaultScorerConfigs() []ScorerConfig {
	return []ScorerConfig{
		{Name: "prefix-affinity", Weight: 3.0},
		{Name: "queue-depth", Weight: 2.0},
		{Name: "kv-utilization", Weight: 2.0},
	}
}

// ParseScorerConfigs parses a comma-separated string of "name:weight" pairs.
// Returns nil for empty input. Returns error for invalid names, non-positive weights,
// NaN, Inf, or malformed input.
func ParseScorerConfigs(s string) ([]ScorerConfig, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	configs := make([]ScorerConfig, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid scorer config %q (expected name:weight)", strings.TrimSpace(part))
		}
		name := strings.TrimSpace(kv[0])
		if !IsValidScorer(name) {
			return nil, fmt.Errorf("unknown scorer %q; valid: %s", name, strings.Join(ValidScorerNames(), ", "))
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate scorer %q; each scorer may appear at most once", name)
		}
		seen[name] = true
		weight, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight for scorer %q: %w", name, err)
		}
		if weight <= 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
			return nil, fmt.Errorf("scorer %q weight must be a finite positive number, got %v", name, weight)
		}
		configs = append(configs, ScorerConfig{Name: name, Weight: weight})
	}
	return configs, nil
}

// normalizeScorerWeights returns weights normalized to sum to 1.0.
// Panics if total weight is zero (should be prevented by validation).
func normalizeScorerWeights(configs []ScorerConfig) []float64 {
	total := 0.0
	for _, c := range configs {
		total += c.Weight
	}
	if total <= 0 {
		panic(fmt.Sprintf("scorer weights sum to %f; must be positive", total))
	}
	weights := make([]float64, len(configs))
	for i, c := range configs {
		weights[i] = c.Weight / total
	}
	return weights
}

// newScorer returns the scorer function for a name.
// Panics on unknown name (validation should catch this before reaching here).
func newScorer(name string) scorerFunc {
	switch name {
	case "prefix-affinity":
		return scorePrefixAffinity
	case "queue-depth":
		return scoreQueueDepth
	case "kv-utilization":
		return scoreKVUtilization
	case "load-balance":
		return scoreLoadBalance
	case "cache-hit-rate":
		return scoreCacheHitRate
	default:
		panic(fmt.Sprintf("unknown scorer %q", name))
	}
}

// scorePrefixAffinity scores each instance by the fraction of the request's
// prefix blocks the shadow KV predicts resident there. Always fresh: the
// shadow is updated synchronously after every routing decision.
func scorePrefixAffinity(req *Request, state *RouterState) map[string]float64 {
	scores := make(map[string]float64, len(state.Snapshots))
	total := 0
	if req != nil {
		total = len(req.BlockHashes)
	}
	for _, snap := range state.Snapshots {
		if total == 0 || state.Shadow == nil {
			scores[snap.ID] = 0.0
			continue
		}
		matched := state.Shadow.MatchLength(snap.ID, req.BlockHashes)
		scores[snap.ID] = float64(matched) / float64(total)
	}
	return scores
}

// scoreQueueDepth computes per-instance queue depth scores using min-max normalization.
// Lower effective load → higher score. All-equal loads → all score 1.0.
// Matches llm-d's queue-scorer semantics.
func scoreQueueDepth(_ *Request, state *RouterState) map[string]float64 {
	snapshots := state.Snapshots
	scores := make(map[string]float64, len(snapshots))
	minLoad, maxLoad := math.MaxInt, 0
	for _, snap := range snapshots {
		load := snap.EffectiveLoad()
		minLoad = min(minLoad, load)
		maxLoad = max(maxLoad, load)
	}
	for _, snap := range snapshots {
		if maxLoad == minLoad {
			scores[snap.ID] = 1.0
		} else {
			scores[snap.ID] = float64(maxLoad-snap.EffectiveLoad()) / float64(maxLoad-minLoad)
		}
	}
	return scores
}

// scoreKVUtilization: score = 1 - KVUtilization.
func scoreKVUtilization(_ *Request, state *RouterState) map[string]float64 {
	scores := make(map[string]float64, len(state.Snapshots))
	for _, snap := range state.Snapshots {
		scores[snap.ID] = 1.0 - snap.KVUtilization
	}
	return scores
}

// scoreLoadBalance computes per-instance load balance scores using inverse transform.
// Lower effective load → higher score: score = 1/(1 + effectiveLoad).
func scoreLoadBalance(_ *Request, state *RouterState) map[string]float64 {
	scores := make(map[string]float64, len(state.Snapshots))
	for _, snap := range state.Snapshots {
		scores[snap.ID] = 1.0 / (1.0 + float64(snap.EffectiveLoad()))
	}
	return scores
}

// scoreCacheHitRate favours instances whose reported cache hit rate is high.
func scoreCacheHitRate(_ *Request, state *RouterState) map[string]float64 {
	scores := make(map[string]float64, len(state.Snapshots))
	for _, snap := range state.Snapshots {
		scores[snap.ID] = snap.CacheHitRate
	}
	return scores
}
