package sim

import "fmt"

// RoutingDecision encapsulates the routing decision for a request.
//
// For monolithic routing TargetInstance names the instance. A disaggregated
// decision sets PrefillInstance and DecodeInstance as well; TargetInstance
// then equals PrefillInstance.
type RoutingDecision struct {
	TargetInstance  string
	PrefillInstance string
	DecodeInstance  string
	Reason          string
	// Scores maps instance ID to composite score (nil for policies without scoring).
	Scores map[string]float64
	// Breakdown maps scorer name to its per-instance contribution (weighted scoring only).
	Breakdown map[string]map[string]float64
}

// RoutingPolicy decides which instance should handle a request.
// Implementations receive the request and cluster-wide state via *RouterState.
// Snapshots are sorted by instance ID before each call.
type RoutingPolicy interface {
	Route(req *Request, state *RouterState) RoutingDecision
}

// RoundRobin routes requests in round-robin order across instances.
type RoundRobin struct {
	counter int
}

// Route implements RoutingPolicy for RoundRobin.
func (rr *RoundRobin) Route(_ *Request, state *RouterState) RoutingDecision {
	snapshots := state.Snapshots
	if len(snapshots) == 0 {
		panic("RoundRobin.Route: empty snapshots")
	}
	target := snapshots[rr.counter%len(snapshots)]
	rr.counter++
	return RoutingDecision{
		TargetInstance: target.ID,
		Reason:         fmt.Sprintf("round-robin[%d]", rr.counter-1),
	}
}

// LeastLoaded routes requests to the instance with minimum EffectiveLoad.
// PendingRequests prevents pile-on when several routing decisions occur at
// the same timestamp before instance events process.
// Ties are broken by first occurrence in snapshot order (lowest ID).
type LeastLoaded struct{}

// Route implements RoutingPolicy for LeastLoaded.
func (ll *LeastLoaded) Route(_ *Request, state *RouterState) RoutingDecision {
	snapshots := state.Snapshots
	if len(snapshots) == 0 {
		panic("LeastLoaded.Route: empty snapshots")
	}

	minLoad := snapshots[0].EffectiveLoad()
	target := snapshots[0]
	for i := 1; i < len(snapshots); i++ {
		load := snapshots[i].EffectiveLoad()
		if load < minLoad {
			minLoad = load
			target = snapshots[i]
		}
	}

	return RoutingDecision{
		TargetInstance: target.ID,
		Reason:         fmt.Sprintf("least-loaded (load=%d)", minLoad),
	}
}

// WeightedScoring routes requests using a composable scorer pipeline.
//
// Each scorer evaluates all instances on a [0,1] scale. Scores are combined
// with normalized weights: composite = Σ clamp(s_i) × w_i, then argmax.
// Higher scores are preferred. Ties broken by first occurrence in snapshot order.
type WeightedScoring struct {
	scorers []scorerFunc
	weights []float64 // normalized to sum to 1.0
	names   []string
}

// Route implements RoutingPolicy for WeightedScoring.
func (ws *WeightedScoring) Route(req *Request, state *RouterState) RoutingDecision {
	snapshots := state.Snapshots
	if len(snapshots) == 0 {
		panic("WeightedScoring.Route: empty snapshots")
	}

	scores := make(map[string]float64, len(snapshots))
	breakdown := make(map[string]map[string]float64, len(ws.scorers))
	for i, scorer := range ws.scorers {
		dimScores := scorer(req, state)
		contrib := make(map[string]float64, len(snapshots))
		for _, snap := range snapshots {
			s := clampScore(dimScores[snap.ID])
			contrib[snap.ID] = s * ws.weights[i]
			scores[snap.ID] += contrib[snap.ID]
		}
		breakdown[ws.names[i]] = contrib
	}

	// Strict > keeps the lowest-ID instance on ties.
	bestScore := -1.0
	bestIdx := 0
	for i, snap := range snapshots {
		if scores[snap.ID] > bestScore {
			bestScore = scores[snap.ID]
			bestIdx = i
		}
	}

	return RoutingDecision{
		TargetInstance: snapshots[bestIdx].ID,
		Reason:         fmt.Sprintf("weighted-scoring (score=%.3f)", bestScore),
		Scores:         scores,
		Breakdown:      breakdown,
	}
}

// Scorers returns the configured scorer names in evaluation order.
func (ws *WeightedScoring) Scorers() []string {
	return append([]string(nil), ws.names...)
}

func clampScore(s float64) float64 {
	if s < 0 || s != s {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// PrefixAffinity routes a request to the instance the router's shadow KV
// predicts holds the longest prefix of it. When no instance is predicted to
// hold even the first block, it falls back to LeastLoaded.
type PrefixAffinity struct {
	fallback LeastLoaded
}

// Route implements RoutingPolicy for PrefixAffinity.
func (pa *PrefixAffinity) Route(req *Request, state *RouterState) RoutingDecision {
	snapshots := state.Snapshots
	if len(snapshots) == 0 {
		panic("PrefixAffinity.Route: empty snapshots")
	}

	if state.Shadow != nil && len(req.BlockHashes) > 0 {
		best, bestMatch := "", 0
		for _, snap := range snapshots {
			if m := state.Shadow.MatchLength(snap.ID, req.BlockHashes); m > bestMatch {
				best, bestMatch = snap.ID, m
			}
		}
		if bestMatch > 0 {
			return RoutingDecision{
				TargetInstance: best,
				Reason:         fmt.Sprintf("prefix-affinity (match=%d/%d)", bestMatch, len(req.BlockHashes)),
			}
		}
	}

	decision := pa.fallback.Route(req, state)
	decision.Reason = "prefix-affinity (miss, fallback to least-loaded)"
	return decision
}

// AlwaysBusiest routes requests to the instance with maximum EffectiveLoad.
// Pathological baseline for exercising load-imbalance detection.
// Ties broken by first occurrence in snapshot order (lowest ID).
type AlwaysBusiest struct{}

// Route implements RoutingPolicy for AlwaysBusiest.
func (ab *AlwaysBusiest) Route(_ *Request, state *RouterState) RoutingDecision {
	snapshots := state.Snapshots
	if len(snapshots) == 0 {
		panic("AlwaysBusiest.Route: empty snapshots")
	}

	maxLoad := snapshots[0].EffectiveLoad()
	target := snapshots[0]
	for i := 1; i < len(snapshots); i++ {
		load := snapshots[i].EffectiveLoad()
		if load > maxLoad {
			maxLoad = load
			target = snapshots[i]
		}
	}

	return RoutingDecision{
		TargetInstance: target.ID,
		Reason:         fmt.Sprintf("always-busiest (load=%d)", maxLoad),
	}
}

// RouteDisaggregated runs policy once on the prefill pool and once on the
// decode pool and merges the two choices into a single decision.
// Scores and Breakdown are taken from the prefill choice.
func RouteDisaggregated(policy RoutingPolicy, req *Request, state *RouterState) RoutingDecision {
	prefillState := state.WithSnapshots(func(s RoutingSnapshot) bool { return s.Role == RolePrefill })
	decodeState := state.WithSnapshots(func(s RoutingSnapshot) bool { return s.Role == RoleDecode })
	if len(prefillState.Snapshots) == 0 || len(decodeState.Snapshots) == 0 {
		panic(fmt.Sprintf("RouteDisaggregated: need prefill and decode instances, have %d/%d",
			len(prefillState.Snapshots), len(decodeState.Snapshots)))
	}
	p := policy.Route(req, prefillState)
	d := policy.Route(req, decodeState)
	return RoutingDecision{
		TargetInstance:  p.TargetInstance,
		PrefillInstance: p.TargetInstance,
		DecodeInstance:  d.TargetInstance,
		Reason:          fmt.Sprintf("pd: prefill=%s decode=%s", p.Reason, d.Reason),
		Scores:          p.Scores,
		Breakdown:       p.Breakdown,
	}
}

// NewRoutingPolicy creates a routing policy by name.
// Valid names are defined in ValidRoutingPolicies (bundle.go).
// Empty string defaults to round-robin.
// If scorerConfigs is nil/empty for "weighted", DefaultScorerConfigs() is used.
// Non-weighted policies ignore scorerConfigs.
// Panics on unrecognized names.
func NewRoutingPolicy(name string, scorerConfigs []ScorerConfig) RoutingPolicy {
	if !ValidRoutingPolicies[name] {
		panic(fmt.Sprintf("unknown routing policy %q", name))
	}
	switch name {
	case "", "round-robin":
		return &RoundRobin{}
	case "least-loaded":
		return &LeastLoaded{}
	case "weighted":
		if len(scorerConfigs) == 0 {
			scorerConfigs = DefaultScorerConfigs()
		}
		scorers := make([]scorerFunc, len(scorerConfigs))
		names := make([]string, len(scorerConfigs))
		for i, cfg := range scorerConfigs {
			scorers[i] = newScorer(cfg.Name)
			names[i] = cfg.Name
		}
		return &WeightedScoring{scorers: scorers, weights: normalizeScorerWeights(scorerConfigs), names: names}
	case "prefix-affinity":
		return &PrefixAffinity{}
	case "always-busiest":
		return &AlwaysBusiest{}
	default:
		panic(fmt.Sprintf("unhandled routing policy %q", name))
	}
}
