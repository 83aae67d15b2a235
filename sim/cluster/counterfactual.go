package cluster

import (
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/trace"
)

// copyScores returns a copy of scores, or nil.
func copyScores(scores map[string]float64) map[string]float64 {
	if scores == nil {
		return nil
	}
	return maps.Clone(scores)
}

// copyBreakdown returns a deep copy of a per-scorer breakdown, or nil.
func copyBreakdown(b map[string]map[string]float64) map[string]map[string]float64 {
	if b == nil {
		return nil
	}
	out := make(map[string]map[string]float64, len(b))
	for scorer, perInstance := range b {
		out[scorer] = copyScores(perInstance)
	}
	return out
}

// candidate is one instance as ranked by the counterfactual.
type candidate struct {
	snap  sim.RoutingSnapshot
	score float64
}

// rankCandidates scores every snapshot and orders them best first, breaking
// ties by instance ID. Without policy scores the score is -EffectiveLoad.
func rankCandidates(scores map[string]float64, snapshots []sim.RoutingSnapshot) []candidate {
	ranked := make([]candidate, 0, len(snapshots))
	for _, snap := range snapshots {
		c := candidate{snap: snap, score: -float64(snap.EffectiveLoad())}
		if scores != nil {
			c.score = scores[snap.ID]
		}
		ranked = append(ranked, c)
	}
	slices.SortFunc(ranked, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		case a.snap.ID < b.snap.ID:
			return -1
		case a.snap.ID > b.snap.ID:
			return 1
		}
		return 0
	})
	return ranked
}

// computeCounterfactual returns the k best candidates for a routing decision
// and the regret of the choice: how far the chosen instance scored below the
// best one. Regret is never negative. A chosen ID absent from snapshots
// yields nothing.
func computeCounterfactual(chosenID string, scores map[string]float64, snapshots []sim.RoutingSnapshot, k int) ([]trace.CandidateScore, float64) {
	if k <= 0 || len(snapshots) == 0 {
		return nil, 0
	}
	ranked := rankCandidates(scores, snapshots)
	chosen := slices.IndexFunc(ranked, func(c candidate) bool { return c.snap.ID == chosenID })
	if chosen < 0 {
		return nil, 0
	}

	top := ranked[:min(k, len(ranked))]
	out := make([]trace.CandidateScore, 0, len(top))
	for _, c := range top {
		out = append(out, trace.CandidateScore{
			InstanceID:      c.snap.ID,
			Score:           c.score,
			QueueDepth:      c.snap.QueueDepth,
			BatchSize:       c.snap.BatchSize,
			PendingRequests: c.snap.PendingRequests,
			KVUtilization:   c.snap.KVUtilization,
			FreeKVBlocks:    c.snap.FreeKVBlocks,
		})
	}
	return out, max(0, ranked[0].score-ranked[chosen].score)
}
