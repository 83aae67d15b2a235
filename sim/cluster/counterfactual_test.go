package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/blis/sim"
)

func TestComputeCounterfactual_WithScores_TopKSortedByScore(t *testing.T) {
	// GIVEN 3 instances with explicit scores from weighted scoring
	snapshots := []sim.RoutingSnapshot{
		{ID: "i_0", QueueDepth: 5, BatchSize: 2, KVUtilization: 0.3},
		{ID: "i_1", QueueDepth: 1, BatchSize: 0, KVUtilization: 0.1},
		{ID: "i_2", QueueDepth: 3, BatchSize: 1, KVUtilization: 0.5},
	}
	scores := map[string]float64{"i_0": 0.4, "i_1": 0.9, "i_2": 0.6}

	// WHEN computing top-2 with i_2 chosen
	candidates, regret := computeCounterfactual("i_2", scores, snapshots, 2)

	// THEN candidates are sorted by score desc and regret is best minus chosen
	require.Len(t, candidates, 2)
	assert.Equal(t, "i_1", candidates[0].InstanceID)
	assert.Equal(t, 0.9, candidates[0].Score)
	assert.Equal(t, 1, candidates[0].QueueDepth)
	assert.Equal(t, "i_2", candidates[1].InstanceID)
	assert.InDelta(t, 0.3, regret, 1e-9)
}

func TestComputeCounterfactual_NilScores_UsesLoadFallback(t *testing.T) {
	// GIVEN no policy scores (round-robin, least-loaded)
	snapshots := []sim.RoutingSnapshot{
		{ID: "i_0", QueueDepth: 10, BatchSize: 5},                     // load 15
		{ID: "i_1", QueueDepth: 1, BatchSize: 0},                      // load 1
		{ID: "i_2", QueueDepth: 3, BatchSize: 1, PendingRequests: 1}, // load 5
	}

	candidates, regret := computeCounterfactual("i_0", nil, snapshots, 3)

	require.Len(t, candidates, 3)
	assert.Equal(t, []string{"i_1", "i_2", "i_0"}, []string{candidates[0].InstanceID, candidates[1].InstanceID, candidates[2].InstanceID})
	assert.InDelta(t, 14.0, regret, 1e-9)
}

func TestComputeCounterfactual_EdgeCases(t *testing.T) {
	snapshots := []sim.RoutingSnapshot{{ID: "a"}, {ID: "b"}}
	tests := []struct {
		name   string
		chosen string
		k      int
		snaps  []sim.RoutingSnapshot
	}{
		{name: "k zero disables", chosen: "a", k: 0, snaps: snapshots},
		{name: "no snapshots", chosen: "a", k: 2, snaps: nil},
		{name: "chosen missing", chosen: "zzz", k: 2, snaps: snapshots},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			candidates, regret := computeCounterfactual(tc.chosen, nil, tc.snaps, tc.k)
			assert.Nil(t, candidates)
			assert.Zero(t, regret)
		})
	}
}

func TestComputeCounterfactual_TiesBreakByID(t *testing.T) {
	snapshots := []sim.RoutingSnapshot{{ID: "c"}, {ID: "a"}, {ID: "b"}}

	candidates, regret := computeCounterfactual("c", nil, snapshots, 3)

	require.Len(t, candidates, 3)
	assert.Equal(t, "a", candidates[0].InstanceID)
	assert.Equal(t, "c", candidates[2].InstanceID)
	assert.Zero(t, regret)
}

func TestCopyBreakdown_IsDeep(t *testing.T) {
	orig := map[string]map[string]float64{"i_0": {"queue-depth": 0.5}}
	cp := copyBreakdown(orig)
	orig["i_0"]["queue-depth"] = 1

	assert.Equal(t, 0.5, cp["i_0"]["queue-depth"])
	assert.Nil(t, copyBreakdown(nil))
	assert.Nil(t, copyScores(nil))
}
