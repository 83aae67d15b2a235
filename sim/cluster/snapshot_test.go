package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/blis/sim"
)

func TestSnapshot_Immutability(t *testing.T) {
	// GIVEN a snapshot taken from an idle instance
	cs := mustNew(t, newTestConfig(1, 100), nil, nil)
	inst := cs.allInstances[0]
	snap := cs.snapshots.Snapshot(inst, 0)

	// WHEN the instance starts running a request
	inst.running = append(inst.running, newRequest("r", 0, seqTokens(1, 16), 2))

	// THEN the earlier snapshot is unchanged
	assert.Zero(t, snap.BatchSize)
	assert.Equal(t, 1, cs.snapshots.Snapshot(inst, 0).BatchSize)
}

func TestSnapshot_PeriodicRefresh(t *testing.T) {
	// GIVEN queue signals refreshed every 1000 ticks
	cfg := newTestConfig(1, 100)
	cfg.Snapshot.Queue = FieldConfig{Mode: RefreshPeriodic, Interval: 1000}
	cs := mustNew(t, cfg, nil, nil)
	inst := cs.allInstances[0]
	p := cs.snapshots

	first := p.Snapshot(inst, 0)
	require.Zero(t, first.BatchSize)

	// WHEN work lands and a request is routed before the next refresh
	inst.running = append(inst.running, newRequest("r", 0, seqTokens(1, 16), 2))
	p.NoteRouted(inst.id)

	// THEN the queue group is stale but pending requests are counted
	stale := p.Snapshot(inst, 999)
	assert.Zero(t, stale.BatchSize)
	assert.Equal(t, 1, stale.PendingRequests)
	assert.Equal(t, 1, stale.EffectiveLoad())

	// AND the refresh reads the instance and clears the pending count
	fresh := p.Snapshot(inst, 1000)
	assert.Equal(t, 1, fresh.BatchSize)
	assert.Zero(t, fresh.PendingRequests)
}

func TestSnapshot_ImmediateModeNeverStale(t *testing.T) {
	cs := mustNew(t, newTestConfig(1, 100), nil, nil)
	inst := cs.allInstances[0]
	p := cs.snapshots

	p.Snapshot(inst, 0)
	p.NoteRouted(inst.id)
	inst.running = append(inst.running, newRequest("r", 0, seqTokens(1, 16), 2))

	snap := p.Snapshot(inst, 0)
	assert.Equal(t, 1, snap.BatchSize)
	assert.Zero(t, snap.PendingRequests)
	assert.Equal(t, int64(100), snap.TotalKVBlocks)
	assert.Equal(t, int64(100), snap.FreeKVBlocks)
}

func TestSnapshot_KVGroupPeriodic(t *testing.T) {
	cfg := newTestConfig(1, 100)
	cfg.Snapshot.KV = FieldConfig{Mode: RefreshPeriodic, Interval: 500}
	cs := mustNew(t, cfg, nil, nil)
	inst := cs.allInstances[0]
	p := cs.snapshots
	p.Snapshot(inst, 0)

	// allocate blocks behind the provider's back
	req := newRequest("r", 0, seqTokens(1, 160), 2)
	require.True(t, inst.kv.Allocate(req.ID, cs.deployments[0].hasher.BlockHashes(req.InputTokens), 160, 0))

	assert.Zero(t, p.Snapshot(inst, 100).KVUtilization)
	assert.Zero(t, p.Observed(inst.id).GPUUtilization)
	assert.InDelta(t, 0.1, p.Snapshot(inst, 500).KVUtilization, 1e-9)
	assert.InDelta(t, 0.1, p.Observed(inst.id).GPUUtilization, 1e-9)
}

func TestSnapshot_ForgetDropsState(t *testing.T) {
	cs := mustNew(t, newTestConfig(1, 100), nil, nil)
	inst := cs.allInstances[0]
	cs.snapshots.Snapshot(inst, 0)
	cs.snapshots.NoteRouted(inst.id)

	cs.snapshots.Forget(inst.id)

	assert.Equal(t, sim.ObservedKV{}, cs.snapshots.Observed(inst.id))
}
