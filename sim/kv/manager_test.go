package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gpuOnly(blocks int64) Config {
	return Config{BlockSizeTokens: 4, GPUBlocks: blocks}
}

func tiered(gpu, cpu int64) Config {
	return Config{
		BlockSizeTokens: 4,
		GPUBlocks:       gpu,
		CPUBlocks:       cpu,
		GPUCPULink:      Link{BandwidthBlocksPerTick: 1, BaseLatency: 10},
		DemoteOnEvict:   true,
	}
}

func TestAllocate_PrefixShared_RefCountedAndCounted(t *testing.T) {
	// GIVEN r1 holding two full prompt blocks
	m := NewManager("i0", gpuOnly(10))
	hashes := []uint64{11, 12}
	require.True(t, m.Allocate("r1", hashes, 8, 0))

	// WHEN r2 with the same prefix allocates 9 tokens, sharing the cached pair
	hits := m.GPUPrefixHits(hashes)
	require.Equal(t, 2, hits)
	require.True(t, m.Allocate("r2", hashes, 9, hits))

	// THEN only one new block is used and the shared blocks carry two refs
	assert.Equal(t, int64(3), m.UsedBlocks(TierGPU))
	assert.Equal(t, int64(7), m.FreeBlocks(TierGPU))
	for _, b := range m.RequestBlocks("r2")[:2] {
		assert.Equal(t, 2, b.RefCount)
	}
	st := m.Stats()
	assert.Equal(t, int64(2), st.CacheHits)
	assert.Equal(t, int64(2), st.CacheMisses)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
}

func TestRelease_KeepsPrefixWarm(t *testing.T) {
	m := NewManager("i0", gpuOnly(10))
	hashes := []uint64{11, 12}
	require.True(t, m.Allocate("r1", hashes, 8, 0))

	m.Release("r1")

	assert.Equal(t, int64(0), m.UsedBlocks(TierGPU))
	assert.Equal(t, int64(10), m.FreeBlocks(TierGPU))
	assert.Equal(t, 2, m.GPUPrefixHits(hashes), "released prefix stays reusable")
}

func TestAllocate_ReusesLRUSlot_EvictsTailBlockFirst(t *testing.T) {
	// GIVEN a 4-block GPU where r1 cached [1,2] and released
	m := NewManager("i0", gpuOnly(4))
	var evicted []uint64
	m.OnEviction(func(h uint64) { evicted = append(evicted, h) })
	require.True(t, m.Allocate("r1", []uint64{1, 2}, 8, 0))
	m.Release("r1")

	// WHEN r2 needs three blocks
	require.True(t, m.Allocate("r2", []uint64{7, 8, 9}, 12, 0))

	// THEN the empty slots go first, then the tail of r1's prefix is evicted
	assert.Equal(t, []uint64{2}, evicted)
	assert.Equal(t, 1, m.GPUPrefixHits([]uint64{1, 2}))
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestAllocate_InsufficientHeadroom_NoSideEffects(t *testing.T) {
	m := NewManager("i0", gpuOnly(2))
	require.True(t, m.Allocate("r1", nil, 8, 0))

	ok := m.Allocate("r2", nil, 4, 0)

	assert.False(t, ok)
	assert.Equal(t, int64(2), m.UsedBlocks(TierGPU))
	assert.Equal(t, int64(0), m.HeldBlocks("r2"))
}

func TestAllocate_Growth_AddsBlocksForDecodedTokens(t *testing.T) {
	m := NewManager("i0", gpuOnly(4))
	require.True(t, m.Allocate("r1", nil, 4, 0))
	require.True(t, m.Allocate("r1", nil, 5, 0))
	assert.Equal(t, int64(2), m.HeldBlocks("r1"))
	require.True(t, m.Allocate("r1", nil, 8, 0))
	assert.Equal(t, int64(2), m.HeldBlocks("r1"), "second block still has room")
}

func TestEvict_DemotesToCPUWithHeadroom(t *testing.T) {
	// GIVEN GPU pressure with a CPU tier that has room
	m := NewManager("i0", tiered(4, 4))
	var evicted []uint64
	m.OnEviction(func(h uint64) { evicted = append(evicted, h) })
	require.True(t, m.Allocate("r1", []uint64{1, 2}, 8, 0))
	m.Release("r1")

	// WHEN r2's allocation reclaims the slot holding hash 2
	require.True(t, m.Allocate("r2", []uint64{7, 8, 9}, 12, 0))

	// THEN the content is offloaded to CPU instead of discarded
	assert.Empty(t, evicted)
	trs := m.TakeTransfers()
	require.Len(t, trs, 1)
	tr := trs[0]
	assert.Equal(t, TransferOffload, tr.Type)
	assert.Equal(t, TierGPU, tr.FromTier)
	assert.Equal(t, TierCPU, tr.ToTier)
	assert.Equal(t, []uint64{2}, tr.Hashes)
	assert.Equal(t, int64(11), tr.EstimatedCompletion)
	assert.Equal(t, int64(3), m.Headroom(TierCPU), "landing slot reserved")

	// WHEN the offload completes
	m.SetClock(11)
	m.Complete(tr.ID)

	// THEN the prefix is found in the lower tier
	assert.Equal(t, 1, m.LowerPrefixHits([]uint64{1, 2}, 1))
	assert.Equal(t, int64(4), m.Headroom(TierCPU))
	assert.Equal(t, int64(1), m.Stats().Demotions)
}

func TestReloadPrefix_ReturnsContentToGPU_CountsThrashing(t *testing.T) {
	m := NewManager("i0", tiered(4, 4))
	require.True(t, m.Allocate("r1", []uint64{1, 2}, 8, 0))
	m.Release("r1")
	require.True(t, m.Allocate("r2", []uint64{7, 8, 9}, 12, 0))
	m.Complete(m.TakeTransfers()[0].ID)
	m.Release("r2")

	// WHEN a request finds hash 2 in CPU shortly after its offload
	m.SetClock(100)
	tr := m.ReloadPrefix("r3", []uint64{1, 2}, 1)

	// THEN a reload transfer moves it back and thrashing is counted
	require.NotNil(t, tr)
	assert.Equal(t, TransferReload, tr.Type)
	assert.Equal(t, TierCPU, tr.FromTier)
	assert.Equal(t, int64(1), m.Stats().Thrashing)
	assert.Equal(t, 0, m.LowerPrefixHits([]uint64{2}, 0))

	m.TakeTransfers()
	m.Complete(tr.ID)
	assert.Equal(t, 1, m.GPUPrefixHits([]uint64{2}))
}

func TestReloadPrefix_KeepsGPUHitsOfTheSameRequest(t *testing.T) {
	tests := []struct {
		name   string
		cancel bool
	}{
		{name: "reload lands"},
		{name: "reload cancelled", cancel: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// GIVEN hash 1 cached on GPU at the head of the free list and hash 2 offloaded
			m := NewManager("i0", tiered(4, 4))
			require.True(t, m.Allocate("r1", []uint64{1, 2}, 8, 0))
			m.Release("r1")
			require.True(t, m.Allocate("r2", []uint64{7, 8, 9}, 12, 0))
			m.Complete(m.TakeTransfers()[0].ID)
			m.Release("r2")
			require.Equal(t, 1, m.GPUPrefixHits([]uint64{1, 2}))
			require.Equal(t, 1, m.LowerPrefixHits([]uint64{1, 2}, 1))

			// WHEN the request reloads hash 2 behind its GPU hit
			tr := m.ReloadPrefix("r3", []uint64{1, 2}, 1)
			require.NotNil(t, tr)
			m.TakeTransfers()

			// THEN the GPU hit is held while the reload is in flight
			assert.Equal(t, int64(1), m.UsedBlocks(TierGPU))
			assert.Equal(t, int64(2), m.Headroom(TierGPU))

			if tc.cancel {
				m.Cancel(tr.ID)
				m.Complete(tr.ID)
				// AND released on cancel with its content intact
				assert.Equal(t, int64(0), m.UsedBlocks(TierGPU))
				assert.Equal(t, 1, m.GPUPrefixHits([]uint64{1, 2}))
				return
			}
			m.Complete(tr.ID)

			// AND the landing evicts another block, leaving the whole prefix on GPU
			assert.Equal(t, 2, m.GPUPrefixHits([]uint64{1, 2}))
			assert.Equal(t, int64(0), m.UsedBlocks(TierGPU))
			assert.Equal(t, int64(4), m.Headroom(TierGPU))
		})
	}
}

func TestSwapOutSwapIn_RoundTrip(t *testing.T) {
	m := NewManager("i0", tiered(4, 4))
	require.True(t, m.Allocate("r1", nil, 12, 0))

	// WHEN r1 is swapped out
	out := m.SwapOut("r1")
	require.NotNil(t, out)
	assert.Equal(t, int64(0), m.UsedBlocks(TierGPU), "GPU slots free immediately")
	swapped, ready := m.IsSwapped("r1")
	assert.True(t, swapped)
	assert.False(t, ready)
	assert.Nil(t, m.SwapIn("r1"), "cannot reload before the offload lands")

	m.Complete(out.ID)
	_, ready = m.IsSwapped("r1")
	assert.True(t, ready)
	assert.Equal(t, int64(3), m.UsedBlocks(TierCPU))

	// WHEN swapped back in
	in := m.SwapIn("r1")
	require.NotNil(t, in)
	assert.Equal(t, int64(0), m.UsedBlocks(TierCPU))
	m.Complete(in.ID)

	// THEN the working set is back on GPU
	assert.Equal(t, int64(3), m.HeldBlocks("r1"))
	swapped, _ = m.IsSwapped("r1")
	assert.False(t, swapped)
	st := m.Stats()
	assert.Equal(t, int64(1), st.SwapOuts)
	assert.Equal(t, int64(1), st.SwapIns)
	assert.Equal(t, int64(3), st.Thrashing)
}

func TestSwapOut_NoLowerTier_ReturnsNil(t *testing.T) {
	m := NewManager("i0", gpuOnly(4))
	require.True(t, m.Allocate("r1", nil, 8, 0))
	assert.Nil(t, m.SwapOut("r1"))
	assert.Equal(t, int64(2), m.HeldBlocks("r1"))
}

func TestForget_CancelsInFlightSwap(t *testing.T) {
	m := NewManager("i0", tiered(4, 4))
	require.True(t, m.Allocate("r1", nil, 8, 0))
	out := m.SwapOut("r1")
	require.NotNil(t, out)

	m.Forget("r1")

	assert.Equal(t, int64(4), m.Headroom(TierCPU))
	assert.Equal(t, int64(1), m.Stats().Cancelled)
	assert.NotPanics(t, func() { m.Complete(out.ID) })
	assert.Equal(t, int64(0), m.UsedBlocks(TierCPU))
}

func TestHandoff_SingleOwnership(t *testing.T) {
	// GIVEN a prefill instance holding r1's prompt blocks
	src := NewManager("p0", gpuOnly(4))
	dst := NewManager("d0", gpuOnly(4))
	require.True(t, src.Allocate("r1", []uint64{5, 6}, 8, 0))

	// WHEN the handoff starts
	tr := src.BeginHandoff("r1", "d0", Link{BandwidthBlocksPerTick: 2, BaseLatency: 5})

	// THEN source blocks are Transferring and the duration follows the link
	assert.Equal(t, int64(6), tr.Duration())
	for _, id := range tr.BlockIDs {
		assert.Equal(t, StateTransferring, src.Block(id).State)
	}

	// WHEN it completes on both sides
	require.True(t, dst.ReceiveHandoff("r1", tr.Hashes, false))
	src.CompleteHandoff(tr.ID)

	// THEN the source copy is Transferred and freed; the decode copy is Local
	for _, id := range tr.BlockIDs {
		assert.Equal(t, StateTransferred, src.Block(id).State)
	}
	assert.Equal(t, int64(0), src.UsedBlocks(TierGPU))
	for _, b := range dst.RequestBlocks("r1") {
		assert.Equal(t, StateLocal, b.State)
	}
	assert.Equal(t, 2, dst.GPUPrefixHits([]uint64{5, 6}))
}

func TestReceiveHandoff_Pipelined_LocalAfterFinish(t *testing.T) {
	dst := NewManager("d0", gpuOnly(4))
	require.True(t, dst.ReceiveHandoff("r1", []uint64{5, 6}, true))
	for _, b := range dst.RequestBlocks("r1") {
		assert.Equal(t, StateTransferring, b.State)
	}
	assert.Equal(t, 0, dst.GPUPrefixHits([]uint64{5}))

	dst.FinishReceive("r1")

	for _, b := range dst.RequestBlocks("r1") {
		assert.Equal(t, StateLocal, b.State)
	}
	assert.Equal(t, 2, dst.GPUPrefixHits([]uint64{5, 6}))
}

func TestReceiveHandoff_NoHeadroom_False(t *testing.T) {
	dst := NewManager("d0", gpuOnly(1))
	assert.False(t, dst.ReceiveHandoff("r1", []uint64{5, 6}, false))
	assert.Equal(t, int64(0), dst.UsedBlocks(TierGPU))
}

func TestFits_Unservable(t *testing.T) {
	m := NewManager("i0", gpuOnly(2))
	assert.True(t, m.Fits(8))
	assert.False(t, m.Fits(9))
}

func TestCheckConservation_CorruptCounter_Panics(t *testing.T) {
	m := NewManager("i0", gpuOnly(2))
	m.tiers[TierGPU].free++
	assert.Panics(t, m.CheckConservation)
}

func TestConfig_Validate(t *testing.T) {
	link := Link{BandwidthBlocksPerTick: 1}
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid gpu only", Config{BlockSizeTokens: 16, GPUBlocks: 10}, false},
		{"valid three tiers", Config{BlockSizeTokens: 16, GPUBlocks: 10, CPUBlocks: 10, StorageBlocks: 10, GPUCPULink: link, CPUStorageLink: link}, false},
		{"zero block size", Config{GPUBlocks: 10}, true},
		{"zero gpu", Config{BlockSizeTokens: 16}, true},
		{"storage without cpu", Config{BlockSizeTokens: 16, GPUBlocks: 1, StorageBlocks: 1, CPUStorageLink: link}, true},
		{"cpu without bandwidth", Config{BlockSizeTokens: 16, GPUBlocks: 1, CPUBlocks: 1}, true},
		{"negative thrash window", Config{BlockSizeTokens: 16, GPUBlocks: 1, ThrashWindow: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLink_Duration(t *testing.T) {
	l := Link{BandwidthBlocksPerTick: 0.5, BaseLatency: 3}
	assert.Equal(t, int64(3), l.Duration(0))
	assert.Equal(t, int64(5), l.Duration(1))
	assert.Equal(t, int64(9), l.Duration(3))
}
