package kv

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/blis/sim/internal/util"
)

// Stats counts KV activity on one instance. Block-granular unless noted.
type Stats struct {
	CacheHits       int64
	CacheMisses     int64
	Evictions       int64 // prefix content discarded from the instance
	Demotions       int64 // prefix content moved down a tier on eviction
	OffloadedBlocks int64
	ReloadedBlocks  int64
	Thrashing       int64 // reloads within ThrashWindow of the offload
	SwapOuts        int64 // requests
	SwapIns         int64 // requests
	Cancelled       int64 // transfers
	HandoffsOut     int64 // requests
	HandoffsIn      int64 // requests
	PeakGPUUsed     int64
}

// HitRate returns CacheHits / (CacheHits + CacheMisses), or 0.
func (s Stats) HitRate() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// ThrashingRate returns the fraction of offloaded blocks reloaded within the
// thrash window.
func (s Stats) ThrashingRate() float64 {
	if s.OffloadedBlocks == 0 {
		return 0
	}
	return float64(s.Thrashing) / float64(s.OffloadedBlocks)
}

type swapRecord struct {
	transfer     *Transfer
	tier         Tier
	hashes       []uint64
	blocks       []*Block // lower-tier slots once the offload landed
	ready        bool
	offloadStart int64
}

// Manager is the KV cache tier manager of one instance.
// Not thread-safe: owned by the instance and driven by the cluster event loop.
type Manager struct {
	instance string
	cfg      Config
	tiers    [numTiers]*tier

	reqBlocks map[string][]*Block // GPU blocks held per request, in token order
	swapped   map[string]*swapRecord
	receiving map[string][]uint64 // decode side: hashes of a handoff still arriving
	transfers map[int64]*Transfer
	reloading map[int64][]*Block // GPU hit blocks held while a prefix reload is in flight
	outbox    []*Transfer
	demote    [numTiers][]uint64

	nextTransferID int64
	clock          int64
	stats          Stats
	evictHook      func(hash uint64)
}

// NewManager creates the tiers described by cfg for the named instance.
// Panics on an invalid config; callers validate configs up front.
func NewManager(instance string, cfg Config) *Manager {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("kv.NewManager(%s): %v", instance, err))
	}
	if cfg.ThrashWindow == 0 {
		cfg.ThrashWindow = DefaultThrashWindow
	}
	m := &Manager{
		instance:  instance,
		cfg:       cfg,
		reqBlocks: make(map[string][]*Block),
		swapped:   make(map[string]*swapRecord),
		receiving: make(map[string][]uint64),
		transfers: make(map[int64]*Transfer),
		reloading: make(map[int64][]*Block),
	}
	var next int64
	for t := TierGPU; t < numTiers; t++ {
		if c := cfg.Capacity(t); c > 0 {
			m.tiers[t] = newTier(t, c, next, instance)
			next += c
		}
	}
	return m
}

// Instance returns the owning instance ID.
func (m *Manager) Instance() string { return m.instance }

// SetClock synchronises the manager with simulation time.
func (m *Manager) SetClock(now int64) { m.clock = now }

// OnEviction registers a callback fired when prefix content leaves the
// instance entirely.
func (m *Manager) OnEviction(fn func(hash uint64)) { m.evictHook = fn }

// BlockSize returns tokens per block.
func (m *Manager) BlockSize() int64 { return m.cfg.BlockSizeTokens }

// HasTier reports whether tier t is configured.
func (m *Manager) HasTier(t Tier) bool { return t >= 0 && t < numTiers && m.tiers[t] != nil }

// TotalBlocks returns the slot count of tier t (0 if absent).
func (m *Manager) TotalBlocks(t Tier) int64 {
	if !m.HasTier(t) {
		return 0
	}
	return m.tiers[t].total()
}

// UsedBlocks returns the allocated (pinned) slots of tier t.
func (m *Manager) UsedBlocks(t Tier) int64 {
	if !m.HasTier(t) {
		return 0
	}
	return m.tiers[t].used()
}

// FreeBlocks returns the free slots of tier t, including slots with
// reclaimable cached content.
func (m *Manager) FreeBlocks(t Tier) int64 {
	if !m.HasTier(t) {
		return 0
	}
	return m.tiers[t].free
}

// Headroom returns free slots of tier t not reserved by in-flight transfers.
func (m *Manager) Headroom(t Tier) int64 {
	if !m.HasTier(t) {
		return 0
	}
	return m.tiers[t].headroom()
}

// Utilization returns used/total for tier t.
func (m *Manager) Utilization(t Tier) float64 {
	if !m.HasTier(t) {
		return 0
	}
	tt := m.tiers[t]
	return float64(tt.used()) / float64(tt.total())
}

// Utilizations returns per-tier utilisation keyed by tier name.
func (m *Manager) Utilizations() map[string]float64 {
	out := make(map[string]float64, numTiers)
	for t := TierGPU; t < numTiers; t++ {
		if m.tiers[t] != nil {
			out[t.String()] = m.Utilization(t)
		}
	}
	return out
}

// Stats returns a copy of the counters.
func (m *Manager) Stats() Stats { return m.stats }

// BlocksFor returns the blocks needed to hold n tokens.
func (m *Manager) BlocksFor(tokens int64) int64 {
	return util.CeilDiv(tokens, m.cfg.BlockSizeTokens)
}

// Fits reports whether a request of totalTokens can ever be held by the GPU
// tier. Requests that do not fit are unservable.
func (m *Manager) Fits(totalTokens int64) bool {
	return m.BlocksFor(totalTokens) <= m.tiers[TierGPU].total()
}

// Block returns the slot with the given ID, or nil.
func (m *Manager) Block(id int64) *Block {
	for t := TierGPU; t < numTiers; t++ {
		tt := m.tiers[t]
		if tt == nil {
			continue
		}
		first := tt.blocks[0].ID
		if id >= first && id < first+tt.total() {
			return tt.blocks[id-first]
		}
	}
	return nil
}

// RequestBlocks returns the GPU blocks held by reqID.
func (m *Manager) RequestBlocks(reqID string) []*Block {
	return append([]*Block(nil), m.reqBlocks[reqID]...)
}

// HeldBlocks returns the number of GPU blocks held by reqID.
func (m *Manager) HeldBlocks(reqID string) int64 {
	return int64(len(m.reqBlocks[reqID]))
}

// GPUPrefixHits returns how many leading hashes are cached in the GPU tier.
func (m *Manager) GPUPrefixHits(hashes []uint64) int {
	gpu := m.tiers[TierGPU]
	n := 0
	for _, h := range hashes {
		if _, ok := gpu.index[h]; !ok {
			break
		}
		n++
	}
	return n
}

// LowerPrefixHits returns how many consecutive hashes starting at skip are
// cached in a lower tier.
func (m *Manager) LowerPrefixHits(hashes []uint64, skip int) int {
	n := 0
	for i := skip; i < len(hashes); i++ {
		if m.lowerLookup(hashes[i]) == nil {
			break
		}
		n++
	}
	return n
}

// Resident reports whether any tier caches hash.
func (m *Manager) Resident(hash uint64) bool {
	for t := TierGPU; t < numTiers; t++ {
		if tt := m.tiers[t]; tt != nil {
			if _, ok := tt.index[hash]; ok {
				return true
			}
		}
	}
	return false
}

func (m *Manager) lowerLookup(hash uint64) *Block {
	for t := TierCPU; t < numTiers; t++ {
		if tt := m.tiers[t]; tt != nil {
			if b, ok := tt.index[hash]; ok {
				return b
			}
		}
	}
	return nil
}

// TakeTransfers returns and clears the transfers started since the last call.
// The caller schedules their completion.
func (m *Manager) TakeTransfers() []*Transfer {
	out := m.outbox
	m.outbox = nil
	return out
}

// PendingTransfers returns the number of transfers not yet completed.
func (m *Manager) PendingTransfers() int { return len(m.transfers) }

// Allocate makes reqID hold enough GPU blocks to cover tokens [0, endIndex).
// On the request's first allocation its leading cachedHits blocks are shared
// from the prefix cache. New blocks come from the LRU head of the free list,
// evicting (or demoting) whatever content they cached. Returns false without
// side effects when the GPU tier lacks headroom.
func (m *Manager) Allocate(reqID string, hashes []uint64, endIndex int64, cachedHits int) bool {
	gpu := m.tiers[TierGPU]
	held := m.reqBlocks[reqID]
	first := len(held) == 0

	var hits []*Block
	if first && cachedHits > 0 {
		if cachedHits > len(hashes) {
			panic(fmt.Sprintf("kv.Allocate(%s): %d cached hits exceed %d hashes", reqID, cachedHits, len(hashes)))
		}
		for i := 0; i < cachedHits; i++ {
			b, ok := gpu.index[hashes[i]]
			if !ok {
				panic(fmt.Sprintf("kv.Allocate(%s): cached block %d not resident", reqID, i))
			}
			hits = append(hits, b)
		}
	}

	need := max(0, m.BlocksFor(endIndex)-int64(len(held)+len(hits)))
	var freeHits int64
	for _, b := range hits {
		if !b.pinned {
			freeHits++
		}
	}
	if gpu.headroom() < need+freeHits {
		return false
	}

	for _, b := range hits {
		if !b.pinned {
			gpu.pin(b)
		}
		b.RefCount++
		b.Owner = reqID
	}
	held = append(held, hits...)
	held = append(held, m.take(gpu, need, reqID)...)

	bs := m.cfg.BlockSizeTokens
	for i, b := range held {
		b.LastAccess = m.clock
		if filled := min(bs, endIndex-int64(i)*bs); filled > b.Size {
			b.Size = filled
		}
		if b.PrefixHash == 0 && i < len(hashes) && int64(i+1)*bs <= endIndex {
			gpu.setContent(b, hashes[i])
		}
	}
	m.reqBlocks[reqID] = held

	if first {
		m.stats.CacheHits += int64(len(hits))
		m.stats.CacheMisses += int64(max(0, len(hashes)-len(hits)))
	}
	m.settle()
	return true
}

// take pins n slots from the head of t's free list for owner.
func (m *Manager) take(t *tier, n int64, owner string) []*Block {
	out := make([]*Block, 0, n)
	for i := int64(0); i < n; i++ {
		b := t.head
		if b == nil {
			panic(fmt.Sprintf("kv: %s/%s free list exhausted", m.instance, t.kind))
		}
		m.evict(t, b)
		t.pin(b)
		b.RefCount = 1
		b.Owner = owner
		b.State = StateLocal
		b.LastAccess = m.clock
		out = append(out, b)
	}
	return out
}

// evict clears b's cached content, demoting it one tier down when enabled and
// possible.
func (m *Manager) evict(t *tier, b *Block) {
	if b.PrefixHash == 0 {
		b.Size = 0
		return
	}
	hash := b.PrefixHash
	t.dropContent(b)
	if m.cfg.DemoteOnEvict && t.kind+1 < numTiers {
		if dest := m.tiers[t.kind+1]; dest != nil {
			if _, cached := dest.index[hash]; cached {
				return
			}
			if dest.headroom() > 0 {
				dest.inbound++
				m.demote[dest.kind] = append(m.demote[dest.kind], hash)
				m.stats.Demotions++
				return
			}
		}
	}
	m.stats.Evictions++
	if m.evictHook != nil && !m.Resident(hash) {
		m.evictHook(hash)
	}
}

// Release drops reqID's references in reverse order. Blocks whose count
// reaches zero return to the free list; those with prefix content at the tail
// (kept warm), the rest at the head.
func (m *Manager) Release(reqID string) {
	blocks := m.reqBlocks[reqID]
	delete(m.reqBlocks, reqID)
	gpu := m.tiers[TierGPU]
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		b.RefCount--
		if b.RefCount > 0 {
			continue
		}
		b.State = StateLocal
		warm := b.PrefixHash != 0
		if !warm {
			b.Size = 0
		}
		gpu.unpin(b, warm)
	}
	m.settle()
}

// Forget removes every trace of reqID: held GPU blocks, a swapped working set
// and its in-flight transfer.
func (m *Manager) Forget(reqID string) {
	m.Release(reqID)
	delete(m.receiving, reqID)
	rec, ok := m.swapped[reqID]
	if !ok {
		return
	}
	delete(m.swapped, reqID)
	if rec.ready {
		lower := m.tiers[rec.tier]
		for _, b := range rec.blocks {
			lower.dropContent(b)
			lower.unpin(b, false)
		}
	} else if rec.transfer != nil {
		m.Cancel(rec.transfer.ID)
	}
	m.settle()
}

// SwapOut moves reqID's GPU working set to the first lower tier with room.
// The GPU slots are free on return; the request is parked until SwapIn.
// Returns nil if no lower tier can take the blocks.
func (m *Manager) SwapOut(reqID string) *Transfer {
	blocks := m.reqBlocks[reqID]
	if len(blocks) == 0 {
		return nil
	}
	n := int64(len(blocks))
	var dest *tier
	for t := TierCPU; t < numTiers; t++ {
		if tt := m.tiers[t]; tt != nil && tt.headroom() >= n {
			dest = tt
			break
		}
	}
	if dest == nil {
		return nil
	}

	ids := make([]int64, n)
	hashes := make([]uint64, n)
	for i, b := range blocks {
		ids[i] = b.ID
		hashes[i] = b.PrefixHash
	}
	dest.inbound += n

	gpu := m.tiers[TierGPU]
	delete(m.reqBlocks, reqID)
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		b.RefCount--
		if b.RefCount == 0 {
			gpu.dropContent(b)
			gpu.unpin(b, false)
		}
	}

	tr := m.newTransfer(TransferOffload, reqID, ids, hashes, TierGPU, dest.kind)
	tr.swap = true
	m.swapped[reqID] = &swapRecord{transfer: tr, tier: dest.kind, hashes: hashes, offloadStart: m.clock}
	m.stats.SwapOuts++
	m.stats.OffloadedBlocks += n
	logrus.Debugf("[tick %07d] kv %s: swapped out %s (%d blocks to %s)", m.clock, m.instance, reqID, n, dest.kind)
	m.settle()
	return tr
}

// IsSwapped reports whether reqID is parked in a lower tier, and whether its
// working set has landed there (ready to swap in).
func (m *Manager) IsSwapped(reqID string) (swapped, ready bool) {
	rec, ok := m.swapped[reqID]
	if !ok {
		return false, false
	}
	return true, rec.ready
}

// SwapIn starts reloading a landed working set into the GPU tier.
// Returns nil if the request is not ready or the GPU lacks headroom.
func (m *Manager) SwapIn(reqID string) *Transfer {
	rec, ok := m.swapped[reqID]
	if !ok || !rec.ready {
		return nil
	}
	gpu := m.tiers[TierGPU]
	n := int64(len(rec.hashes))
	if gpu.headroom() < n {
		return nil
	}
	gpu.inbound += n

	lower := m.tiers[rec.tier]
	ids := make([]int64, 0, n)
	for _, b := range rec.blocks {
		ids = append(ids, b.ID)
		lower.dropContent(b)
		b.Owner = ""
		lower.unpin(b, false)
	}
	if m.clock-rec.offloadStart < m.cfg.ThrashWindow {
		m.stats.Thrashing += n
	}

	tr := m.newTransfer(TransferReload, reqID, ids, rec.hashes, rec.tier, TierGPU)
	tr.swap = true
	rec.transfer = tr
	rec.ready = false
	rec.blocks = nil
	m.stats.SwapIns++
	m.stats.ReloadedBlocks += n
	m.settle()
	return tr
}

// ReloadPrefix starts moving the lower-tier prefix blocks hashes[skip:] (as
// far as they are consecutive and fit) into the GPU tier as cached content.
// The GPU blocks of hashes[:skip] stay held until the reload lands or is
// cancelled. Returns nil if nothing can be reloaded.
func (m *Manager) ReloadPrefix(reqID string, hashes []uint64, skip int) *Transfer {
	gpu := m.tiers[TierGPU]
	held := m.holdPrefix(hashes[:skip])
	if len(held) < skip {
		m.releasePrefix(held)
		return nil
	}
	room := gpu.headroom()
	var found []*Block
	for i := skip; i < len(hashes) && int64(len(found)) < room; i++ {
		b := m.lowerLookup(hashes[i])
		if b == nil {
			break
		}
		found = append(found, b)
	}
	if len(found) == 0 {
		m.releasePrefix(held)
		return nil
	}

	n := int64(len(found))
	from := TierCPU
	ids := make([]int64, n)
	moved := make([]uint64, n)
	for i, b := range found {
		t := m.tiers[b.Tier]
		if b.offloadedAt >= 0 && m.clock-b.offloadedAt < m.cfg.ThrashWindow {
			m.stats.Thrashing++
		}
		ids[i] = b.ID
		moved[i] = b.PrefixHash
		from = max(from, b.Tier)
		t.dropContent(b)
		t.unlink(b)
		t.pushHead(b)
	}
	gpu.inbound += n

	tr := m.newTransfer(TransferReload, reqID, ids, moved, from, TierGPU)
	if len(held) > 0 {
		m.reloading[tr.ID] = held
	}
	m.stats.ReloadedBlocks += n
	m.settle()
	return tr
}

// holdPrefix pins the GPU blocks caching hashes, in order, stopping at the
// first one that is missing or would take a slot promised to a transfer.
func (m *Manager) holdPrefix(hashes []uint64) []*Block {
	gpu := m.tiers[TierGPU]
	held := make([]*Block, 0, len(hashes))
	for _, h := range hashes {
		b, ok := gpu.index[h]
		if !ok || (!b.pinned && gpu.headroom() <= 0) {
			break
		}
		if !b.pinned {
			gpu.pin(b)
		}
		b.RefCount++
		held = append(held, b)
	}
	return held
}

// releasePrefix undoes holdPrefix, tail first so the leading blocks stay
// warmest.
func (m *Manager) releasePrefix(held []*Block) {
	gpu := m.tiers[TierGPU]
	for i := len(held) - 1; i >= 0; i-- {
		b := held[i]
		b.RefCount--
		if b.RefCount == 0 {
			gpu.unpin(b, true)
		}
	}
}

// Cancel abandons an in-flight transfer and releases its reservation.
// Completing a cancelled transfer is a no-op.
func (m *Manager) Cancel(id int64) {
	tr, ok := m.transfers[id]
	if !ok || tr.Cancelled {
		return
	}
	tr.Cancelled = true
	m.stats.Cancelled++
	switch tr.Type {
	case TransferHandoff:
		for _, b := range m.reqBlocks[tr.RequestID] {
			if b.State == StateTransferring {
				b.State = StateLocal
			}
		}
	default:
		m.tiers[tr.ToTier].inbound -= tr.Blocks()
		m.releasePrefix(m.reloading[id])
		delete(m.reloading, id)
	}
	m.settle()
}

// Complete lands a local transfer (offload or reload).
// Panics on an unknown ID or on a handoff (see CompleteHandoff).
func (m *Manager) Complete(id int64) *Transfer {
	tr, ok := m.transfers[id]
	if !ok {
		panic(fmt.Sprintf("kv %s: completion of unknown transfer %d", m.instance, id))
	}
	delete(m.transfers, id)
	if tr.Cancelled {
		return tr
	}
	switch {
	case tr.Type == TransferHandoff:
		panic(fmt.Sprintf("kv %s: handoff %d must complete through CompleteHandoff", m.instance, id))
	case tr.Type == TransferOffload && tr.swap:
		m.landSwapOut(tr)
	case tr.Type == TransferOffload:
		m.landDemotion(tr)
	case tr.Type == TransferReload && tr.swap:
		m.landSwapIn(tr)
	default:
		m.landPrefix(tr)
	}
	m.settle()
	return tr
}

func (m *Manager) landSwapOut(tr *Transfer) {
	dest := m.tiers[tr.ToTier]
	n := tr.Blocks()
	dest.inbound -= n
	rec := m.swapped[tr.RequestID]
	blocks := m.take(dest, n, tr.RequestID)
	for _, b := range blocks {
		b.Size = m.cfg.BlockSizeTokens
	}
	rec.blocks = blocks
	rec.ready = true
}

func (m *Manager) landSwapIn(tr *Transfer) {
	gpu := m.tiers[TierGPU]
	n := tr.Blocks()
	gpu.inbound -= n
	blocks := m.take(gpu, n, tr.RequestID)
	for i, b := range blocks {
		b.Size = m.cfg.BlockSizeTokens
		gpu.setContent(b, tr.Hashes[i])
	}
	m.reqBlocks[tr.RequestID] = blocks
	delete(m.swapped, tr.RequestID)
}

// landDemotion stores demoted prefix content in the destination tier as free,
// reusable slots.
func (m *Manager) landDemotion(tr *Transfer) {
	dest := m.tiers[tr.ToTier]
	dest.inbound -= tr.Blocks()
	m.landContent(dest, tr.Hashes, true)
}

func (m *Manager) landPrefix(tr *Transfer) {
	gpu := m.tiers[TierGPU]
	gpu.inbound -= tr.Blocks()
	m.landContent(gpu, tr.Hashes, false)
	m.releasePrefix(m.reloading[tr.ID])
	delete(m.reloading, tr.ID)
}

func (m *Manager) landContent(t *tier, hashes []uint64, demoted bool) {
	for _, h := range hashes {
		if h == 0 {
			continue
		}
		if _, ok := t.index[h]; ok {
			continue
		}
		b := t.head
		m.evict(t, b)
		t.unlink(b)
		t.setContent(b, h)
		b.Size = m.cfg.BlockSizeTokens
		b.LastAccess = m.clock
		if demoted {
			b.offloadedAt = m.clock
		}
		t.pushTail(b)
	}
}

// BeginHandoff starts moving reqID's GPU blocks to another instance over link.
// Exclusively held blocks are marked Transferring; the source keeps them until
// CompleteHandoff.
func (m *Manager) BeginHandoff(reqID, toInstance string, link Link) *Transfer {
	blocks := m.reqBlocks[reqID]
	if len(blocks) == 0 {
		panic(fmt.Sprintf("kv %s: handoff of %s with no blocks", m.instance, reqID))
	}
	ids := make([]int64, len(blocks))
	hashes := make([]uint64, len(blocks))
	for i, b := range blocks {
		ids[i] = b.ID
		hashes[i] = b.PrefixHash
		if b.RefCount == 1 {
			b.State = StateTransferring
		}
	}
	m.nextTransferID++
	tr := &Transfer{
		ID:                  m.nextTransferID,
		Type:                TransferHandoff,
		RequestID:           reqID,
		BlockIDs:            ids,
		Hashes:              hashes,
		FromTier:            TierGPU,
		ToTier:              TierGPU,
		FromInstance:        m.instance,
		ToInstance:          toInstance,
		Start:               m.clock,
		EstimatedCompletion: m.clock + link.Duration(int64(len(blocks))),
	}
	m.transfers[tr.ID] = tr
	m.stats.HandoffsOut++
	return tr
}

// CompleteHandoff finishes the source side of a handoff: the request's
// exclusive blocks become Transferred and their slots are freed.
func (m *Manager) CompleteHandoff(id int64) *Transfer {
	tr, ok := m.transfers[id]
	if !ok || tr.Type != TransferHandoff {
		panic(fmt.Sprintf("kv %s: unknown handoff %d", m.instance, id))
	}
	delete(m.transfers, id)
	if tr.Cancelled {
		return tr
	}
	gpu := m.tiers[TierGPU]
	blocks := m.reqBlocks[tr.RequestID]
	delete(m.reqBlocks, tr.RequestID)
	for i := len(blocks) - 1; i >= 0; i-- {
		b := blocks[i]
		b.RefCount--
		if b.RefCount > 0 {
			b.State = StateLocal
			continue
		}
		gpu.dropContent(b)
		b.Owner = ""
		gpu.unpin(b, false)
		b.State = StateTransferred
	}
	m.settle()
	return tr
}

// ReceiveHandoff allocates the decode-side blocks of a handoff. When arriving
// is true the blocks are still Transferring (pipelined start) until
// FinishReceive. Returns false if the GPU tier lacks headroom.
func (m *Manager) ReceiveHandoff(reqID string, hashes []uint64, arriving bool) bool {
	gpu := m.tiers[TierGPU]
	n := int64(len(hashes))
	if gpu.headroom() < n {
		return false
	}
	if len(m.reqBlocks[reqID]) > 0 {
		panic(fmt.Sprintf("kv %s: handoff into %s which already holds blocks", m.instance, reqID))
	}
	blocks := m.take(gpu, n, reqID)
	for i, b := range blocks {
		b.Size = m.cfg.BlockSizeTokens
		if arriving {
			b.State = StateTransferring
		} else {
			gpu.setContent(b, hashes[i])
		}
	}
	m.reqBlocks[reqID] = blocks
	if arriving {
		m.receiving[reqID] = hashes
	}
	m.stats.HandoffsIn++
	m.settle()
	return true
}

// FinishReceive marks a pipelined handoff's blocks Local.
func (m *Manager) FinishReceive(reqID string) {
	hashes, ok := m.receiving[reqID]
	if !ok {
		return
	}
	delete(m.receiving, reqID)
	gpu := m.tiers[TierGPU]
	for i, b := range m.reqBlocks[reqID] {
		b.State = StateLocal
		if i < len(hashes) {
			gpu.setContent(b, hashes[i])
		}
	}
}

func (m *Manager) newTransfer(typ TransferType, reqID string, ids []int64, hashes []uint64, from, to Tier) *Transfer {
	m.nextTransferID++
	tr := &Transfer{
		ID:                  m.nextTransferID,
		Type:                typ,
		RequestID:           reqID,
		BlockIDs:            ids,
		Hashes:              hashes,
		FromTier:            from,
		ToTier:              to,
		FromInstance:        m.instance,
		ToInstance:          m.instance,
		Start:               m.clock,
		EstimatedCompletion: m.clock + m.pathDuration(from, to, int64(len(hashes))),
	}
	m.transfers[tr.ID] = tr
	m.outbox = append(m.outbox, tr)
	return tr
}

// pathDuration sums hop durations between two tiers.
func (m *Manager) pathDuration(from, to Tier, n int64) int64 {
	if from > to {
		from, to = to, from
	}
	var d int64
	for t := from; t < to; t++ {
		switch t {
		case TierGPU:
			d += m.cfg.GPUCPULink.Duration(n)
		case TierCPU:
			d += m.cfg.CPUStorageLink.Duration(n)
		}
	}
	return d
}

// flushDemotions turns pending demotions into one transfer per destination.
func (m *Manager) flushDemotions() {
	for t := TierCPU; t < numTiers; t++ {
		hashes := m.demote[t]
		if len(hashes) == 0 {
			continue
		}
		m.demote[t] = nil
		tr := m.newTransfer(TransferOffload, "", nil, hashes, t-1, t)
		m.stats.OffloadedBlocks += tr.Blocks()
	}
}

// settle flushes side effects and verifies accounting after every mutation.
func (m *Manager) settle() {
	m.flushDemotions()
	if used := m.tiers[TierGPU].used(); used > m.stats.PeakGPUUsed {
		m.stats.PeakGPUUsed = used
	}
	m.CheckConservation()
}

// CheckConservation panics if allocated + free != total on any tier.
func (m *Manager) CheckConservation() {
	for t := TierGPU; t < numTiers; t++ {
		if tt := m.tiers[t]; tt != nil {
			tt.check(m.instance)
		}
	}
}
