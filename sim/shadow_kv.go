package sim

import (
	"container/list"
	"sort"
)

// DefaultShadowCapacity is the number of block hashes tracked per instance
// when the instance's real capacity is not registered.
// 10,000 blocks × 16 tokens/block = 160K tokens.
const DefaultShadowCapacity = 10000

type shadowInstance struct {
	gpuBlocks int
	capacity  int
	order     *list.List // front = most recently used
	entries   map[uint64]*list.Element
}

// ShadowKV is the router's predicted KV state: which prefix blocks each
// instance holds, in which LRU order they will be evicted, and how full the
// instance's tiers are. It changes only on router-visible events (routing
// decisions, reported evictions, reported transfers) and is never reconciled
// against the instances. Divergence is left for the caller to observe.
type ShadowKV struct {
	defaultCapacity int
	instances       map[string]*shadowInstance
}

// NewShadowKV creates an empty shadow. defaultCapacity bounds instances that
// were never registered; <= 0 selects DefaultShadowCapacity.
func NewShadowKV(defaultCapacity int) *ShadowKV {
	if defaultCapacity <= 0 {
		defaultCapacity = DefaultShadowCapacity
	}
	return &ShadowKV{
		defaultCapacity: defaultCapacity,
		instances:       make(map[string]*shadowInstance),
	}
}

// RegisterInstance sets the predicted capacity of an instance: gpuBlocks in
// the GPU tier, lowerBlocks across CPU and storage.
func (s *ShadowKV) RegisterInstance(id string, gpuBlocks, lowerBlocks int64) {
	inst := s.instance(id)
	inst.gpuBlocks = int(gpuBlocks)
	inst.capacity = int(gpuBlocks + lowerBlocks)
	s.trim(inst)
}

// RemoveInstance forgets everything predicted for id.
func (s *ShadowKV) RemoveInstance(id string) {
	delete(s.instances, id)
}

func (s *ShadowKV) instance(id string) *shadowInstance {
	inst, ok := s.instances[id]
	if !ok {
		inst = &shadowInstance{
			gpuBlocks: s.defaultCapacity,
			capacity:  s.defaultCapacity,
			order:     list.New(),
			entries:   make(map[uint64]*list.Element),
		}
		s.instances[id] = inst
	}
	return inst
}

func (s *ShadowKV) trim(inst *shadowInstance) {
	for inst.order.Len() > inst.capacity {
		oldest := inst.order.Back()
		inst.order.Remove(oldest)
		delete(inst.entries, oldest.Value.(uint64))
	}
}

// RecordRouting records that hashes are (or will be) resident on instanceID.
// Called after every routing decision. Like an instance releasing a request,
// the chain is touched tail first, so its leading blocks are evicted last.
func (s *ShadowKV) RecordRouting(instanceID string, hashes []uint64) {
	inst := s.instance(instanceID)
	for i := len(hashes) - 1; i >= 0; i-- {
		h := hashes[i]
		if el, ok := inst.entries[h]; ok {
			inst.order.MoveToFront(el)
			continue
		}
		inst.entries[h] = inst.order.PushFront(h)
	}
	s.trim(inst)
}

// ReportEviction removes a hash an instance reported as evicted.
func (s *ShadowKV) ReportEviction(instanceID string, hash uint64) {
	inst, ok := s.instances[instanceID]
	if !ok {
		return
	}
	if el, ok := inst.entries[hash]; ok {
		inst.order.Remove(el)
		delete(inst.entries, hash)
	}
}

// ReportTransfer moves hashes from one instance's prediction to another's.
func (s *ShadowKV) ReportTransfer(from, to string, hashes []uint64) {
	for _, h := range hashes {
		s.ReportEviction(from, h)
	}
	s.RecordRouting(to, hashes)
}

// Contains reports whether hash is predicted resident on instanceID.
func (s *ShadowKV) Contains(instanceID string, hash uint64) bool {
	inst, ok := s.instances[instanceID]
	if !ok {
		return false
	}
	_, found := inst.entries[hash]
	return found
}

// MatchLength returns the count of leading hashes predicted resident.
func (s *ShadowKV) MatchLength(instanceID string, hashes []uint64) int {
	inst, ok := s.instances[instanceID]
	if !ok {
		return 0
	}
	n := 0
	for _, h := range hashes {
		if _, found := inst.entries[h]; !found {
			break
		}
		n++
	}
	return n
}

// PredictHit reports whether at least the first block is predicted resident.
func (s *ShadowKV) PredictHit(instanceID string, hashes []uint64) bool {
	return len(hashes) > 0 && s.MatchLength(instanceID, hashes) > 0
}

// Utilization returns tracked blocks over the predicted GPU capacity, capped at 1.
func (s *ShadowKV) Utilization(instanceID string) float64 {
	inst, ok := s.instances[instanceID]
	if !ok || inst.gpuBlocks <= 0 {
		return 0
	}
	return min(1.0, float64(inst.order.Len())/float64(inst.gpuBlocks))
}

// LowerTierUtilization returns the predicted share of lower-tier capacity
// holding blocks that overflowed the GPU tier.
func (s *ShadowKV) LowerTierUtilization(instanceID string) float64 {
	inst, ok := s.instances[instanceID]
	if !ok || inst.capacity <= inst.gpuBlocks {
		return 0
	}
	overflow := inst.order.Len() - inst.gpuBlocks
	if overflow <= 0 {
		return 0
	}
	return float64(overflow) / float64(inst.capacity-inst.gpuBlocks)
}

// PredictedEvictionOrder returns up to n hashes of instanceID, next to be
// evicted first.
func (s *ShadowKV) PredictedEvictionOrder(instanceID string, n int) []uint64 {
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, min(n, inst.order.Len()))
	for el := inst.order.Back(); el != nil && len(out) < n; el = el.Prev() {
		out = append(out, el.Value.(uint64))
	}
	return out
}

// Len returns the number of hashes tracked for instanceID.
func (s *ShadowKV) Len(instanceID string) int {
	if inst, ok := s.instances[instanceID]; ok {
		return inst.order.Len()
	}
	return 0
}

// Instances returns the tracked instance IDs in sorted order.
func (s *ShadowKV) Instances() []string {
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
