package sim

import (
	"sort"
)

// TenantStats are the router's per-tenant counters.
type TenantStats struct {
	Requests   int     // admitted so far
	Active     int     // admitted and not yet terminal
	RecentRate float64 // arrivals per second over the history window
}

// GlobalStats are cluster-wide router counters.
type GlobalStats struct {
	InFlight   int
	Completed  int
	Rejected   int
	Throughput float64 // completions per second over the history window
}

// HistoryWindow summarises recent activity over a sliding window.
type HistoryWindow struct {
	Window      int64 // ticks
	Arrivals    int
	Completions int
}

// ObservedKV is the authoritative, instance-reported KV view as last refreshed.
type ObservedKV struct {
	GPUUtilization     float64
	CPUUtilization     float64
	StorageUtilization float64
	HitRate            float64
}

// ShadowView is the read-only face of the router's predicted KV state.
type ShadowView interface {
	// MatchLength returns the number of leading hashes predicted resident on instanceID.
	MatchLength(instanceID string, hashes []uint64) int
	// PredictHit reports whether the first hash is predicted resident on instanceID.
	PredictHit(instanceID string, hashes []uint64) bool
	// Utilization returns the predicted GPU-tier utilisation of instanceID.
	Utilization(instanceID string) float64
	// LowerTierUtilization returns the predicted CPU and storage utilisation of instanceID.
	LowerTierUtilization(instanceID string) float64
	// PredictedEvictionOrder returns up to n hashes of instanceID, next to be evicted first.
	PredictedEvictionOrder(instanceID string, n int) []uint64
}

// RouterState provides cluster-wide state to policy interfaces.
// Built by the ClusterSimulator before each policy invocation. Lives in sim/
// (not sim/cluster/) so that policies can depend on it without import cycles.
//
// The state handed to a policy is a fresh copy per decision.
type RouterState struct {
	Clock     int64
	Snapshots []RoutingSnapshot // sorted by instance ID
	Tenants   map[string]TenantStats
	Global    GlobalStats
	History   HistoryWindow
	Observed  map[string]ObservedKV
	Shadow    ShadowView
}

// SortSnapshots orders snapshots by instance ID so that argmax with strict
// comparison breaks ties toward the lowest ID.
func SortSnapshots(snaps []RoutingSnapshot) {
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
}

// Snapshot returns the snapshot for an instance.
func (s *RouterState) Snapshot(id string) (RoutingSnapshot, bool) {
	for _, snap := range s.Snapshots {
		if snap.ID == id {
			return snap, true
		}
	}
	return RoutingSnapshot{}, false
}

// WithSnapshots returns a shallow copy of s restricted to the snapshots
// accepted by keep.
func (s *RouterState) WithSnapshots(keep func(RoutingSnapshot) bool) *RouterState {
	out := *s
	out.Snapshots = make([]RoutingSnapshot, 0, len(s.Snapshots))
	for _, snap := range s.Snapshots {
		if keep(snap) {
			out.Snapshots = append(out.Snapshots, snap)
		}
	}
	return &out
}

// TotalQueueDepth sums QueueDepth + PendingRequests over all snapshots.
func (s *RouterState) TotalQueueDepth() int {
	total := 0
	for _, snap := range s.Snapshots {
		total += snap.QueueDepth + snap.PendingRequests
	}
	return total
}

// Tenant returns the counters of a tenant (zero value if unseen).
func (s *RouterState) Tenant(id string) TenantStats {
	return s.Tenants[id]
}
