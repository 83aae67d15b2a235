package sim

// Instance roles within a deployment.
const (
	RoleMonolithic = "monolithic"
	RolePrefill    = "prefill"
	RoleDecode     = "decode"
)

// RoutingSnapshot is a lightweight view of instance state for policy decisions.
// Built by the cluster's snapshot provider; individual signal groups may be
// stale according to their configured refresh mode. Snapshots are values:
// a policy that modifies one changes nothing outside its own call.
type RoutingSnapshot struct {
	ID    string
	Model string
	Role  string

	QueueDepth      int
	BatchSize       int
	PendingRequests int // routed but not yet enqueued; always fresh (router-owned)
	InFlight        int // queued + running + handoff in progress

	KVUtilization      float64 // GPU tier
	CPUUtilization     float64
	StorageUtilization float64
	FreeKVBlocks       int64
	TotalKVBlocks      int64
	CacheHitRate       float64

	RecentTTFT float64 // ticks, moving average
	RecentTPOT float64 // ticks, moving average

	AvailableCapacity int // MaxRunningReqs - BatchSize, floored at 0
	Warming           bool
}

// EffectiveLoad returns QueueDepth + BatchSize + PendingRequests.
// Used by routing policies and counterfactual scoring for consistent load
// calculations.
func (s RoutingSnapshot) EffectiveLoad() int {
	return s.QueueDepth + s.BatchSize + s.PendingRequests
}
