// Package trace provides decision-trace recording for cluster-level policy analysis.
// This package has no dependencies on sim/ or sim/cluster/; it stores pure data types.
package trace

// AdmissionRecord captures a single admission policy decision.
type AdmissionRecord struct {
	RequestID string `json:"request_id"`
	Clock     int64  `json:"clock"`
	Verdict   string `json:"verdict"` // admit, reject, delay
	Delay     int64  `json:"delay,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Admitted reports whether the verdict was admit.
func (r AdmissionRecord) Admitted() bool { return r.Verdict == "admit" }

// PriorityRecord captures the score assigned by the priority policy.
type PriorityRecord struct {
	RequestID string            `json:"request_id"`
	Clock     int64             `json:"clock"`
	Score     float64           `json:"score"`
	Hints     map[string]string `json:"hints,omitempty"`
}

// CandidateScore captures a counterfactual candidate instance with its score and state.
type CandidateScore struct {
	InstanceID      string  `json:"instance_id"`
	Score           float64 `json:"score"`
	QueueDepth      int     `json:"queue_depth"`
	BatchSize       int     `json:"batch_size"`
	PendingRequests int     `json:"pending_requests"`
	KVUtilization   float64 `json:"kv_utilization"`
	FreeKVBlocks    int64   `json:"free_kv_blocks"`
}

// RoutingRecord captures a single routing policy decision with optional counterfactual analysis.
type RoutingRecord struct {
	RequestID       string                        `json:"request_id"`
	Clock           int64                         `json:"clock"`
	ChosenInstance  string                        `json:"chosen_instance"`
	PrefillInstance string                        `json:"prefill_instance,omitempty"`
	DecodeInstance  string                        `json:"decode_instance,omitempty"`
	Reason          string                        `json:"reason"`
	Scores          map[string]float64            `json:"scores,omitempty"`
	Breakdown       map[string]map[string]float64 `json:"breakdown,omitempty"`
	Candidates      []CandidateScore              `json:"candidates,omitempty"` // top-k sorted by score desc
	Regret          float64                       `json:"regret"`               // best alternative minus chosen, >= 0
	PredictedHit    bool                          `json:"predicted_hit"`
}

// BatchRecord captures one instance step.
type BatchRecord struct {
	InstanceID     string   `json:"instance_id"`
	Clock          int64    `json:"clock"`
	Step           int      `json:"step"`
	RequestIDs     []string `json:"request_ids"`
	NewlyScheduled int      `json:"newly_scheduled"`
	Tokens         int64    `json:"tokens"`
	StepTime       int64    `json:"step_time"`
	QueueDepth     int      `json:"queue_depth"`
}

// Preemption kinds.
const (
	PreemptRecompute = "recompute"
	PreemptOffload   = "offload"
)

// PreemptionRecord captures a request losing its place in a running batch.
type PreemptionRecord struct {
	InstanceID string `json:"instance_id"`
	Clock      int64  `json:"clock"`
	RequestID  string `json:"request_id"`
	Kind       string `json:"kind"`
	ForRequest string `json:"for_request,omitempty"`
}

// ScaleRecord captures an auto-scaler decision and its actuation.
type ScaleRecord struct {
	Deployment string `json:"deployment"`
	Role       string `json:"role"`
	Clock      int64  `json:"clock"`
	Action     string `json:"action"` // up, down, ready, terminated
	From       int    `json:"from"`
	To         int    `json:"to"`
	InstanceID string `json:"instance_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// TransferRecord captures a KV transfer between tiers or instances.
type TransferRecord struct {
	TransferID   uint64 `json:"transfer_id"`
	Type         string `json:"type"` // offload, reload, pd-handoff
	RequestID    string `json:"request_id,omitempty"`
	FromInstance string `json:"from_instance"`
	ToInstance   string `json:"to_instance"`
	FromTier     string `json:"from_tier"`
	ToTier       string `json:"to_tier"`
	Blocks       int    `json:"blocks"`
	Start        int64  `json:"start"`
	End          int64  `json:"end"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}
