// Defines the Request struct that models an individual inference request as it
// moves through the cluster: router, instance wait queue, running batch.

package sim

import (
	"fmt"
)

// RequestState represents the lifecycle state of a request.
type RequestState string

const (
	StateQueued    RequestState = "queued"
	StateRunning   RequestState = "running"
	StateCompleted RequestState = "completed"
	StateRejected  RequestState = "rejected"
	StateTimedOut  RequestState = "timed_out"
	StateDropped   RequestState = "dropped"
)

// IsTerminal reports whether s is a terminal state.
func (s RequestState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateRejected, StateTimedOut, StateDropped:
		return true
	}
	return false
}

// Drop reasons recorded on requests that end in StateDropped.
const (
	DropUnservable   = "unservable"
	DropDrained      = "drained"
	DropDrainTimeout = "drain-timeout"
)

// Phase of a request with respect to prefill/decode disaggregation.
type Phase string

const (
	PhaseFull    Phase = ""        // prefill and decode on the same instance
	PhasePrefill Phase = "prefill" // prefill only; KV handed off afterwards
	PhaseDecode  Phase = "decode"  // decode only; KV received from a prefill instance
)

// Request models a single request's lifecycle in the simulation.
type Request struct {
	ID string

	InputTokens  []int // Prompt tokens
	OutputTokens []int // Pre-specified output tokens

	TenantID string
	SLOClass string // "realtime", "interactive", "batch" (empty = default)
	Model    string // deployment selector (empty = first deployment)

	// Priority is set by the router's PriorityPolicy and read by priority-aware
	// instance schedulers. Higher = more urgent.
	Priority      float64
	PriorityHints map[string]string

	State      RequestState
	DropReason string
	Phase      Phase

	ProgressIndex int64 // input tokens processed + decode steps completed
	NumNewTokens  int   // tokens computed in the current step

	ArrivalTime    int64
	AdmitTime      int64
	RouteTime      int64
	EnqueueTime    int64
	ScheduleTime   int64
	FirstTokenTime int64
	CompletionTime int64
	TTFTSet        bool

	AssignedInstance string
	PrefillInstance  string
	DecodeInstance   string

	PreemptionCount int
	AdmissionDelays int

	// BlockHashes caches the cumulative full-block prefix hashes of InputTokens.
	BlockHashes []uint64
}

// String returns a human-readable representation of the request.
func (req Request) String() string {
	return fmt.Sprintf("Request: (ID: %s, State: %s, ProgressIndex: %v, ArrivalTime: %d)", req.ID, req.State, req.ProgressIndex, req.ArrivalTime)
}

// InputLen returns the prompt length as int64.
func (req *Request) InputLen() int64 {
	return int64(len(req.InputTokens))
}

// OutputLen returns the output length as int64.
func (req *Request) OutputLen() int64 {
	return int64(len(req.OutputTokens))
}

// TotalTokens returns the number of tokens the request occupies at completion.
func (req *Request) TotalTokens() int64 {
	return req.InputLen() + req.OutputLen()
}

// InPrefill reports whether the request still has prompt tokens to process.
func (req *Request) InPrefill() bool {
	return req.ProgressIndex < req.InputLen()
}

// finalIndex is the ProgressIndex at which the request completes. The step
// that finishes prefill also emits the first output token, so a request with
// N output tokens needs N-1 decode steps. Zero output tokens count as one.
func (req *Request) finalIndex() int64 {
	return req.InputLen() + max(req.OutputLen(), 1) - 1
}

// Done reports whether every token has been computed.
func (req *Request) Done() bool {
	return req.ProgressIndex >= req.finalIndex()
}

// RemainingTokens returns the tokens left to compute.
func (req *Request) RemainingTokens() int64 {
	return max(0, req.finalIndex()-req.ProgressIndex)
}

// TTFT returns time-to-first-token, or 0 if no token was produced.
func (req *Request) TTFT() int64 {
	if !req.TTFTSet {
		return 0
	}
	return req.FirstTokenTime - req.ArrivalTime
}

// E2E returns end-to-end latency for a completed request.
func (req *Request) E2E() int64 {
	if req.State != StateCompleted {
		return 0
	}
	return req.CompletionTime - req.ArrivalTime
}

// TPOT returns mean time per output token after the first.
func (req *Request) TPOT() float64 {
	if req.State != StateCompleted || req.OutputLen() <= 1 {
		return 0
	}
	return float64(req.CompletionTime-req.FirstTokenTime) / float64(req.OutputLen()-1)
}

// ResetProgress clears computed progress so the request recomputes from scratch.
// Used on recompute-preemption and on redirect.
func (req *Request) ResetProgress() {
	req.ProgressIndex = 0
	req.NumNewTokens = 0
	if req.Phase == PhaseDecode {
		// a decode-only request that lost its KV must redo prefill locally
		req.Phase = PhaseFull
	}
}
