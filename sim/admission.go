package sim

import "fmt"

// Verdict is the outcome of an admission decision.
type Verdict int

const (
	Admit Verdict = iota
	Reject
	Delay
)

func (v Verdict) String() string {
	switch v {
	case Admit:
		return "admit"
	case Reject:
		return "reject"
	case Delay:
		return "delay"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// AdmissionDecision is returned by an AdmissionPolicy.
// Delay is the number of ticks to wait before re-evaluating; only meaningful
// with Verdict == Delay.
type AdmissionDecision struct {
	Verdict Verdict
	Delay   int64
	Reason  string
}

// Admitted reports whether the verdict is Admit.
func (d AdmissionDecision) Admitted() bool { return d.Verdict == Admit }

// AdmissionPolicy decides whether a request is admitted for processing.
// Used by ClusterSimulator's routing pipeline to gate incoming requests.
// Receives *RouterState with cluster-wide snapshots and clock.
type AdmissionPolicy interface {
	Admit(req *Request, state *RouterState) AdmissionDecision
}

// AlwaysAdmit admits all requests unconditionally.
type AlwaysAdmit struct{}

func (a *AlwaysAdmit) Admit(_ *Request, _ *RouterState) AdmissionDecision {
	return AdmissionDecision{Verdict: Admit}
}

// RejectAll rejects every request (pathological baseline).
type RejectAll struct{}

func (r *RejectAll) Admit(_ *Request, _ *RouterState) AdmissionDecision {
	return AdmissionDecision{Verdict: Reject, Reason: "reject-all"}
}

// TokenBucket implements rate-limiting admission control.
// Each request costs its input token count.
type TokenBucket struct {
	capacity      float64
	refillRate    float64 // tokens per second
	currentTokens float64
	lastRefill    int64 // last refill clock time in microseconds
}

// NewTokenBucket creates a TokenBucket with the given capacity and refill rate.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:      capacity,
		refillRate:    refillRate,
		currentTokens: capacity,
	}
}

// Admit checks whether the request can be admitted given current token availability.
func (tb *TokenBucket) Admit(req *Request, state *RouterState) AdmissionDecision {
	clock := state.Clock
	elapsed := clock - tb.lastRefill
	if elapsed > 0 {
		refill := float64(elapsed) * tb.refillRate / 1e6
		tb.currentTokens = min(tb.capacity, tb.currentTokens+refill)
		tb.lastRefill = clock
	}
	cost := float64(req.InputLen())
	if tb.currentTokens >= cost {
		tb.currentTokens -= cost
		return AdmissionDecision{Verdict: Admit}
	}
	return AdmissionDecision{Verdict: Reject, Reason: "insufficient tokens"}
}

// QueueDepthAdmission rejects while the cluster-wide queue (queued plus
// pending-route requests) is at or above MaxQueueDepth.
type QueueDepthAdmission struct {
	MaxQueueDepth int
}

func (q *QueueDepthAdmission) Admit(_ *Request, state *RouterState) AdmissionDecision {
	depth := state.TotalQueueDepth()
	if depth >= q.MaxQueueDepth {
		return AdmissionDecision{
			Verdict: Reject,
			Reason:  fmt.Sprintf("queue depth %d >= %d", depth, q.MaxQueueDepth),
		}
	}
	return AdmissionDecision{Verdict: Admit}
}

// TenantQuota delays a request while its tenant already has MaxActive
// requests in flight. The cluster bounds the number of delays per request.
type TenantQuota struct {
	MaxActive  int
	RetryDelay int64 // ticks
}

func (t *TenantQuota) Admit(req *Request, state *RouterState) AdmissionDecision {
	active := state.Tenant(req.TenantID).Active
	if active >= t.MaxActive {
		return AdmissionDecision{
			Verdict: Delay,
			Delay:   t.RetryDelay,
			Reason:  fmt.Sprintf("tenant %q at quota (%d active)", req.TenantID, active),
		}
	}
	return AdmissionDecision{Verdict: Admit}
}

// NewAdmissionPolicy creates an admission policy from its configuration.
// Valid names are defined in ValidAdmissionPolicies (bundle.go).
// An empty name defaults to AlwaysAdmit.
// Panics on unrecognized names.
func NewAdmissionPolicy(cfg AdmissionConfig) AdmissionPolicy {
	if !ValidAdmissionPolicies[cfg.Policy] {
		panic(fmt.Sprintf("unknown admission policy %q", cfg.Policy))
	}
	switch cfg.Policy {
	case "", "always-admit":
		return &AlwaysAdmit{}
	case "token-bucket":
		return NewTokenBucket(cfg.TokenBucketCapacity, cfg.TokenBucketRefillRate)
	case "queue-depth":
		return &QueueDepthAdmission{MaxQueueDepth: cfg.MaxQueueDepth}
	case "tenant-quota":
		delay := cfg.RetryDelay
		if delay <= 0 {
			delay = DefaultAdmissionRetryDelay
		}
		return &TenantQuota{MaxActive: cfg.TenantMaxActive, RetryDelay: delay}
	case "reject-all":
		return &RejectAll{}
	default:
		panic(fmt.Sprintf("unhandled admission policy %q", cfg.Policy))
	}
}
