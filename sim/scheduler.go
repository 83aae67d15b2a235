package sim

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// BatchContext provides the inputs for batch formation on one instance step.
// Running and Queue are owned by the instance; schedulers read them, and only
// OnRequestArrival may insert into Queue.
type BatchContext struct {
	Now       int64
	StepCount int

	Running []*Request
	Queue   *WaitQueue

	MaxRunningReqs            int
	MaxScheduledTokens        int64
	LongPrefillTokenThreshold int64 // chunked prefill threshold; 0 = no chunking

	// CachedTokens returns the prompt tokens of a waiting request already
	// resident in GPU KV and skippable. Nil means no cache.
	CachedTokens func(req *Request) int64

	// Throttled blocks new prefill-only requests (decode backpressure).
	Throttled bool
}

// BatchPlan is the outcome of MakeBatch: the requests to run this step in
// order, with the number of new tokens each computes.
// Continuing running requests come first, then newly scheduled ones.
type BatchPlan struct {
	Schedule   []*Request
	ChunkSizes map[string]int64
	// Cached holds the skippable prompt tokens of newly scheduled requests.
	Cached map[string]int64
	// Deferred counts running requests left without budget this step.
	Deferred int
}

// IsNew reports whether req enters the running batch with this plan.
func (p BatchPlan) IsNew(req *Request) bool {
	_, ok := p.Cached[req.ID]
	return ok
}

// InstanceScheduler decides which requests an instance runs on each step.
// Implementations must be deterministic: ties break on arrival time, then ID.
type InstanceScheduler interface {
	// OnRequestArrival places a newly routed request into ctx.Queue.
	OnRequestArrival(req *Request, ctx *BatchContext)
	// MakeBatch plans the next step. It does not allocate KV; the instance
	// executes the plan and falls back to preemption when allocation fails.
	MakeBatch(ctx *BatchContext) BatchPlan
	// SelectPreemptionVictim picks the running request to evict, or nil.
	SelectPreemptionVictim(running []*Request, ctx *BatchContext) *Request
}

// prefillChunk returns the next prompt chunk of req starting at start.
func prefillChunk(req *Request, start, threshold, budget int64) int64 {
	n := req.InputLen() - start
	if 0 < threshold && threshold < n {
		n = threshold
	}
	return min(n, budget)
}

// formBatch is the vLLM-style plan shared by all schedulers: continuing
// requests get budget first (chunked prefill or one decode token), then
// waiting requests are taken in candidate order until a limit is hit.
func formBatch(ctx *BatchContext, candidates []*Request) BatchPlan {
	plan := BatchPlan{
		ChunkSizes: make(map[string]int64),
		Cached:     make(map[string]int64),
	}
	budget := ctx.MaxScheduledTokens

	for i, req := range ctx.Running {
		if budget <= 0 {
			plan.Deferred = len(ctx.Running) - i
			logrus.Debugf("[tick %07d] token budget exhausted, deferring %d running requests", ctx.Now, plan.Deferred)
			break
		}
		var n int64 = 1
		if req.InPrefill() {
			n = prefillChunk(req, req.ProgressIndex, ctx.LongPrefillTokenThreshold, budget)
		}
		plan.Schedule = append(plan.Schedule, req)
		plan.ChunkSizes[req.ID] = n
		budget -= n
	}

	running := len(ctx.Running)
	for _, next := range candidates {
		if running >= ctx.MaxRunningReqs || budget <= 0 {
			break
		}
		if ctx.Throttled && next.Phase == PhasePrefill {
			continue
		}
		var cached, n int64
		if next.InPrefill() {
			start := next.ProgressIndex
			if ctx.CachedTokens != nil && start == 0 {
				cached = ctx.CachedTokens(next)
				start = cached
			}
			n = prefillChunk(next, start, ctx.LongPrefillTokenThreshold, budget)
		} else {
			n = 1
		}
		plan.Schedule = append(plan.Schedule, next)
		plan.ChunkSizes[next.ID] = n
		plan.Cached[next.ID] = cached
		budget -= n
		running++
	}
	return plan
}

// FCFSScheduler preserves First-Come-First-Served order.
// This is the default scheduler.
type FCFSScheduler struct{}

func (f *FCFSScheduler) OnRequestArrival(req *Request, ctx *BatchContext) {
	ctx.Queue.Enqueue(req)
}

func (f *FCFSScheduler) MakeBatch(ctx *BatchContext) BatchPlan {
	return formBatch(ctx, ctx.Queue.Items())
}

// SelectPreemptionVictim evicts from the batch tail (most recently scheduled).
func (f *FCFSScheduler) SelectPreemptionVictim(running []*Request, _ *BatchContext) *Request {
	if len(running) == 0 {
		return nil
	}
	return running[len(running)-1]
}

// PriorityFCFSScheduler orders by priority (descending), then arrival time
// (ascending), then ID (ascending).
type PriorityFCFSScheduler struct{}

func (p *PriorityFCFSScheduler) OnRequestArrival(req *Request, ctx *BatchContext) {
	ctx.Queue.Enqueue(req)
}

func (p *PriorityFCFSScheduler) MakeBatch(ctx *BatchContext) BatchPlan {
	candidates := append([]*Request(nil), ctx.Queue.Items()...)
	// Float != comparison is safe here: built-in priority policies produce
	// exact arithmetic from integer inputs.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return arrivedBefore(candidates[i], candidates[j])
	})
	return formBatch(ctx, candidates)
}

// SelectPreemptionVictim picks the lowest-priority request, latest arrival first.
func (p *PriorityFCFSScheduler) SelectPreemptionVictim(running []*Request, _ *BatchContext) *Request {
	var victim *Request
	for _, r := range running {
		if victim == nil || r.Priority < victim.Priority ||
			(r.Priority == victim.Priority && arrivedBefore(victim, r)) {
			victim = r
		}
	}
	return victim
}

// SJFScheduler orders by input length (ascending), then arrival time, then ID.
// SJF can starve long requests under sustained load.
type SJFScheduler struct{}

func (s *SJFScheduler) OnRequestArrival(req *Request, ctx *BatchContext) {
	ctx.Queue.Enqueue(req)
}

func (s *SJFScheduler) MakeBatch(ctx *BatchContext) BatchPlan {
	candidates := append([]*Request(nil), ctx.Queue.Items()...)
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := candidates[i].InputLen(), candidates[j].InputLen()
		if li != lj {
			return li < lj
		}
		return arrivedBefore(candidates[i], candidates[j])
	})
	return formBatch(ctx, candidates)
}

// SelectPreemptionVictim picks the request with the most remaining work.
func (s *SJFScheduler) SelectPreemptionVictim(running []*Request, _ *BatchContext) *Request {
	var victim *Request
	for _, r := range running {
		if victim == nil || r.RemainingTokens() > victim.RemainingTokens() ||
			(r.RemainingTokens() == victim.RemainingTokens() && arrivedBefore(victim, r)) {
			victim = r
		}
	}
	return victim
}

func arrivedBefore(a, b *Request) bool {
	if a.ArrivalTime != b.ArrivalTime {
		return a.ArrivalTime < b.ArrivalTime
	}
	return a.ID < b.ID
}

// NewScheduler creates an InstanceScheduler by name.
// Valid names: "fcfs" (default), "priority-fcfs", "sjf".
// Empty string defaults to FCFSScheduler.
// Panics on unrecognized names.
func NewScheduler(name string) InstanceScheduler {
	if !ValidSchedulers[name] {
		panic(fmt.Sprintf("unknown scheduler %q", name))
	}
	switch name {
	case "", "fcfs":
		return &FCFSScheduler{}
	case "priority-fcfs":
		return &PriorityFCFSScheduler{}
	case "sjf":
		return &SJFScheduler{}
	default:
		panic(fmt.Sprintf("unhandled scheduler %q", name))
	}
}
