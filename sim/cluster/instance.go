package cluster

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/kv"
	"github.com/inference-sim/blis/sim/trace"
)

// emaWeight is the weight of the newest sample in the latency moving averages.
const emaWeight = 0.2

// instance is one model-server replica: a wait queue, a running batch, a
// scheduler, a latency model and a tiered KV cache. Its steps, transfers and
// completions are events on the cluster heap.
type instance struct {
	id   string
	dep  *deployment
	pool *pool
	role string
	cfg  InstanceConfig

	state InstanceState
	// epoch invalidates events scheduled before a forced termination.
	epoch     int
	createdAt int64
	readyAt   int64
	warmup    sim.WarmupProfile // zero for replicas present at start

	kv        *kv.Manager
	latency   sim.LatencyModel
	scheduler sim.InstanceScheduler
	rng       *rand.Rand

	queue      *sim.WaitQueue
	running    []*sim.Request
	swapped    []*sim.Request          // working set offloaded, waiting to swap in
	swapIns    map[int64]*sim.Request  // swap-in transfer ID → request
	reloads    map[int64]*sim.Request  // prefix reload transfer ID → request held back from the queue
	completing map[string]*sim.Request // last token computed, completion pending
	outbound   map[int64]*handoff      // prefill side: handoff transfer ID → handoff
	inbox      []*handoff              // decode side: handoffs waiting for KV room
	inbound    int                     // decode side: handoffs targeting this replica, not yet received

	stepScheduled bool
	stepping      bool
	stepCount     int
	busyTicks     int64

	recentTTFT float64
	recentTPOT float64

	completed     int
	preemptions   int
	preemptLog    []int64 // preemption times inside the storm window
	inStorm       bool
	lastThrashing int64

	kvSamples int
	kvUtilSum float64
	kvPeak    float64
}

func newInstance(cs *ClusterSimulator, p *pool, id string, state InstanceState) *instance {
	cfg := p.dep.cfg.Instance
	latency, err := sim.NewLatencyModel(cfg.Latency)
	if err != nil {
		panic(fmt.Sprintf("instance %s: %v", id, err))
	}
	inst := &instance{
		id:         id,
		dep:        p.dep,
		pool:       p,
		role:       p.role,
		cfg:        cfg,
		state:      state,
		createdAt:  cs.clock,
		kv:         kv.NewManager(id, cfg.KV),
		latency:    latency,
		scheduler:  sim.NewScheduler(cs.bundle.Scheduler),
		rng:        cs.rng.ForInstance(id),
		queue:      &sim.WaitQueue{},
		swapIns:    make(map[int64]*sim.Request),
		reloads:    make(map[int64]*sim.Request),
		completing: make(map[string]*sim.Request),
		outbound:   make(map[int64]*handoff),
	}
	if cs.cfg.ReportEvictions {
		inst.kv.OnEviction(func(h uint64) { cs.shadow.ReportEviction(id, h) })
	}
	return inst
}

// QueueDepth counts requests waiting on this replica, including those held
// for a prefix reload and handoffs waiting for KV room.
func (inst *instance) QueueDepth() int {
	return inst.queue.Len() + len(inst.reloads) + len(inst.inbox)
}

// InFlight counts every request the replica is responsible for.
func (inst *instance) InFlight() int {
	return inst.queue.Len() + len(inst.reloads) + len(inst.running) +
		len(inst.swapped) + len(inst.swapIns) + len(inst.outbound) + inst.inbound
}

// idle reports whether a draining replica may terminate.
func (inst *instance) idle() bool {
	return inst.InFlight() == 0 && len(inst.completing) == 0
}

// acceptsHandoffs reports whether new KV handoffs may land here.
func (inst *instance) acceptsHandoffs() bool {
	switch inst.state {
	case InstanceReady:
		return true
	case InstanceDraining:
		return inst.dep.cfg.AutoScale.DrainPolicy == DrainWait
	}
	return false
}

func (inst *instance) hasWork() bool {
	return inst.queue.Len() > 0 || len(inst.running) > 0 || len(inst.swapped) > 0 || len(inst.inbox) > 0
}

// decodeRoom reports whether the GPU tier can take a handoff of blocks for
// req and still grow every received request waiting in the queue, req
// included, by the block its next token needs.
func (inst *instance) decodeRoom(req *sim.Request, blocks int64) bool {
	need := blocks + max(0, inst.kv.BlocksFor(req.ProgressIndex+1)-blocks)
	for _, q := range inst.queue.Items() {
		if held := inst.kv.HeldBlocks(q.ID); held > 0 {
			need += max(0, inst.kv.BlocksFor(q.ProgressIndex+1)-held)
		}
	}
	return inst.kv.Headroom(kv.TierGPU) >= need
}

// Warming reports whether the replica is still inside its warmup period.
func (inst *instance) Warming(now int64) bool {
	return inst.state == InstanceReady && inst.warmup.Duration > 0 && now-inst.readyAt < inst.warmup.Duration
}

func (inst *instance) removeRunning(req *sim.Request) {
	for i, r := range inst.running {
		if r == req {
			inst.running = append(inst.running[:i], inst.running[i+1:]...)
			return
		}
	}
}

func (inst *instance) batchContext(now int64) *sim.BatchContext {
	memo := make(map[string]int64)
	ctx := &sim.BatchContext{
		Now:                       now,
		StepCount:                 inst.stepCount,
		Running:                   inst.running,
		Queue:                     inst.queue,
		MaxRunningReqs:            inst.cfg.MaxRunningReqs,
		MaxScheduledTokens:        inst.cfg.MaxScheduledTokens,
		LongPrefillTokenThreshold: inst.cfg.LongPrefillTokenThreshold,
		Throttled:                 inst.role == sim.RolePrefill && inst.dep.throttled,
	}
	ctx.CachedTokens = func(req *sim.Request) int64 {
		if v, ok := memo[req.ID]; ok {
			return v
		}
		v := inst.cachedTokens(req, now)
		memo[req.ID] = v
		return v
	}
	return ctx
}

// cachedTokens returns the prompt tokens of req that can be served from the
// GPU prefix cache. At least one prompt token is always computed. While the
// replica warms up a hit is honoured with probability equal to the ramp.
func (inst *instance) cachedTokens(req *sim.Request, now int64) int64 {
	bs := inst.kv.BlockSize()
	hits := min(int64(inst.kv.GPUPrefixHits(req.BlockHashes)), (req.InputLen()-1)/bs)
	if hits <= 0 {
		return 0
	}
	if inst.Warming(now) && inst.rng.Float64() >= inst.warmup.Ramp(now-inst.readyAt) {
		return 0
	}
	return hits * bs
}

// enqueue accepts a routed request. It returns whether any KV tier held a
// prefix of the request, and false for ok when the request was dropped as
// unservable.
func (inst *instance) enqueue(cs *ClusterSimulator, req *sim.Request) (hit, ok bool) {
	now := cs.clock
	need := req.TotalTokens()
	if req.Phase == sim.PhasePrefill {
		need = req.InputLen()
	}
	if !inst.kv.Fits(need) {
		logrus.Warnf("[tick %07d] %s: request %s needs %d tokens, more than the GPU tier holds; dropping",
			now, inst.id, req.ID, need)
		cs.drop(req, sim.DropUnservable)
		return false, false
	}
	inst.kv.SetClock(now)
	req.State = sim.StateQueued
	req.EnqueueTime = now
	req.AssignedInstance = inst.id

	gpuHits := inst.kv.GPUPrefixHits(req.BlockHashes)
	lowerHits := inst.kv.LowerPrefixHits(req.BlockHashes, gpuHits)
	hit = gpuHits > 0 || lowerHits > 0
	if lowerHits > 0 {
		if tr := inst.kv.ReloadPrefix(req.ID, req.BlockHashes, gpuHits); tr != nil {
			inst.reloads[tr.ID] = req
			cs.scheduleTransfers(inst)
			cs.checkThrashing(inst)
			return hit, true
		}
	}
	inst.scheduler.OnRequestArrival(req, inst.batchContext(now))
	cs.ensureStep(inst)
	return hit, true
}

// step runs one batch: swap-ins, batch formation, KV allocation with the
// eviction → offload → recompute cascade, then token progress.
func (inst *instance) step(cs *ClusterSimulator) {
	now := cs.clock
	inst.stepScheduled = false
	inst.stepping = true
	defer func() { inst.stepping = false }()
	inst.kv.SetClock(now)

	cs.retryInbox(inst)
	inst.startSwapIns()

	ctx := inst.batchContext(now)
	plan := inst.scheduler.MakeBatch(ctx)
	batch := inst.allocate(cs, plan, ctx)
	cs.scheduleTransfers(inst)
	cs.checkThrashing(inst)
	inst.sampleKV()
	if len(batch) == 0 {
		return
	}
	cs.checkPriorityInversion(inst, plan, batch)

	stepTime := inst.latency.StepTime(batch)
	mult := 1.0
	if inst.warmup.Duration > 0 {
		mult = inst.warmup.Multiplier(now - inst.readyAt)
	}
	stepTime = max(1, int64(math.Round(float64(stepTime)*mult*cs.jitter())))
	end := now + stepTime

	ids := make([]string, len(batch))
	newly := 0
	var tokens int64
	for i, req := range batch {
		ids[i] = req.ID
		if plan.IsNew(req) {
			newly++
		}
		tokens += int64(req.NumNewTokens)
		req.ProgressIndex += int64(req.NumNewTokens)
		req.NumNewTokens = 0
		if !req.TTFTSet && !req.InPrefill() {
			req.FirstTokenTime = end
			req.TTFTSet = true
			inst.recentTTFT = ema(inst.recentTTFT, float64(end-req.ArrivalTime))
		}
		switch {
		case req.Phase == sim.PhasePrefill && !req.InPrefill() && !req.Done():
			inst.removeRunning(req)
			cs.beginHandoff(inst, req, end)
		case req.Done():
			inst.removeRunning(req)
			inst.kv.Release(req.ID)
			inst.completing[req.ID] = req
			cs.schedule(&RequestCompletedEvent{
				BaseEvent:  cs.newBase(end+inst.latency.OutputTokenProcessingTime(), EventTypeRequestCompleted),
				Request:    req,
				InstanceID: inst.id,
				Epoch:      inst.epoch,
			})
		}
	}

	cs.trace.RecordBatch(trace.BatchRecord{
		InstanceID:     inst.id,
		Clock:          now,
		Step:           inst.stepCount,
		RequestIDs:     ids,
		NewlyScheduled: newly,
		Tokens:         tokens,
		StepTime:       stepTime,
		QueueDepth:     inst.QueueDepth(),
	})
	inst.stepCount++
	inst.busyTicks += stepTime
	inst.stepScheduled = true
	cs.schedule(&InstanceStepEvent{
		BaseEvent:  cs.newBase(end, EventTypeInstanceStep),
		InstanceID: inst.id,
		Epoch:      inst.epoch,
	})
}

// allocate executes the KV side of plan and returns the requests that run
// this step, with NumNewTokens set. New requests only evict cached blocks;
// a new request that does not fit stays queued along with every new request
// behind it that holds no blocks yet. A running request that does not fit preempts the scheduler's
// victim, offloading it to a lower tier when one has room and recomputing it
// otherwise, until it fits or is itself the victim.
func (inst *instance) allocate(cs *ClusterSimulator, plan sim.BatchPlan, ctx *sim.BatchContext) []*sim.Request {
	bs := inst.kv.BlockSize()
	removed := make(map[string]bool)
	blocked := false
	var batch []*sim.Request

	for _, req := range plan.Schedule {
		if removed[req.ID] {
			continue
		}
		chunk := plan.ChunkSizes[req.ID]
		if plan.IsNew(req) {
			// a received handoff already holds its prompt blocks and must not
			// wait behind a new request that cannot fit
			holder := inst.kv.HeldBlocks(req.ID) > 0
			if blocked && !holder {
				continue
			}
			start, hits := req.ProgressIndex, 0
			if start == 0 {
				// allocations earlier in this step may have evicted planned hits
				hits = min(int(plan.Cached[req.ID]/bs), inst.kv.GPUPrefixHits(req.BlockHashes))
				start = int64(hits) * bs
			}
			if !inst.kv.Allocate(req.ID, req.BlockHashes, start+chunk, hits) {
				blocked = blocked || !holder
				continue
			}
			inst.queue.Remove(req.ID)
			req.ProgressIndex = start
			req.State = sim.StateRunning
			req.ScheduleTime = ctx.Now
			req.NumNewTokens = int(chunk)
			inst.running = append(inst.running, req)
			batch = append(batch, req)
			continue
		}

		fits := true
		for !inst.kv.Allocate(req.ID, req.BlockHashes, req.ProgressIndex+chunk, 0) {
			victim := inst.scheduler.SelectPreemptionVictim(inst.running, ctx)
			if victim == nil {
				fits = false
				break
			}
			inst.preempt(cs, victim, req)
			removed[victim.ID] = true
			batch = withoutRequest(batch, victim)
			if victim == req {
				fits = false
				break
			}
		}
		if fits {
			req.NumNewTokens = int(chunk)
			batch = append(batch, req)
		}
	}
	return batch
}

// preempt takes victim out of the running batch to make room for forReq.
func (inst *instance) preempt(cs *ClusterSimulator, victim, forReq *sim.Request) {
	inst.removeRunning(victim)
	victim.NumNewTokens = 0
	victim.State = sim.StateQueued
	victim.PreemptionCount++
	kind := trace.PreemptRecompute
	if tr := inst.kv.SwapOut(victim.ID); tr != nil {
		kind = trace.PreemptOffload
		inst.swapped = append(inst.swapped, victim)
	} else {
		inst.kv.Release(victim.ID)
		victim.ResetProgress()
		inst.queue.PrependFront(victim)
	}
	inst.preemptions++
	logrus.Debugf("[tick %07d] %s: preempted %s (%s) for %s", cs.clock, inst.id, victim.ID, kind, forReq.ID)
	cs.trace.RecordPreemption(trace.PreemptionRecord{
		InstanceID: inst.id,
		Clock:      cs.clock,
		RequestID:  victim.ID,
		Kind:       kind,
		ForRequest: forReq.ID,
	})
	cs.checkPreemptionStorm(inst)
}

// startSwapIns begins reloading every offloaded working set that has landed,
// oldest first, while the GPU tier has room.
func (inst *instance) startSwapIns() {
	kept := inst.swapped[:0]
	for _, req := range inst.swapped {
		if _, ready := inst.kv.IsSwapped(req.ID); ready {
			if tr := inst.kv.SwapIn(req.ID); tr != nil {
				inst.swapIns[tr.ID] = req
				continue
			}
		}
		kept = append(kept, req)
	}
	inst.swapped = kept
}

// landTransfer completes a local transfer and resumes whatever waited on it.
func (inst *instance) landTransfer(cs *ClusterSimulator, id int64) *kv.Transfer {
	inst.kv.SetClock(cs.clock)
	tr := inst.kv.Complete(id)
	if req, ok := inst.reloads[id]; ok {
		delete(inst.reloads, id)
		if !req.State.IsTerminal() {
			inst.scheduler.OnRequestArrival(req, inst.batchContext(cs.clock))
		}
	}
	if req, ok := inst.swapIns[id]; ok {
		delete(inst.swapIns, id)
		if !tr.Cancelled && !req.State.IsTerminal() {
			req.State = sim.StateRunning
			inst.running = append(inst.running, req)
		}
	}
	return tr
}

// evacuate removes every request from the replica and returns them in a
// stable order: running, swapped, queued, held for reload, completing.
// KV state is discarded with the replica.
func (inst *instance) evacuate() []*sim.Request {
	var out []*sim.Request
	out = append(out, inst.running...)
	out = append(out, inst.swapped...)
	for _, id := range sortedKeys(inst.swapIns) {
		out = append(out, inst.swapIns[id])
	}
	out = append(out, inst.queue.Drain()...)
	for _, id := range sortedKeys(inst.reloads) {
		out = append(out, inst.reloads[id])
	}
	inst.running = nil
	inst.swapped = nil
	inst.swapIns = make(map[int64]*sim.Request)
	inst.reloads = make(map[int64]*sim.Request)
	return out
}

// takeCompleting removes the requests whose completion is pending, by ID.
func (inst *instance) takeCompleting() []*sim.Request {
	out := make([]*sim.Request, 0, len(inst.completing))
	for _, id := range sortedKeys(inst.completing) {
		out = append(out, inst.completing[id])
	}
	inst.completing = make(map[string]*sim.Request)
	return out
}

func (inst *instance) sampleKV() {
	u := inst.kv.Utilization(kv.TierGPU)
	inst.kvSamples++
	inst.kvUtilSum += u
	inst.kvPeak = max(inst.kvPeak, u)
}

func ema(prev, sample float64) float64 {
	if prev == 0 {
		return sample
	}
	return (1-emaWeight)*prev + emaWeight*sample
}

func withoutRequest(reqs []*sim.Request, drop *sim.Request) []*sim.Request {
	for i, r := range reqs {
		if r == drop {
			return append(reqs[:i], reqs[i+1:]...)
		}
	}
	return reqs
}
