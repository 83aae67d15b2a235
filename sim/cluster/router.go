package cluster

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/trace"
)

type arrivalMark struct {
	at     int64
	tenant string
}

// deploymentFor returns the deployment serving model. An empty model selects
// the first deployment; a deployment with an empty model serves any model no
// other deployment claims.
func (c *ClusterSimulator) deploymentFor(model string) *deployment {
	var wildcard *deployment
	for _, d := range c.deployments {
		if d.cfg.Model == model {
			return d
		}
		if d.cfg.Model == "" && wildcard == nil {
			wildcard = d
		}
	}
	if model == "" && wildcard == nil {
		return c.deployments[0]
	}
	return wildcard
}

// pruneHistory drops arrivals and completions older than the history window.
func (c *ClusterSimulator) pruneHistory() {
	cutoff := c.clock - c.cfg.HistoryWindow
	i := 0
	for i < len(c.arrivalLog) && c.arrivalLog[i].at <= cutoff {
		i++
	}
	c.arrivalLog = c.arrivalLog[i:]
	j := 0
	for j < len(c.completionLog) && c.completionLog[j] <= cutoff {
		j++
	}
	c.completionLog = c.completionLog[j:]
}

// routerState builds a fresh RouterState for a decision about dep.
func (c *ClusterSimulator) routerState(dep *deployment) *sim.RouterState {
	c.pruneHistory()
	ready := dep.readyInstances()
	snaps := make([]sim.RoutingSnapshot, len(ready))
	observed := make(map[string]sim.ObservedKV, len(ready))
	for i, inst := range ready {
		snaps[i] = c.snapshots.Snapshot(inst, c.clock)
		observed[inst.id] = c.snapshots.Observed(inst.id)
	}
	sim.SortSnapshots(snaps)

	windowSec := float64(c.cfg.HistoryWindow) / 1e6
	recent := make(map[string]int)
	for _, a := range c.arrivalLog {
		recent[a.tenant]++
	}
	tenants := make(map[string]sim.TenantStats, len(c.tenants))
	for id, t := range c.tenants {
		t.RecentRate = float64(recent[id]) / windowSec
		tenants[id] = t
	}
	global := c.global
	global.Throughput = float64(len(c.completionLog)) / windowSec

	return &sim.RouterState{
		Clock:     c.clock,
		Snapshots: snaps,
		Tenants:   tenants,
		Global:    global,
		History: sim.HistoryWindow{
			Window:      c.cfg.HistoryWindow,
			Arrivals:    len(c.arrivalLog),
			Completions: len(c.completionLog),
		},
		Observed: observed,
		Shadow:   c.shadow,
	}
}

// handleArrival runs admission and priority for a request.
func (c *ClusterSimulator) handleArrival(e *ArrivalEvent) {
	req := e.Request
	if !e.Retry {
		c.injected = append(c.injected, req)
		req.State = sim.StateQueued
		c.arrivalLog = append(c.arrivalLog, arrivalMark{at: c.clock, tenant: req.TenantID})
	}
	dep := c.deploymentFor(req.Model)
	if dep == nil {
		c.trace.RecordAdmission(trace.AdmissionRecord{RequestID: req.ID, Clock: c.clock, Verdict: sim.Reject.String(), Reason: "unknown model"})
		c.reject(req, fmt.Sprintf("no deployment serves model %q", req.Model))
		return
	}
	if !e.Retry {
		for _, p := range dep.pools {
			p.arrivals++
			c.reactiveCheck(p)
		}
	}
	if req.BlockHashes == nil {
		req.BlockHashes = dep.hasher.BlockHashes(req.InputTokens)
	}

	state := c.routerState(dep)
	decision := c.admission.Admit(req, state)
	rec := trace.AdmissionRecord{
		RequestID: req.ID,
		Clock:     c.clock,
		Verdict:   decision.Verdict.String(),
		Delay:     decision.Delay,
		Reason:    decision.Reason,
	}
	switch decision.Verdict {
	case sim.Reject:
		c.trace.RecordAdmission(rec)
		c.reject(req, decision.Reason)
	case sim.Delay:
		req.AdmissionDelays++
		if req.AdmissionDelays > c.cfg.MaxAdmissionDelays {
			rec.Verdict = sim.Reject.String()
			rec.Reason = fmt.Sprintf("delayed %d times: %s", c.cfg.MaxAdmissionDelays, decision.Reason)
			c.trace.RecordAdmission(rec)
			c.reject(req, rec.Reason)
			return
		}
		c.trace.RecordAdmission(rec)
		delay := decision.Delay
		if delay <= 0 {
			delay = sim.DefaultAdmissionRetryDelay
		}
		c.schedule(&ArrivalEvent{BaseEvent: c.newBase(c.clock+delay, EventTypeArrival), Request: req, Retry: true})
	default:
		c.trace.RecordAdmission(rec)
		c.admit(req, state)
	}
}

func (c *ClusterSimulator) admit(req *sim.Request, state *sim.RouterState) {
	req.AdmitTime = c.clock
	c.admitted[req] = true
	t := c.tenants[req.TenantID]
	t.Requests++
	t.Active++
	c.tenants[req.TenantID] = t
	c.global.InFlight++

	prio := c.priority.Compute(req, state)
	req.Priority = prio.Score
	req.PriorityHints = prio.Hints
	c.trace.RecordPriority(trace.PriorityRecord{RequestID: req.ID, Clock: c.clock, Score: prio.Score, Hints: prio.Hints})

	c.schedule(&RouteDecisionEvent{
		BaseEvent: c.newBase(c.clock+c.cfg.AdmissionLatency+c.cfg.RoutingLatency, EventTypeRouteDecision),
		Request:   req,
	})
}

// handleRouteDecision routes an admitted request and enqueues it on its
// target. Requests of a deployment without a ready replica for every role
// wait until one becomes ready.
func (c *ClusterSimulator) handleRouteDecision(e *RouteDecisionEvent) {
	req := e.Request
	if req.State.IsTerminal() {
		return
	}
	dep := c.deploymentFor(req.Model)
	if !dep.routable() {
		logrus.Debugf("[tick %07d] %s: no ready instance in %s, parking", c.clock, req.ID, dep.cfg.ID)
		dep.parked = append(dep.parked, req)
		return
	}
	req.RouteTime = c.clock
	state := c.routerState(dep)

	var decision sim.RoutingDecision
	if dep.disaggregated() {
		decision = sim.RouteDisaggregated(c.routing, req, state)
	} else {
		decision = c.routing.Route(req, state)
	}
	target := c.routedInstance(dep, decision.TargetInstance)
	var decode *instance
	if dep.disaggregated() {
		decode = c.routedInstance(dep, decision.DecodeInstance)
	}

	predicted := state.Shadow.PredictHit(target.id, req.BlockHashes)
	before := outlookOf(state.Shadow, target.id, req.BlockHashes)
	c.shadow.RecordRouting(target.id, req.BlockHashes)
	if decode != nil {
		c.shadow.RecordRouting(decode.id, req.BlockHashes)
	}

	candidates := state.WithSnapshots(func(s sim.RoutingSnapshot) bool { return s.Role == target.role })
	top, regret := computeCounterfactual(target.id, decision.Scores, candidates.Snapshots, c.cfg.Trace.CounterfactualK)
	c.trace.RecordRouting(trace.RoutingRecord{
		RequestID:       req.ID,
		Clock:           c.clock,
		ChosenInstance:  target.id,
		PrefillInstance: decision.PrefillInstance,
		DecodeInstance:  decision.DecodeInstance,
		Reason:          decision.Reason,
		Scores:          copyScores(decision.Scores),
		Breakdown:       copyBreakdown(decision.Breakdown),
		Candidates:      top,
		Regret:          regret,
		PredictedHit:    predicted,
	})
	c.snapshots.NoteRouted(target.id)

	if decode != nil {
		req.Phase = sim.PhasePrefill
		req.PrefillInstance = target.id
		req.DecodeInstance = decode.id
		if !decode.kv.Fits(req.TotalTokens()) {
			logrus.Warnf("[tick %07d] %s: request %s does not fit decode instance %s; dropping", c.clock, dep.cfg.ID, req.ID, decode.id)
			c.drop(req, sim.DropUnservable)
			return
		}
	}
	if actual, ok := target.enqueue(c, req); ok {
		c.checkShadowDivergence(target, req, predicted, actual, before)
	}
}

// routedInstance resolves a routing choice. Panics if the policy named
// anything but a ready replica of dep.
func (c *ClusterSimulator) routedInstance(dep *deployment, id string) *instance {
	inst := c.instances[id]
	if inst == nil || inst.dep != dep || inst.state != InstanceReady {
		panic(fmt.Sprintf("routing policy chose %q, not a ready instance of deployment %s", id, dep.cfg.ID))
	}
	return inst
}

// wakeParked re-routes requests that waited for a ready replica.
func (c *ClusterSimulator) wakeParked(dep *deployment) {
	if len(dep.parked) == 0 || !dep.routable() {
		return
	}
	parked := dep.parked
	dep.parked = nil
	for _, req := range parked {
		c.schedule(&RouteDecisionEvent{BaseEvent: c.newBase(c.clock, EventTypeRouteDecision), Request: req})
	}
}
