package cluster

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/kv"
	"github.com/inference-sim/blis/sim/trace"
)

// scheduleCheck queues an auto-scale evaluation of p at ts.
func (c *ClusterSimulator) scheduleCheck(p *pool, ts int64) {
	p.checkPending = true
	c.schedule(&AutoScaleCheckEvent{BaseEvent: c.newBase(ts, EventTypeAutoScaleCheck), Pool: p})
}

// reactiveCheck evaluates p now when it scales reactively and its cooldown
// since the last check has elapsed.
func (c *ClusterSimulator) reactiveCheck(p *pool) {
	as := p.dep.cfg.AutoScale
	if !as.Enabled || as.Trigger != TriggerReactive || p.checkPending {
		return
	}
	if p.checked && c.clock-p.lastCheckAt < as.Cooldown {
		return
	}
	c.scheduleCheck(p, c.clock)
}

// poolSignals summarises p for the auto-scale policy and resets the
// per-window counters.
func (c *ClusterSimulator) poolSignals(p *pool) sim.PoolSignals {
	s := sim.PoolSignals{
		Deployment:   p.dep.cfg.ID,
		Role:         p.role,
		Clock:        c.clock,
		Ready:        p.count(InstanceReady),
		Provisioning: p.count(InstanceProvisioning),
		Draining:     p.count(InstanceDraining),
		MinReplicas:  p.spec.MinReplicas,
		MaxReplicas:  p.spec.MaxReplicas,
	}
	var qd, kvu float64
	for _, inst := range p.instances {
		if inst.state != InstanceReady {
			continue
		}
		u := inst.kv.Utilization(kv.TierGPU)
		s.Replicas = append(s.Replicas, sim.ReplicaSignals{ID: inst.id, KVUtilization: u, QueueDepth: inst.QueueDepth()})
		qd += float64(inst.QueueDepth())
		kvu += u
	}
	if n := len(s.Replicas); n > 0 {
		s.MeanQueueDepth = qd / float64(n)
		s.MeanKVUtilization = kvu / float64(n)
	}
	s.SLOAttainment = 1
	if p.sloSeen > 0 {
		s.SLOAttainment = float64(p.sloMet) / float64(p.sloSeen)
	}
	elapsed := c.clock - p.lastCheckAt
	if !p.checked {
		elapsed = c.clock
	}
	if elapsed > 0 {
		s.ArrivalRate = float64(p.arrivals) / (float64(elapsed) / 1e6)
	}
	s.PrevArrivalRate = p.prevArrivalRate

	p.prevArrivalRate = s.ArrivalRate
	p.arrivals, p.sloMet, p.sloSeen = 0, 0, 0
	p.lastCheckAt, p.checked = c.clock, true
	return s
}

func (c *ClusterSimulator) handleAutoScaleCheck(e *AutoScaleCheckEvent) {
	p := e.Pool
	p.checkPending = false
	as := p.dep.cfg.AutoScale
	if as.Trigger == TriggerPeriodic {
		if next := c.clock + as.Interval; next <= c.cfg.Horizon {
			c.scheduleCheck(p, next)
		}
	}
	signals := c.poolSignals(p)
	decision := c.autoscale.Evaluate(signals)
	if decision.Action == sim.ScaleNone {
		return
	}
	if p.scaled && c.clock-p.lastScaleAt < as.Cooldown {
		logrus.Debugf("[tick %07d] %s/%s: %s suppressed by cooldown", c.clock, p.dep.cfg.ID, p.role, decision.Action)
		return
	}
	cur := signals.Current()
	decision.Target = min(max(decision.Target, p.spec.MinReplicas), p.spec.MaxReplicas)
	switch decision.Action {
	case sim.ScaleUp:
		if cur >= p.spec.MaxReplicas {
			return
		}
	case sim.ScaleDown:
		if cur <= p.spec.MinReplicas || signals.Ready <= 1 {
			return
		}
	}
	c.schedule(&ScaleActionEvent{BaseEvent: c.newBase(c.clock, EventTypeScaleAction), Pool: p, Decision: decision})
}

func (c *ClusterSimulator) handleScaleAction(e *ScaleActionEvent) {
	p := e.Pool
	from := p.current()
	var inst *instance
	switch e.Decision.Action {
	case sim.ScaleUp:
		if from >= p.spec.MaxReplicas {
			return
		}
		inst = c.provision(p)
	case sim.ScaleDown:
		if from <= p.spec.MinReplicas {
			return
		}
		inst = p.scaleDownVictim()
		if inst == nil {
			return
		}
		c.drain(inst)
	default:
		return
	}
	c.checkOscillation(p, e.Decision.Action)
	p.lastScaleAt, p.lastDirection, p.scaled = c.clock, e.Decision.Action, true
	c.checkPoolBounds(p)
	c.scaleCounts[e.Decision.Action.String()]++
	logrus.Infof("[tick %07d] scale %s %s/%s: %d -> %d (%s)", c.clock, e.Decision.Action, p.dep.cfg.ID, p.role, from, p.current(), inst.id)
	c.trace.RecordScale(trace.ScaleRecord{
		Deployment: p.dep.cfg.ID,
		Role:       p.role,
		Clock:      c.clock,
		Action:     e.Decision.Action.String(),
		From:       from,
		To:         p.current(),
		InstanceID: inst.id,
		Reason:     e.Decision.Reason,
	})
}

// checkPoolBounds panics if a pool left [MinReplicas, MaxReplicas].
func (c *ClusterSimulator) checkPoolBounds(p *pool) {
	if n := p.current(); n < p.spec.MinReplicas || n > p.spec.MaxReplicas {
		panic(fmt.Sprintf("pool %s/%s has %d replicas outside [%d, %d]", p.dep.cfg.ID, p.role, n, p.spec.MinReplicas, p.spec.MaxReplicas))
	}
}

// scaleDownVictim picks the ready replica with the highest ID, keeping at
// least one ready replica.
func (p *pool) scaleDownVictim() *instance {
	var victim *instance
	ready := 0
	for _, inst := range p.instances {
		if inst.state != InstanceReady {
			continue
		}
		ready++
		if victim == nil || inst.id > victim.id {
			victim = inst
		}
	}
	if ready <= 1 {
		return nil
	}
	return victim
}

// provision adds a replica to p. It becomes ready after a provisioning delay
// drawn uniformly from the configured range plus the model load time, then
// warms up.
func (c *ClusterSimulator) provision(p *pool) *instance {
	as := p.dep.cfg.AutoScale
	inst := newInstance(c, p, p.dep.nextInstanceID(p.role), InstanceProvisioning)
	inst.warmup = as.Warmup
	p.instances = append(p.instances, inst)
	c.instances[inst.id] = inst
	c.allInstances = append(c.allInstances, inst)

	delay := as.ProvisioningDelayMin
	if span := as.ProvisioningDelayMax - as.ProvisioningDelayMin; span > 0 {
		delay += c.rng.ForSubsystem(sim.SubsystemAutoScaler).Int63n(span + 1)
	}
	delay += as.ModelLoadTime
	c.schedule(&InstanceReadyEvent{
		BaseEvent:  c.newBase(c.clock+delay, EventTypeInstanceReady),
		InstanceID: inst.id,
		Epoch:      inst.epoch,
	})
	return inst
}

func (c *ClusterSimulator) handleInstanceReady(e *InstanceReadyEvent) {
	inst := c.instances[e.InstanceID]
	if inst == nil || inst.epoch != e.Epoch || inst.state != InstanceProvisioning {
		return
	}
	c.markReady(inst)
	c.trace.RecordScale(trace.ScaleRecord{
		Deployment: inst.dep.cfg.ID,
		Role:       inst.role,
		Clock:      c.clock,
		Action:     "ready",
		From:       inst.pool.current(),
		To:         inst.pool.current(),
		InstanceID: inst.id,
		Reason:     fmt.Sprintf("warmup %s", inst.warmup),
	})
	c.wakeParked(inst.dep)
}

// markReady brings a replica into service and tells the router about it.
func (c *ClusterSimulator) markReady(inst *instance) {
	inst.state = InstanceReady
	inst.readyAt = c.clock
	lower := inst.kv.TotalBlocks(kv.TierCPU) + inst.kv.TotalBlocks(kv.TierStorage)
	c.shadow.RegisterInstance(inst.id, inst.kv.TotalBlocks(kv.TierGPU), lower)
}

// drain takes a replica out of service according to its deployment's drain
// policy.
func (c *ClusterSimulator) drain(inst *instance) {
	as := inst.dep.cfg.AutoScale
	logrus.Debugf("[tick %07d] draining %s (%s)", c.clock, inst.id, as.DrainPolicy)
	inst.state = InstanceDraining
	c.shadow.RemoveInstance(inst.id)
	switch as.DrainPolicy {
	case DrainImmediate:
		c.evict(inst, sim.DropDrained)
	case DrainRedirect:
		for _, req := range inst.evacuate() {
			req.ResetProgress()
			req.Phase = sim.PhaseFull
			req.State = sim.StateQueued
			req.AssignedInstance = ""
			c.schedule(&RouteDecisionEvent{BaseEvent: c.newBase(c.clock+c.cfg.RoutingLatency, EventTypeRouteDecision), Request: req})
		}
		// re-attempt inbound handoffs elsewhere
		for _, h := range append([]*handoff(nil), inst.inbox...) {
			c.receiveHandoff(h, !h.landed)
		}
		c.maybeFinishDrain(inst)
	default:
		if as.DrainTimeout > 0 {
			c.schedule(&DrainTimeoutEvent{
				BaseEvent:  c.newBase(c.clock+as.DrainTimeout, EventTypeScaleAction),
				InstanceID: inst.id,
				Epoch:      inst.epoch,
			})
		}
		c.maybeFinishDrain(inst)
	}
}

func (c *ClusterSimulator) handleDrainTimeout(e *DrainTimeoutEvent) {
	inst := c.instances[e.InstanceID]
	if inst == nil || inst.epoch != e.Epoch || inst.state != InstanceDraining {
		return
	}
	logrus.Warnf("[tick %07d] %s: drain timed out with %d requests in flight", c.clock, inst.id, inst.InFlight())
	c.evict(inst, sim.DropDrainTimeout)
}

// evict drops every request the replica still holds and terminates it.
// Pipelined handoffs already received finish on their decode replica;
// inbound handoffs not yet received are redirected.
func (c *ClusterSimulator) evict(inst *instance, reason string) {
	for _, req := range inst.evacuate() {
		c.drop(req, reason)
	}
	for _, req := range inst.takeCompleting() {
		c.drop(req, reason)
	}
	for _, id := range sortedKeys(inst.outbound) {
		h := inst.outbound[id]
		if h.received {
			h.to.kv.FinishReceive(h.req.ID)
			continue
		}
		if h.queued {
			h.to.inbox = withoutHandoff(h.to.inbox, h)
			h.queued = false
		}
		h.to.inbound--
		c.drop(h.req, reason)
		c.maybeFinishDrain(h.to)
	}
	inst.outbound = make(map[int64]*handoff)
	inbox := inst.inbox
	inst.inbox = nil
	c.terminate(inst)
	for _, h := range inbox {
		h.queued = false
		c.receiveHandoff(h, !h.landed)
	}
	if inst.dep.disaggregated() {
		c.updateBackpressure(inst.dep)
	}
}

// maybeFinishDrain terminates a draining replica once it holds no work.
func (c *ClusterSimulator) maybeFinishDrain(inst *instance) {
	if inst.state == InstanceDraining && inst.idle() && len(inst.inbox) == 0 {
		c.terminate(inst)
	}
}

// terminate removes a replica for good. Events already scheduled for it are
// ignored.
func (c *ClusterSimulator) terminate(inst *instance) {
	inst.state = InstanceTerminated
	inst.epoch++
	inst.stepScheduled = false
	inst.pool.remove(inst)
	delete(c.instances, inst.id)
	c.shadow.RemoveInstance(inst.id)
	c.snapshots.Forget(inst.id)
	c.scaleCounts["terminated"]++
	c.trace.RecordScale(trace.ScaleRecord{
		Deployment: inst.dep.cfg.ID,
		Role:       inst.role,
		Clock:      c.clock,
		Action:     "terminated",
		From:       inst.pool.current(),
		To:         inst.pool.current(),
		InstanceID: inst.id,
	})
}
