package cluster

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/kv"
	"github.com/inference-sim/blis/sim/trace"
)

// handoff is a prefill→decode KV transfer of one request. The prefill replica
// owns the blocks until the transfer lands; the decode replica owns them once
// it has received the handoff.
type handoff struct {
	req      *sim.Request
	transfer *kv.Transfer
	from     *instance
	to       *instance

	landed   bool // source side complete
	received bool // decode side blocks allocated
	queued   bool // waiting in to.inbox
}

// beginHandoff starts moving req's KV from its prefill replica to its decode
// replica at time at (the end of the prefill step).
func (c *ClusterSimulator) beginHandoff(src *instance, req *sim.Request, at int64) {
	dst := c.instances[req.DecodeInstance]
	if dst == nil || !dst.acceptsHandoffs() {
		dst = src.dep.pool(sim.RoleDecode).leastLoadedReady("")
	}
	if dst == nil {
		logrus.Warnf("[tick %07d] no decode instance for %s; dropping", c.clock, req.ID)
		src.kv.Release(req.ID)
		c.drop(req, sim.DropDrained)
		return
	}

	src.kv.SetClock(at)
	tr := src.kv.BeginHandoff(req.ID, dst.id, src.dep.cfg.PD.Link)
	src.kv.SetClock(c.clock)

	h := &handoff{req: req, transfer: tr, from: src, to: dst}
	src.outbound[tr.ID] = h
	dst.inbound++
	req.DecodeInstance = dst.id

	c.schedule(&KVTransferEvent{
		BaseEvent:  c.newBase(tr.EstimatedCompletion, EventTypeKVTransfer),
		InstanceID: src.id,
		TransferID: tr.ID,
		Epoch:      src.epoch,
		Phase:      handoffComplete,
	})
	if pd := src.dep.cfg.PD; pd.PipelineMode {
		at := tr.Start + int64(math.Ceil(float64(tr.Duration())*pd.PipelineThreshold))
		if at < tr.EstimatedCompletion {
			c.schedule(&KVTransferEvent{
				BaseEvent:  c.newBase(at, EventTypeKVTransfer),
				InstanceID: src.id,
				TransferID: tr.ID,
				Epoch:      src.epoch,
				Phase:      handoffThreshold,
			})
		}
	}
	c.updateBackpressure(src.dep)
}

// handoffThresholdReached lets a pipelined handoff start decoding before the
// transfer has finished.
func (c *ClusterSimulator) handoffThresholdReached(src *instance, id int64) {
	h, ok := src.outbound[id]
	if !ok || h.received {
		return
	}
	c.receiveHandoff(h, true)
}

// completeHandoff lands a handoff on the source side and hands ownership to
// the decode replica.
func (c *ClusterSimulator) completeHandoff(src *instance, id int64) {
	h, ok := src.outbound[id]
	if !ok {
		return
	}
	delete(src.outbound, id)
	src.kv.SetClock(c.clock)
	tr := src.kv.CompleteHandoff(id)
	h.landed = true
	c.recordTransfer(tr, c.clock)
	req := h.req
	if !req.State.IsTerminal() {
		c.shadow.ReportTransfer(src.id, h.to.id, nonZero(tr.Hashes))
		if h.received {
			h.to.kv.FinishReceive(req.ID)
		} else {
			c.receiveHandoff(h, false)
		}
	}
	c.ensureStep(src)
	c.maybeFinishDrain(src)
}

// receiveHandoff allocates the decode-side blocks of h. When the decode
// replica is full the handoff waits in its inbox and is retried on each of
// its steps.
func (c *ClusterSimulator) receiveHandoff(h *handoff, arriving bool) {
	req := h.req
	if req.State.IsTerminal() {
		return
	}
	dst := h.to
	if !dst.acceptsHandoffs() {
		alt := dst.dep.pool(sim.RoleDecode).leastLoadedReady(dst.id)
		if alt == nil {
			c.dropHandoff(h, sim.DropDrained)
			return
		}
		if h.queued {
			dst.inbox = withoutHandoff(dst.inbox, h)
		}
		dst.inbound--
		c.maybeFinishDrain(dst)
		alt.inbound++
		h.to, h.queued = alt, false
		req.DecodeInstance = alt.id
		dst = alt
	}
	if !dst.kv.Fits(req.TotalTokens()) {
		c.dropHandoff(h, sim.DropUnservable)
		return
	}
	dst.kv.SetClock(c.clock)
	if !dst.decodeRoom(req, int64(len(h.transfer.Hashes))) || !dst.kv.ReceiveHandoff(req.ID, h.transfer.Hashes, arriving) {
		if !h.queued {
			dst.inbox = append(dst.inbox, h)
			h.queued = true
		}
		c.ensureStep(dst)
		return
	}
	if h.queued {
		dst.inbox = withoutHandoff(dst.inbox, h)
		h.queued = false
	}
	h.received = true
	dst.inbound--
	c.scheduleTransfers(dst)
	req.Phase = sim.PhaseDecode
	req.State = sim.StateQueued
	req.AssignedInstance = dst.id
	req.EnqueueTime = c.clock
	dst.scheduler.OnRequestArrival(req, dst.batchContext(c.clock))
	c.updateBackpressure(dst.dep)
	c.ensureStep(dst)
}

// retryInbox re-attempts handoffs waiting for KV room on a decode replica.
func (c *ClusterSimulator) retryInbox(dst *instance) {
	pending := append([]*handoff(nil), dst.inbox...)
	for _, h := range pending {
		c.receiveHandoff(h, !h.landed)
	}
}

// dropHandoff ends a request whose handoff cannot be received. Blocks still
// held by the source are freed when its transfer lands.
func (c *ClusterSimulator) dropHandoff(h *handoff, reason string) {
	if h.queued {
		h.to.inbox = withoutHandoff(h.to.inbox, h)
		h.queued = false
	}
	if !h.received {
		h.to.inbound--
	}
	c.drop(h.req, reason)
	c.updateBackpressure(h.from.dep)
	c.maybeFinishDrain(h.to)
}

// updateBackpressure throttles the deployment's prefill pool while the decode
// pool has more inbound handoffs than the threshold.
func (c *ClusterSimulator) updateBackpressure(dep *deployment) {
	limit := dep.cfg.PD.BackpressureThreshold
	decode := dep.pool(sim.RoleDecode)
	if limit <= 0 || decode == nil {
		return
	}
	inbound := 0
	for _, inst := range decode.instances {
		inbound += inst.inbound
	}
	switch {
	case inbound > limit && !dep.throttled:
		dep.throttled = true
		c.recordAnomaly(trace.AnomalyRecord{
			Type:   trace.AnomalyPDBackpressure,
			Clock:  c.clock,
			Detail: fmt.Sprintf("deployment %s: %d inbound handoffs > %d", dep.cfg.ID, inbound, limit),
		})
	case inbound <= limit && dep.throttled:
		dep.throttled = false
		for _, inst := range dep.pool(sim.RolePrefill).instances {
			c.ensureStep(inst)
		}
	}
}

func nonZero(hashes []uint64) []uint64 {
	out := make([]uint64, 0, len(hashes))
	for _, h := range hashes {
		if h != 0 {
			out = append(out, h)
		}
	}
	return out
}

func withoutHandoff(hs []*handoff, drop *handoff) []*handoff {
	for i, h := range hs {
		if h == drop {
			return append(hs[:i], hs[i+1:]...)
		}
	}
	return hs
}
