package cluster

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/trace"
)

func (c *ClusterSimulator) recordAnomaly(rec trace.AnomalyRecord) {
	logrus.Debugf("[tick %07d] anomaly %s: %s", rec.Clock, rec.Type, rec.Detail)
	c.trace.RecordAnomaly(rec)
}

// checkPriorityInversion flags a step that scheduled a request while an
// earlier-arrived request of strictly higher priority kept waiting. At most
// one record per step.
func (c *ClusterSimulator) checkPriorityInversion(inst *instance, plan sim.BatchPlan, batch []*sim.Request) {
	waiting := inst.queue.Items()
	if len(waiting) == 0 {
		return
	}
	for _, req := range batch {
		if !plan.IsNew(req) {
			continue
		}
		for _, w := range waiting {
			if w.ArrivalTime < req.ArrivalTime && w.Priority > req.Priority {
				c.recordAnomaly(trace.AnomalyRecord{
					Type:       trace.AnomalyPriorityInversion,
					Clock:      c.clock,
					InstanceID: inst.id,
					RequestID:  req.ID,
					Detail:     fmt.Sprintf("%s (priority %.2f) scheduled ahead of %s (priority %.2f)", req.ID, req.Priority, w.ID, w.Priority),
				})
				return
			}
		}
	}
}

// sloTarget looks a class up as given, then under its normalised name.
func (c *ClusterSimulator) sloTarget(class string) (SLOTarget, bool) {
	if t, ok := c.cfg.SLOTargets[class]; ok {
		return t, true
	}
	t, ok := c.cfg.SLOTargets[sim.NormalizeSLOClass(class)]
	return t, ok
}

// checkSLO flags a completed request that missed a target of its class and
// reports whether it met its targets.
func (c *ClusterSimulator) checkSLO(inst *instance, req *sim.Request) bool {
	target, ok := c.sloTarget(req.SLOClass)
	if !ok {
		return true
	}
	var missed string
	switch {
	case target.TTFT > 0 && req.TTFT() > target.TTFT:
		missed = fmt.Sprintf("ttft %d > %d", req.TTFT(), target.TTFT)
	case target.E2E > 0 && req.E2E() > target.E2E:
		missed = fmt.Sprintf("e2e %d > %d", req.E2E(), target.E2E)
	default:
		return true
	}
	c.recordAnomaly(trace.AnomalyRecord{
		Type:       trace.AnomalySLOViolation,
		Clock:      c.clock,
		InstanceID: inst.id,
		RequestID:  req.ID,
		Detail:     fmt.Sprintf("class %q: %s", req.SLOClass, missed),
	})
	return false
}

// checkThrashing flags reloads of recently offloaded blocks on inst.
func (c *ClusterSimulator) checkThrashing(inst *instance) {
	n := inst.kv.Stats().Thrashing
	if n <= inst.lastThrashing {
		return
	}
	c.recordAnomaly(trace.AnomalyRecord{
		Type:       trace.AnomalyCacheThrashing,
		Clock:      c.clock,
		InstanceID: inst.id,
		Detail:     fmt.Sprintf("%d blocks reloaded within the thrash window", n-inst.lastThrashing),
	})
	inst.lastThrashing = n
}

// checkPreemptionStorm flags an instance whose preemptions within the storm
// window reach the configured count. It fires once per storm.
func (c *ClusterSimulator) checkPreemptionStorm(inst *instance) {
	limit, window := c.cfg.Anomaly.PreemptionStormCount, c.cfg.Anomaly.PreemptionStormWindow
	if limit <= 0 {
		return
	}
	inst.preemptLog = append(inst.preemptLog, c.clock)
	cut := 0
	for cut < len(inst.preemptLog) && c.clock-inst.preemptLog[cut] > window {
		cut++
	}
	inst.preemptLog = inst.preemptLog[cut:]
	if len(inst.preemptLog) < limit {
		inst.inStorm = false
		return
	}
	if inst.inStorm {
		return
	}
	inst.inStorm = true
	c.recordAnomaly(trace.AnomalyRecord{
		Type:       trace.AnomalyPreemptionStorm,
		Clock:      c.clock,
		InstanceID: inst.id,
		Detail:     fmt.Sprintf("%d preemptions within %d ticks", len(inst.preemptLog), window),
	})
}

// evictionRankWindow bounds how far down the predicted eviction order a
// divergence report looks for the request's first prefix block.
const evictionRankWindow = 64

// shadowOutlook is the shadow's view of an instance taken just before a
// routing decision is recorded into it.
type shadowOutlook struct {
	gpu   float64
	lower float64
	rank  int // of the first prefix block in the eviction order; -1 beyond the window
}

func outlookOf(view sim.ShadowView, instanceID string, hashes []uint64) shadowOutlook {
	o := shadowOutlook{
		gpu:   view.Utilization(instanceID),
		lower: view.LowerTierUtilization(instanceID),
		rank:  -1,
	}
	if len(hashes) > 0 {
		o.rank = slices.Index(view.PredictedEvictionOrder(instanceID, evictionRankWindow), hashes[0])
	}
	return o
}

func (o shadowOutlook) String() string {
	where := fmt.Sprintf("not among the next %d evictions", evictionRankWindow)
	if o.rank >= 0 {
		where = fmt.Sprintf("eviction rank %d", o.rank)
	}
	return fmt.Sprintf("shadow gpu=%.2f lower=%.2f, first block %s", o.gpu, o.lower, where)
}

// checkShadowDivergence flags a routing decision whose predicted cache hit
// disagreed with the instance's cache.
func (c *ClusterSimulator) checkShadowDivergence(inst *instance, req *sim.Request, predicted, actual bool, before shadowOutlook) {
	if predicted == actual {
		return
	}
	c.recordAnomaly(trace.AnomalyRecord{
		Type:             trace.AnomalyShadowDivergence,
		Clock:            c.clock,
		InstanceID:       inst.id,
		RequestID:        req.ID,
		Detail:           fmt.Sprintf("predicted hit=%t, actual hit=%t; %s", predicted, actual, before),
		ExpectedCacheHit: predicted,
		CacheHit:         actual,
	})
}

// checkOscillation flags a scaling direction flip within the oscillation
// window.
func (c *ClusterSimulator) checkOscillation(p *pool, action sim.ScaleAction) {
	window := p.dep.cfg.AutoScale.OscillationWindow
	if window <= 0 || !p.scaled || p.lastDirection == action || c.clock-p.lastScaleAt > window {
		return
	}
	c.recordAnomaly(trace.AnomalyRecord{
		Type:   trace.AnomalyScaleOscillation,
		Clock:  c.clock,
		Detail: fmt.Sprintf("%s/%s scaled %s %d ticks after scaling %s", p.dep.cfg.ID, p.role, action, c.clock-p.lastScaleAt, p.lastDirection),
	})
}
