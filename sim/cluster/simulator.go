package cluster

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/constraints"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/kv"
	"github.com/inference-sim/blis/sim/trace"
)

// ClusterSimulator runs a cluster of model-server replicas behind an
// admission → priority → routing pipeline on a single event heap.
type ClusterSimulator struct {
	cfg    Config
	bundle *sim.PolicyBundle
	rng    *sim.PartitionedRNG

	clock       int64
	nextEventID uint64
	events      *EventHeap

	deployments  []*deployment
	instances    map[string]*instance // non-terminated replicas
	allInstances []*instance          // every replica ever created, in creation order

	shadow    *sim.ShadowKV
	snapshots *CachedSnapshotProvider
	trace     *trace.SimulationTrace

	admission sim.AdmissionPolicy
	priority  sim.PriorityPolicy
	routing   sim.RoutingPolicy
	autoscale sim.AutoScalePolicy

	tenants       map[string]sim.TenantStats
	global        sim.GlobalStats
	arrivalLog    []arrivalMark
	completionLog []int64

	requests    []*sim.Request
	injected    []*sim.Request
	admitted    map[*sim.Request]bool
	scaleCounts map[string]int
	hasRun      bool
}

// NewClusterSimulator validates cfg and builds a simulator over requests.
// A nil bundle selects every stage's default policy. When cfg.Key carries no
// policy ID it is derived from the bundle.
func NewClusterSimulator(cfg Config, bundle *sim.PolicyBundle, requests []*sim.Request) (*ClusterSimulator, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid cluster config")
	}
	if bundle == nil {
		bundle = &sim.PolicyBundle{}
	}
	if err := bundle.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid policy bundle")
	}
	seen := make(map[string]bool, len(requests))
	for i, req := range requests {
		if req == nil {
			return nil, errors.Errorf("request %d is nil", i)
		}
		if req.ID == "" || seen[req.ID] {
			return nil, errors.Errorf("request %d: missing or duplicate ID %q", i, req.ID)
		}
		if req.ArrivalTime < 0 {
			return nil, errors.Errorf("request %s: negative arrival time %d", req.ID, req.ArrivalTime)
		}
		seen[req.ID] = true
	}
	if cfg.Key.PolicyID == "" {
		cfg.Key.PolicyID = bundle.PolicyID()
	}

	c := &ClusterSimulator{
		cfg:         cfg,
		bundle:      bundle,
		rng:         sim.NewPartitionedRNG(cfg.Key),
		events:      NewEventHeap(),
		instances:   make(map[string]*instance),
		shadow:      sim.NewShadowKV(cfg.ShadowCapacity),
		snapshots:   NewCachedSnapshotProvider(cfg.Snapshot),
		trace:       trace.NewSimulationTrace(cfg.Trace),
		admission:   sim.NewAdmissionPolicy(bundle.Admission),
		priority:    sim.NewPriorityPolicy(bundle.Priority.Policy),
		routing:     sim.NewRoutingPolicy(bundle.Routing.Policy, bundle.Routing.Scorers),
		autoscale:   sim.NewAutoScalePolicy(bundle.AutoScale),
		tenants:     make(map[string]sim.TenantStats),
		requests:    requests,
		admitted:    make(map[*sim.Request]bool),
		scaleCounts: make(map[string]int),
	}
	c.trace.RunID = cfg.Key.RunID()

	for _, dc := range cfg.Deployments {
		d := newDeployment(dc)
		c.deployments = append(c.deployments, d)
		for _, p := range d.pools {
			for i := 0; i < p.spec.Replicas; i++ {
				inst := newInstance(c, p, d.nextInstanceID(p.role), InstanceProvisioning)
				p.instances = append(p.instances, inst)
				c.instances[inst.id] = inst
				c.allInstances = append(c.allInstances, inst)
				c.markReady(inst)
			}
		}
	}
	logrus.Debugf("cluster %s: %d deployments, %d instances, %d requests",
		c.trace.RunID, len(c.deployments), len(c.allInstances), len(requests))
	return c, nil
}

// Trace returns the decision trace of the run.
func (c *ClusterSimulator) Trace() *trace.SimulationTrace { return c.trace }

// Clock returns the current simulation time.
func (c *ClusterSimulator) Clock() int64 { return c.clock }

// Key returns the simulation key the run is derived from.
func (c *ClusterSimulator) Key() sim.SimulationKey { return c.cfg.Key }

// Run processes events until the heap is empty or the next event lies past
// the horizon. Requests still in flight at the end are timed out.
func (c *ClusterSimulator) Run() (*Metrics, error) {
	if c.hasRun {
		return nil, errors.New("ClusterSimulator.Run called more than once")
	}
	c.hasRun = true

	for _, req := range c.requests {
		if req.ArrivalTime > c.cfg.Horizon {
			continue
		}
		c.schedule(&ArrivalEvent{BaseEvent: c.newBase(req.ArrivalTime, EventTypeArrival), Request: req})
	}
	for _, d := range c.deployments {
		as := d.cfg.AutoScale
		if !as.Enabled || as.Trigger != TriggerPeriodic {
			continue
		}
		for _, p := range d.pools {
			if as.Interval <= c.cfg.Horizon {
				c.scheduleCheck(p, as.Interval)
			}
		}
	}

	for c.events.Len() > 0 {
		ev := c.events.Peek()
		if ev.Timestamp() > c.cfg.Horizon {
			break
		}
		c.events.PopNext()
		if ev.Timestamp() < c.clock {
			panic(fmt.Sprintf("Clock went backwards: event %s #%d at %d, clock %d", ev.Type(), ev.EventID(), ev.Timestamp(), c.clock))
		}
		c.clock = ev.Timestamp()
		logrus.Tracef("[tick %07d] %s #%d", c.clock, ev.Type(), ev.EventID())
		ev.Execute(c)
	}
	return c.finalize()
}

// finalize times out unfinished requests and checks request conservation.
func (c *ClusterSimulator) finalize() (*Metrics, error) {
	var stillQueued, stillRunning int
	for _, req := range c.injected {
		if req.State.IsTerminal() {
			continue
		}
		if req.State == sim.StateRunning {
			stillRunning++
		} else {
			stillQueued++
		}
		if c.admitted[req] {
			c.release(req)
		}
		req.State = sim.StateTimedOut
	}
	if stillQueued+stillRunning > 0 {
		logrus.Warnf("[tick %07d] horizon reached: %d requests still queued, %d still running", c.clock, stillQueued, stillRunning)
	}
	for _, inst := range c.allInstances {
		inst.kv.CheckConservation()
	}

	m := c.collectMetrics()
	m.StillQueued, m.StillRunning = stillQueued, stillRunning
	if n := m.DroppedByReason[sim.DropUnservable]; n > 0 {
		logrus.Warnf("%d requests dropped as unservable: they need more KV blocks than their instance's GPU tier holds", n)
	}
	if total := m.Completed + m.Rejected + m.Dropped + m.TimedOut; total != m.Injected {
		return m, errors.Errorf("request conservation violated: %d completed + %d rejected + %d dropped + %d timed out != %d injected",
			m.Completed, m.Rejected, m.Dropped, m.TimedOut, m.Injected)
	}
	return m, nil
}

func (c *ClusterSimulator) schedule(e Event) {
	c.events.Schedule(e)
}

// ensureStep schedules a step now for a serving replica with work and no
// step pending.
func (c *ClusterSimulator) ensureStep(inst *instance) {
	if inst.stepScheduled || inst.stepping || !inst.hasWork() {
		return
	}
	if inst.state != InstanceReady && inst.state != InstanceDraining {
		return
	}
	inst.stepScheduled = true
	c.schedule(&InstanceStepEvent{
		BaseEvent:  c.newBase(c.clock, EventTypeInstanceStep),
		InstanceID: inst.id,
		Epoch:      inst.epoch,
	})
}

// scheduleTransfers turns the replica's newly started local transfers into
// landing events.
func (c *ClusterSimulator) scheduleTransfers(inst *instance) {
	for _, tr := range inst.kv.TakeTransfers() {
		c.schedule(&KVTransferEvent{
			BaseEvent:  c.newBase(max(tr.EstimatedCompletion, c.clock), EventTypeKVTransfer),
			InstanceID: inst.id,
			TransferID: tr.ID,
			Epoch:      inst.epoch,
			Phase:      transferLanded,
		})
	}
}

func (c *ClusterSimulator) recordTransfer(tr *kv.Transfer, end int64) {
	if tr == nil {
		return
	}
	c.trace.RecordTransfer(trace.TransferRecord{
		TransferID:   uint64(tr.ID),
		Type:         tr.Type.String(),
		RequestID:    tr.RequestID,
		FromInstance: tr.FromInstance,
		ToInstance:   tr.ToInstance,
		FromTier:     tr.FromTier.String(),
		ToTier:       tr.ToTier.String(),
		Blocks:       int(tr.Blocks()),
		Start:        tr.Start,
		End:          end,
		Cancelled:    tr.Cancelled,
	})
}

// release returns an admitted request's slot in the router counters.
func (c *ClusterSimulator) release(req *sim.Request) {
	t := c.tenants[req.TenantID]
	t.Active--
	c.tenants[req.TenantID] = t
	c.global.InFlight--
}

// drop ends an admitted request without completing it.
func (c *ClusterSimulator) drop(req *sim.Request, reason string) {
	if req.State.IsTerminal() {
		return
	}
	logrus.Debugf("[tick %07d] drop %s: %s", c.clock, req.ID, reason)
	req.State = sim.StateDropped
	req.DropReason = reason
	if c.admitted[req] {
		c.release(req)
	}
}

// reject ends a request at admission.
func (c *ClusterSimulator) reject(req *sim.Request, reason string) {
	logrus.Debugf("[tick %07d] reject %s: %s", c.clock, req.ID, reason)
	req.State = sim.StateRejected
	req.DropReason = reason
	c.global.Rejected++
}

// jitter returns the step-time multiplier 1 ± U(0, StepJitter).
func (c *ClusterSimulator) jitter() float64 {
	if c.cfg.StepJitter == 0 {
		return 1
	}
	u := c.rng.ForSubsystem(sim.SubsystemJitter).Float64()
	return 1 + (2*u-1)*c.cfg.StepJitter
}

func (c *ClusterSimulator) handleInstanceStep(e *InstanceStepEvent) {
	inst := c.instances[e.InstanceID]
	if inst == nil || inst.epoch != e.Epoch {
		return
	}
	inst.step(c)
	c.maybeFinishDrain(inst)
}

func (c *ClusterSimulator) handleRequestCompleted(e *RequestCompletedEvent) {
	inst := c.instances[e.InstanceID]
	if inst == nil || inst.epoch != e.Epoch {
		return
	}
	req := e.Request
	if _, ok := inst.completing[req.ID]; !ok {
		return
	}
	delete(inst.completing, req.ID)
	req.State = sim.StateCompleted
	req.CompletionTime = c.clock
	if req.OutputLen() > 1 {
		inst.recentTPOT = ema(inst.recentTPOT, req.TPOT())
	}
	inst.completed++
	c.release(req)
	c.global.Completed++
	c.completionLog = append(c.completionLog, c.clock)
	logrus.Debugf("[tick %07d] %s completed on %s: ttft=%d e2e=%d", c.clock, req.ID, inst.id, req.TTFT(), req.E2E())

	met := c.checkSLO(inst, req)
	for _, p := range inst.dep.pools {
		p.sloSeen++
		if met {
			p.sloMet++
		}
		c.reactiveCheck(p)
	}
	c.ensureStep(inst)
	c.maybeFinishDrain(inst)
}

func (c *ClusterSimulator) handleKVTransfer(e *KVTransferEvent) {
	inst := c.instances[e.InstanceID]
	if inst == nil || inst.epoch != e.Epoch {
		return
	}
	switch e.Phase {
	case transferLanded:
		tr := inst.landTransfer(c, e.TransferID)
		c.recordTransfer(tr, c.clock)
		c.scheduleTransfers(inst)
		c.checkThrashing(inst)
		c.ensureStep(inst)
		c.maybeFinishDrain(inst)
	case handoffThreshold:
		c.handoffThresholdReached(inst, e.TransferID)
	case handoffComplete:
		c.completeHandoff(inst, e.TransferID)
	}
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
