package cluster

import (
	"fmt"
	"sort"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/internal/hash"
)

// deployment is one served model: its pools, its hash space and the requests
// waiting for a ready instance.
type deployment struct {
	cfg    DeploymentConfig
	hasher *hash.Hasher
	pools  []*pool

	// throttled is set while the decode pool's inbound handoffs exceed the
	// backpressure threshold; prefill instances then admit no new requests.
	throttled bool

	parked []*sim.Request // admitted while no instance of a needed role was ready
	seq    map[string]int // next instance sequence number per role
}

func newDeployment(cfg DeploymentConfig) *deployment {
	d := &deployment{
		cfg:    cfg,
		hasher: hash.New(int(cfg.Instance.KV.BlockSizeTokens)),
		seq:    make(map[string]int),
	}
	for _, spec := range cfg.Pools {
		d.pools = append(d.pools, &pool{dep: d, spec: spec, role: spec.Role})
	}
	return d
}

// disaggregated reports whether requests are split into prefill and decode.
func (d *deployment) disaggregated() bool {
	return d.cfg.Architecture == ArchitectureDisaggregatedPD
}

// pool returns the pool of a role, or nil.
func (d *deployment) pool(role string) *pool {
	for _, p := range d.pools {
		if p.role == role {
			return p
		}
	}
	return nil
}

// nextInstanceID names the next replica of role, e.g. "llama-p-003".
func (d *deployment) nextInstanceID(role string) string {
	prefix := "i"
	switch role {
	case sim.RolePrefill:
		prefix = "p"
	case sim.RoleDecode:
		prefix = "d"
	}
	id := fmt.Sprintf("%s-%s-%03d", d.cfg.ID, prefix, d.seq[role])
	d.seq[role]++
	return id
}

// routable reports whether every role a request needs has a ready instance.
func (d *deployment) routable() bool {
	for _, p := range d.pools {
		if p.count(InstanceReady) == 0 {
			return false
		}
	}
	return true
}

// readyInstances returns the ready instances of every pool, sorted by ID.
func (d *deployment) readyInstances() []*instance {
	var out []*instance
	for _, p := range d.pools {
		for _, inst := range p.instances {
			if inst.state == InstanceReady {
				out = append(out, inst)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// pool is the replica set of one role within a deployment. It is the unit the
// auto-scaler sizes.
type pool struct {
	dep  *deployment
	spec PoolSpec
	role string

	instances []*instance // every non-terminated replica, in creation order

	lastScaleAt   int64
	lastDirection sim.ScaleAction
	scaled        bool
	lastCheckAt   int64
	checked       bool
	checkPending  bool

	// signals accumulated since the last auto-scale check
	arrivals        int
	prevArrivalRate float64
	sloMet, sloSeen int
}

// count returns the replicas in state s.
func (p *pool) count(s InstanceState) int {
	n := 0
	for _, inst := range p.instances {
		if inst.state == s {
			n++
		}
	}
	return n
}

// current is the pool size counted against the bounds: ready + provisioning.
func (p *pool) current() int {
	return p.count(InstanceReady) + p.count(InstanceProvisioning)
}

func (p *pool) remove(inst *instance) {
	for i, x := range p.instances {
		if x == inst {
			p.instances = append(p.instances[:i], p.instances[i+1:]...)
			return
		}
	}
}

// leastLoadedReady returns the ready replica with the lowest in-flight count,
// lowest ID first, or nil.
func (p *pool) leastLoadedReady(exclude string) *instance {
	var best *instance
	for _, inst := range p.instances {
		if inst.state != InstanceReady || inst.id == exclude {
			continue
		}
		if best == nil || inst.InFlight() < best.InFlight() ||
			(inst.InFlight() == best.InFlight() && inst.id < best.id) {
			best = inst
		}
	}
	return best
}
