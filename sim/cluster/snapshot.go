package cluster

import (
	"github.com/pkg/errors"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/kv"
)

// FieldConfig sets how often one signal group is re-read from its instance.
type FieldConfig struct {
	Mode     string `yaml:"mode"`
	Interval int64  `yaml:"interval"` // ticks, periodic mode only
}

// SnapshotConfig configures the freshness of each routing-snapshot signal
// group. PendingRequests and the warming flag are always fresh.
type SnapshotConfig struct {
	Queue   FieldConfig `yaml:"queue"`   // queue depth, batch size, in-flight
	KV      FieldConfig `yaml:"kv"`      // tier utilisations, free blocks, hit rate
	Latency FieldConfig `yaml:"latency"` // recent TTFT / TPOT
}

func (f FieldConfig) withDefaults() FieldConfig {
	if f.Mode == "" {
		f.Mode = RefreshImmediate
	}
	return f
}

func (c SnapshotConfig) withDefaults() SnapshotConfig {
	c.Queue = c.Queue.withDefaults()
	c.KV = c.KV.withDefaults()
	c.Latency = c.Latency.withDefaults()
	return c
}

func (f FieldConfig) validate() error {
	switch f.Mode {
	case RefreshImmediate:
	case RefreshPeriodic:
		if f.Interval <= 0 {
			return errors.Errorf("periodic refresh needs interval > 0, got %d", f.Interval)
		}
	default:
		return errors.Errorf("unknown refresh mode %q", f.Mode)
	}
	return nil
}

func (c SnapshotConfig) validate() error {
	if err := c.Queue.validate(); err != nil {
		return errors.Wrap(err, "queue")
	}
	if err := c.KV.validate(); err != nil {
		return errors.Wrap(err, "kv")
	}
	return errors.Wrap(c.Latency.validate(), "latency")
}

// due reports whether a group last read at last (or never) must be re-read at now.
func (f FieldConfig) due(last int64, seen bool, now int64) bool {
	if !seen || f.Mode == RefreshImmediate {
		return true
	}
	return now-last >= f.Interval
}

type cachedSnapshot struct {
	snap     sim.RoutingSnapshot
	observed sim.ObservedKV

	queueAt, kvAt, latencyAt       int64
	queueSeen, kvSeen, latencySeen bool
}

// CachedSnapshotProvider builds routing snapshots whose signal groups may be
// stale according to SnapshotConfig. PendingRequests counts requests routed
// to an instance since its queue signals were last read.
type CachedSnapshotProvider struct {
	config  SnapshotConfig
	cache   map[string]*cachedSnapshot
	pending map[string]int
}

// NewCachedSnapshotProvider creates a provider. The config must be defaulted.
func NewCachedSnapshotProvider(config SnapshotConfig) *CachedSnapshotProvider {
	return &CachedSnapshotProvider{
		config:  config,
		cache:   make(map[string]*cachedSnapshot),
		pending: make(map[string]int),
	}
}

// Snapshot returns the routing snapshot of inst at now, refreshing the groups
// that are due.
func (p *CachedSnapshotProvider) Snapshot(inst *instance, now int64) sim.RoutingSnapshot {
	c, ok := p.cache[inst.id]
	if !ok {
		c = &cachedSnapshot{snap: sim.RoutingSnapshot{ID: inst.id, Model: inst.dep.cfg.Model, Role: inst.role}}
		p.cache[inst.id] = c
	}
	if p.config.Queue.due(c.queueAt, c.queueSeen, now) {
		c.snap.QueueDepth = inst.QueueDepth()
		c.snap.BatchSize = len(inst.running)
		c.snap.InFlight = inst.InFlight()
		c.snap.AvailableCapacity = max(0, inst.cfg.MaxRunningReqs-len(inst.running))
		c.queueAt, c.queueSeen = now, true
		p.pending[inst.id] = 0
	}
	if p.config.KV.due(c.kvAt, c.kvSeen, now) {
		p.readKV(c, inst)
		c.kvAt, c.kvSeen = now, true
	}
	if p.config.Latency.due(c.latencyAt, c.latencySeen, now) {
		c.snap.RecentTTFT = inst.recentTTFT
		c.snap.RecentTPOT = inst.recentTPOT
		c.latencyAt, c.latencySeen = now, true
	}
	snap := c.snap
	snap.PendingRequests = p.pending[inst.id]
	snap.Warming = inst.Warming(now)
	return snap
}

func (p *CachedSnapshotProvider) readKV(c *cachedSnapshot, inst *instance) {
	m := inst.kv
	c.snap.KVUtilization = m.Utilization(kv.TierGPU)
	c.snap.CPUUtilization = m.Utilization(kv.TierCPU)
	c.snap.StorageUtilization = m.Utilization(kv.TierStorage)
	c.snap.FreeKVBlocks = m.FreeBlocks(kv.TierGPU)
	c.snap.TotalKVBlocks = m.TotalBlocks(kv.TierGPU)
	c.snap.CacheHitRate = m.Stats().HitRate()
	c.observed = sim.ObservedKV{
		GPUUtilization:     c.snap.KVUtilization,
		CPUUtilization:     c.snap.CPUUtilization,
		StorageUtilization: c.snap.StorageUtilization,
		HitRate:            c.snap.CacheHitRate,
	}
}

// Observed returns the last KV view read for an instance. Call after Snapshot.
func (p *CachedSnapshotProvider) Observed(id string) sim.ObservedKV {
	if c, ok := p.cache[id]; ok {
		return c.observed
	}
	return sim.ObservedKV{}
}

// NoteRouted counts a request routed to id.
func (p *CachedSnapshotProvider) NoteRouted(id string) {
	p.pending[id]++
}

// Forget drops the cached state of a removed instance.
func (p *CachedSnapshotProvider) Forget(id string) {
	delete(p.cache, id)
	delete(p.pending, id)
}
