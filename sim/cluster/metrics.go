package cluster

import (
	"math"
	"sort"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/kv"
	"github.com/inference-sim/blis/sim/trace"
)

// Distribution captures statistical summary of a metric.
type Distribution struct {
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// NewDistribution computes a Distribution from raw values.
// Returns zero-value Distribution for empty input.
func NewDistribution(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}

	return Distribution{
		Mean:  sum / float64(len(sorted)),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Count: len(sorted),
	}
}

// percentile computes the p-th percentile using linear interpolation.
// Input must be sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// ClassMetrics are the latency metrics of one SLO class.
type ClassMetrics struct {
	Completed     int          `json:"completed"`
	TTFT          Distribution `json:"ttft"`
	TPOT          Distribution `json:"tpot"`
	E2E           Distribution `json:"e2e"`
	SLOAttainment float64      `json:"slo_attainment"`
}

// InstanceMetrics summarise one replica, including terminated ones.
type InstanceMetrics struct {
	ID                string  `json:"id"`
	Deployment        string  `json:"deployment"`
	Role              string  `json:"role"`
	State             string  `json:"state"`
	Completed         int     `json:"completed"`
	Preemptions       int     `json:"preemptions"`
	Steps             int     `json:"steps"`
	BusyTicks         int64   `json:"busy_ticks"`
	KVUtilizationMean float64 `json:"kv_utilization_mean"`
	KVUtilizationPeak float64 `json:"kv_utilization_peak"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	Evictions         int64   `json:"evictions"`
	OffloadedBlocks   int64   `json:"offloaded_blocks"`
	ReloadedBlocks    int64   `json:"reloaded_blocks"`
	ThrashingBlocks   int64   `json:"thrashing_blocks"`
	HandoffsOut       int64   `json:"handoffs_out"`
	HandoffsIn        int64   `json:"handoffs_in"`
}

// Metrics is the outcome of a cluster run. Latencies are in ticks (μs).
type Metrics struct {
	RunID   string            `json:"run_id"`
	Key     sim.SimulationKey `json:"key"`
	Horizon int64             `json:"horizon"`

	Injected        int            `json:"injected"`
	Admitted        int            `json:"admitted"`
	Completed       int            `json:"completed"`
	Rejected        int            `json:"rejected"`
	Dropped         int            `json:"dropped"`
	TimedOut        int            `json:"timed_out"`
	StillQueued     int            `json:"still_queued"`  // timed out while waiting
	StillRunning    int            `json:"still_running"` // timed out mid-generation
	DroppedByReason map[string]int `json:"dropped_by_reason,omitempty"`

	TTFT    Distribution            `json:"ttft"`
	TPOT    Distribution            `json:"tpot"`
	E2E     Distribution            `json:"e2e"`
	ByClass map[string]ClassMetrics `json:"by_class"`

	RequestsPerSec float64 `json:"requests_per_sec"`
	TokensPerSec   float64 `json:"tokens_per_sec"`
	SLOAttainment  float64 `json:"slo_attainment"`
	JainFairness   float64 `json:"jain_fairness"`
	AdmissionRate  float64 `json:"admission_rate"`
	PreemptionRate float64 `json:"preemption_rate"` // preemptions per injected request

	KVUtilizationMean float64 `json:"kv_utilization_mean"`
	KVUtilizationPeak float64 `json:"kv_utilization_peak"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	ThrashingRate     float64 `json:"thrashing_rate"`

	Anomalies    map[string]int    `json:"anomalies"`
	ScaleActions map[string]int    `json:"scale_actions,omitempty"`
	Instances    []InstanceMetrics `json:"instances"`

	// Requests holds every injected request in arrival order.
	Requests []*sim.Request `json:"-"`
}

// classOf names the metrics bucket of an SLO class.
func classOf(req *sim.Request) string {
	if req.SLOClass == "" {
		return "default"
	}
	return req.SLOClass
}

// jainFairness returns (Σx)² / (n·Σx²) over per-tenant completion ratios;
// 1 with no tenants or no completions.
func jainFairness(ratios []float64) float64 {
	var sum, sumSq float64
	for _, x := range ratios {
		sum += x
		sumSq += x * x
	}
	if len(ratios) == 0 || sumSq == 0 {
		return 1
	}
	return sum * sum / (float64(len(ratios)) * sumSq)
}

func (c *ClusterSimulator) collectMetrics() *Metrics {
	m := &Metrics{
		RunID:           c.trace.RunID,
		Key:             c.cfg.Key,
		Horizon:         c.cfg.Horizon,
		Injected:        len(c.injected),
		Admitted:        len(c.admitted),
		DroppedByReason: make(map[string]int),
		ByClass:         make(map[string]ClassMetrics),
		Anomalies:       make(map[string]int),
		ScaleActions:    make(map[string]int),
		Requests:        c.injected,
	}

	var ttft, tpot, e2e []float64
	type classAcc struct {
		ttft, tpot, e2e []float64
		met, seen       int
	}
	classes := make(map[string]*classAcc)
	tenantInjected := make(map[string]int)
	tenantCompleted := make(map[string]int)
	var outputTokens int64
	var met, seen int

	for _, req := range c.injected {
		tenantInjected[req.TenantID]++
		switch req.State {
		case sim.StateRejected:
			m.Rejected++
		case sim.StateDropped:
			m.Dropped++
			m.DroppedByReason[req.DropReason]++
		case sim.StateTimedOut:
			m.TimedOut++
		case sim.StateCompleted:
			m.Completed++
			tenantCompleted[req.TenantID]++
			outputTokens += req.OutputLen()
			acc, ok := classes[classOf(req)]
			if !ok {
				acc = &classAcc{}
				classes[classOf(req)] = acc
			}
			t, e := float64(req.TTFT()), float64(req.E2E())
			ttft, e2e = append(ttft, t), append(e2e, e)
			acc.ttft, acc.e2e = append(acc.ttft, t), append(acc.e2e, e)
			if req.OutputLen() > 1 {
				tpot = append(tpot, req.TPOT())
				acc.tpot = append(acc.tpot, req.TPOT())
			}
			if target, ok := c.sloTarget(req.SLOClass); ok {
				seen++
				acc.seen++
				if (target.TTFT == 0 || req.TTFT() <= target.TTFT) && (target.E2E == 0 || req.E2E() <= target.E2E) {
					met++
					acc.met++
				}
			}
		}
	}

	m.TTFT, m.TPOT, m.E2E = NewDistribution(ttft), NewDistribution(tpot), NewDistribution(e2e)
	for name, acc := range classes {
		cm := ClassMetrics{
			Completed:     len(acc.e2e),
			TTFT:          NewDistribution(acc.ttft),
			TPOT:          NewDistribution(acc.tpot),
			E2E:           NewDistribution(acc.e2e),
			SLOAttainment: 1,
		}
		if acc.seen > 0 {
			cm.SLOAttainment = float64(acc.met) / float64(acc.seen)
		}
		m.ByClass[name] = cm
	}
	m.SLOAttainment = 1
	if seen > 0 {
		m.SLOAttainment = float64(met) / float64(seen)
	}
	if secs := float64(c.cfg.Horizon) / 1e6; secs > 0 {
		m.RequestsPerSec = float64(m.Completed) / secs
		m.TokensPerSec = float64(outputTokens) / secs
	}
	if m.Injected > 0 {
		m.AdmissionRate = float64(m.Admitted) / float64(m.Injected)
	}

	ratios := make([]float64, 0, len(tenantInjected))
	for _, tenant := range sortedKeys(tenantInjected) {
		ratios = append(ratios, float64(tenantCompleted[tenant])/float64(tenantInjected[tenant]))
	}
	m.JainFairness = jainFairness(ratios)

	var hits, misses, offloaded, thrashing int64
	var utilSum float64
	var samples, preemptions int
	for _, inst := range c.allInstances {
		s := inst.kv.Stats()
		im := InstanceMetrics{
			ID:                inst.id,
			Deployment:        inst.dep.cfg.ID,
			Role:              inst.role,
			State:             string(inst.state),
			Completed:         inst.completed,
			Preemptions:       inst.preemptions,
			Steps:             inst.stepCount,
			BusyTicks:         inst.busyTicks,
			KVUtilizationPeak: inst.kvPeak,
			CacheHitRate:      s.HitRate(),
			Evictions:         s.Evictions,
			OffloadedBlocks:   s.OffloadedBlocks,
			ReloadedBlocks:    s.ReloadedBlocks,
			ThrashingBlocks:   s.Thrashing,
			HandoffsOut:       s.HandoffsOut,
			HandoffsIn:        s.HandoffsIn,
		}
		if inst.kvSamples > 0 {
			im.KVUtilizationMean = inst.kvUtilSum / float64(inst.kvSamples)
		}
		m.Instances = append(m.Instances, im)
		hits += s.CacheHits
		misses += s.CacheMisses
		offloaded += s.OffloadedBlocks
		thrashing += s.Thrashing
		utilSum += inst.kvUtilSum
		samples += inst.kvSamples
		preemptions += inst.preemptions
		m.KVUtilizationPeak = max(m.KVUtilizationPeak, inst.kvPeak)
	}
	m.CacheHitRate = kv.Stats{CacheHits: hits, CacheMisses: misses}.HitRate()
	m.ThrashingRate = kv.Stats{OffloadedBlocks: offloaded, Thrashing: thrashing}.ThrashingRate()
	if samples > 0 {
		m.KVUtilizationMean = utilSum / float64(samples)
	}
	if m.Injected > 0 {
		m.PreemptionRate = float64(preemptions) / float64(m.Injected)
	}

	for _, t := range trace.AnomalyTypes {
		m.Anomalies[string(t)] = c.trace.AnomalyCount(t)
	}
	for k, v := range c.scaleCounts {
		m.ScaleActions[k] = v
	}
	return m
}
