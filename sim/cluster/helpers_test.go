package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/kv"
	"github.com/inference-sim/blis/sim/trace"
)

const testBlockSize = 16

// newTestConfig returns a single monolithic deployment with n replicas, a
// GPU-only KV cache of gpuBlocks blocks and full tracing.
func newTestConfig(n int, gpuBlocks int64) Config {
	return Config{
		Horizon: 10_000_000,
		Key:     sim.NewSimulationKey("", 42, 99, 7),
		Deployments: []DeploymentConfig{{
			Pools: []PoolSpec{{Replicas: n}},
			Instance: InstanceConfig{
				KV: kv.Config{BlockSizeTokens: testBlockSize, GPUBlocks: gpuBlocks},
			},
		}},
		Trace: trace.TraceConfig{Level: trace.TraceLevelFull, CounterfactualK: 3},
	}
}

// newPDConfig returns a disaggregated deployment with one prefill and one
// decode replica joined by a link moving bw blocks per tick.
func newPDConfig(bw float64) Config {
	cfg := newTestConfig(1, 200)
	cfg.Deployments[0].Architecture = ArchitectureDisaggregatedPD
	cfg.Deployments[0].Pools = []PoolSpec{
		{Role: sim.RolePrefill, Replicas: 1},
		{Role: sim.RoleDecode, Replicas: 1},
	}
	cfg.Deployments[0].PD.Link = kv.Link{BandwidthBlocksPerTick: bw, BaseLatency: 10}
	return cfg
}

// withCPUTier adds a CPU tier of n blocks behind the GPU tier.
func withCPUTier(cfg Config, n int64, demote bool) Config {
	cfg.Deployments[0].Instance.KV.CPUBlocks = n
	cfg.Deployments[0].Instance.KV.GPUCPULink = kv.Link{BandwidthBlocksPerTick: 1, BaseLatency: 10}
	cfg.Deployments[0].Instance.KV.DemoteOnEvict = demote
	return cfg
}

// seqTokens returns n token IDs starting at base.
func seqTokens(base, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = base + i
	}
	return out
}

func newRequest(id string, arrival int64, input []int, output int) *sim.Request {
	return &sim.Request{
		ID:           id,
		ArrivalTime:  arrival,
		InputTokens:  input,
		OutputTokens: seqTokens(900_000, output),
		State:        sim.StateQueued,
	}
}

// uniformRequests returns n requests with disjoint prompts, one every gap ticks.
func uniformRequests(n int, gap int64, input, output int) []*sim.Request {
	reqs := make([]*sim.Request, n)
	for i := range reqs {
		reqs[i] = newRequest(fmt.Sprintf("req_%d", i), int64(i)*gap, seqTokens(i*10_000, input), output)
	}
	return reqs
}

func mustNew(t *testing.T, cfg Config, bundle *sim.PolicyBundle, reqs []*sim.Request) *ClusterSimulator {
	t.Helper()
	cs, err := NewClusterSimulator(cfg, bundle, reqs)
	require.NoError(t, err)
	return cs
}

func mustRun(t *testing.T, cs *ClusterSimulator) *Metrics {
	t.Helper()
	m, err := cs.Run()
	require.NoError(t, err)
	return m
}

func anomaliesOf(st *trace.SimulationTrace, typ trace.AnomalyType) []trace.AnomalyRecord {
	var out []trace.AnomalyRecord
	for _, a := range st.Anomalies {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func routingFor(st *trace.SimulationTrace, reqID string) (trace.RoutingRecord, bool) {
	for _, r := range st.Routings {
		if r.RequestID == reqID {
			return r, true
		}
	}
	return trace.RoutingRecord{}, false
}
