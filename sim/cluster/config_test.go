package cluster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/blis/sim"
	"github.com/inference-sim/blis/sim/trace"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg := newTestConfig(2, 100)
	cfg.Deployments = append(cfg.Deployments, DeploymentConfig{
		Model: "llama",
		Pools: []PoolSpec{{Replicas: 1, MinReplicas: 1, MaxReplicas: 4}},
	})

	d := cfg.WithDefaults()

	assert.Equal(t, DefaultMaxAdmissionDelays, d.MaxAdmissionDelays)
	assert.Equal(t, sim.DefaultShadowCapacity, d.ShadowCapacity)
	assert.Equal(t, RefreshImmediate, d.Snapshot.KV.Mode)
	assert.Equal(t, "default", d.Deployments[0].ID)
	assert.Equal(t, "deployment-1", d.Deployments[1].ID)
	assert.Equal(t, ArchitectureMonolithic, d.Deployments[0].Architecture)
	assert.Equal(t, PoolSpec{Role: sim.RoleMonolithic, Replicas: 2, MinReplicas: 2, MaxReplicas: 2}, d.Deployments[0].Pools[0])
	assert.Equal(t, 4, d.Deployments[1].Pools[0].MaxReplicas)
	assert.Equal(t, DrainWait, d.Deployments[0].AutoScale.DrainPolicy)
	assert.NotEmpty(t, d.Deployments[0].Instance.Latency.BetaCoeffs)

	// the receiver is untouched
	assert.Empty(t, cfg.Deployments[0].ID)
	assert.Empty(t, cfg.Deployments[0].Pools[0].Role)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero horizon", mutate: func(c *Config) { c.Horizon = 0 }, errMsg: "horizon"},
		{name: "no deployments", mutate: func(c *Config) { c.Deployments = nil }, errMsg: "at least one deployment"},
		{name: "negative routing latency", mutate: func(c *Config) { c.RoutingLatency = -1 }, errMsg: "routing_latency"},
		{name: "jitter of one", mutate: func(c *Config) { c.StepJitter = 1 }, errMsg: "step_jitter"},
		{name: "negative slo target", mutate: func(c *Config) {
			c.SLOTargets = map[string]SLOTarget{"critical": {TTFT: -1}}
		}, errMsg: "slo_targets[critical]"},
		{name: "unknown trace level", mutate: func(c *Config) { c.Trace.Level = "verbose" }, errMsg: "trace level"},
		{name: "periodic snapshot without interval", mutate: func(c *Config) {
			c.Snapshot.Queue = FieldConfig{Mode: RefreshPeriodic}
		}, errMsg: "snapshot: queue"},
		{name: "duplicate model", mutate: func(c *Config) {
			c.Deployments = append(c.Deployments, c.Deployments[0])
			c.Deployments[1].ID = "other"
		}, errMsg: "served by more than one deployment"},
		{name: "replicas above max", mutate: func(c *Config) {
			c.Deployments[0].Pools[0].MinReplicas, c.Deployments[0].Pools[0].MaxReplicas = 1, 1
		}, errMsg: "replicas 2 outside [1, 1]"},
		{name: "monolithic with prefill pool", mutate: func(c *Config) {
			c.Deployments[0].Pools[0].Role = sim.RolePrefill
		}, errMsg: "monolithic architecture"},
		{name: "pd without decode pool", mutate: func(c *Config) {
			c.Deployments[0].Architecture = ArchitectureDisaggregatedPD
		}, errMsg: "one prefill and one decode pool"},
		{name: "unknown architecture", mutate: func(c *Config) { c.Deployments[0].Architecture = "mesh" }, errMsg: "unknown architecture"},
		{name: "zero gpu blocks", mutate: func(c *Config) { c.Deployments[0].Instance.KV.GPUBlocks = 0 }, errMsg: "gpu_blocks"},
		{name: "unknown drain policy", mutate: func(c *Config) {
			c.Deployments[0].AutoScale = AutoScaleConfig{Enabled: true, DrainPolicy: "later"}
		}, errMsg: "unknown drain policy"},
		{name: "inverted provisioning range", mutate: func(c *Config) {
			c.Deployments[0].AutoScale = AutoScaleConfig{Enabled: true, ProvisioningDelayMin: 10, ProvisioningDelayMax: 5}
		}, errMsg: "provisioning delay"},
		{name: "disabled autoscale is not checked", mutate: func(c *Config) {
			c.Deployments[0].AutoScale = AutoScaleConfig{DrainPolicy: "later"}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := newTestConfig(2, 100)
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestConfig_ValidPDConfig(t *testing.T) {
	cfg := newPDConfig(0.5)
	cfg.Deployments[0].PD.PipelineMode = true

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPipelineThreshold, cfg.WithDefaults().Deployments[0].PD.PipelineThreshold)
}

func TestNewClusterSimulator_RejectsBadRequests(t *testing.T) {
	tests := []struct {
		name string
		reqs []*sim.Request
	}{
		{name: "nil request", reqs: []*sim.Request{nil}},
		{name: "missing id", reqs: []*sim.Request{newRequest("", 0, seqTokens(1, 4), 1)}},
		{name: "duplicate id", reqs: []*sim.Request{
			newRequest("a", 0, seqTokens(1, 4), 1),
			newRequest("a", 5, seqTokens(1, 4), 1),
		}},
		{name: "negative arrival", reqs: []*sim.Request{newRequest("a", -1, seqTokens(1, 4), 1)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClusterSimulator(newTestConfig(1, 100), nil, tc.reqs)
			assert.Error(t, err)
		})
	}
}

func TestNewClusterSimulator_DerivesPolicyID(t *testing.T) {
	bundle := &sim.PolicyBundle{Routing: sim.RoutingConfig{Policy: "least-loaded"}}
	cs := mustNew(t, newTestConfig(1, 100), bundle, nil)

	assert.Equal(t, bundle.PolicyID(), cs.Key().PolicyID)
	assert.Equal(t, cs.Key().RunID(), cs.Trace().RunID)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	t.Run("valid", func(t *testing.T) {
		path := write("ok.yaml", `
horizon: 5000000
key:
  workload_seed: 1
  sim_seed: 2
deployments:
  - model: llama
    pools:
      - replicas: 2
        min_replicas: 1
        max_replicas: 4
    instance:
      kv:
        block_size_tokens: 16
        gpu_blocks: 512
    autoscale:
      enabled: true
      drain_policy: redirect
trace:
  level: decisions
  counterfactual_k: 2
`)
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, int64(5_000_000), cfg.Horizon)
		assert.Equal(t, int64(2), cfg.Key.SimSeed)
		assert.Equal(t, "llama", cfg.Deployments[0].Model)
		assert.Equal(t, int64(512), cfg.Deployments[0].Instance.KV.GPUBlocks)
		assert.Equal(t, DrainRedirect, cfg.Deployments[0].AutoScale.DrainPolicy)
		assert.Equal(t, trace.TraceLevelDecisions, cfg.Trace.Level)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown key", func(t *testing.T) {
		path := write("typo.yaml", "horizon: 10\nhorizn: 20\n")
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
		assert.Error(t, err)
	})
}
