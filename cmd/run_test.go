package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testClusterConfig = `
horizon: 2000000
key:
  workload_seed: 7
  sim_seed: 11
  jitter_seed: 13
deployments:
  - pools:
      - replicas: 2
    instance:
      kv:
        block_size_tokens: 16
        gpu_blocks: 400
trace:
  level: full
  counterfactual_k: 2
`

const testPolicyConfig = `
routing:
  policy: least-loaded
scheduler: priority-fcfs
priority:
  policy: slo-based
`

const testWorkloadSpec = `
aggregate_rate: 20
clients:
  - id: chat
    tenant_id: acme
    slo_class: realtime
    rate_fraction: 1
    arrival:
      process: poisson
    input_distribution:
      type: uniform
      params: {min: 16, max: 64}
    output_distribution:
      type: constant
      params: {value: 8}
`

const testReplay = `{"records": [
  {"id": "a", "arrival_time_us": 0, "input_tokens": 32, "output_tokens": 4},
  {"id": "b", "arrival_time_us": 1000, "input_tokens": 32, "output_tokens": 4, "prefix_group": "sys", "prefix_length": 16}
]}`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func decodeMetrics(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, sonic.Unmarshal(data, &m))
	return m
}

func TestRun_SyntheticWorkload_PrintsMetrics(t *testing.T) {
	// GIVEN cluster, policy and workload files
	dir := writeFiles(t, map[string]string{
		"cluster.yaml":  testClusterConfig,
		"policy.yaml":   testPolicyConfig,
		"workload.yaml": testWorkloadSpec,
	})
	tracePath := filepath.Join(dir, "trace.json")

	// WHEN the run command executes
	out, err := execute(t, "run", "--log", "error",
		"--cluster-config", filepath.Join(dir, "cluster.yaml"),
		"--policy-config", filepath.Join(dir, "policy.yaml"),
		"--workload-spec", filepath.Join(dir, "workload.yaml"),
		"--trace-out", tracePath)

	// THEN metrics JSON is printed and the trace file written
	require.NoError(t, err)
	m := decodeMetrics(t, []byte(out))
	assert.Positive(t, m["injected"])
	assert.Positive(t, m["completed"])
	assert.Contains(t, m, "anomalies")
	key := m["key"].(map[string]any)
	assert.Equal(t, "always-admit+slo-based+least-loaded+priority-fcfs+none", key["policy_id"])

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	exported := decodeMetrics(t, data)
	assert.Contains(t, exported, "summary")
	assert.Contains(t, exported, "trace")
}

func TestRun_SameInputsSameBytes(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"cluster.yaml":  testClusterConfig,
		"workload.yaml": testWorkloadSpec,
	})
	args := []string{"run", "--cluster-config", filepath.Join(dir, "cluster.yaml"), "--workload-spec", filepath.Join(dir, "workload.yaml")}

	first, err := execute(t, args...)
	require.NoError(t, err)
	second, err := execute(t, args...)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestRun_Replay_WithOverridesAndMetricsFile(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"cluster.yaml": testClusterConfig,
		"replay.json":  testReplay,
	})
	metricsPath := filepath.Join(dir, "metrics.json")

	out, err := execute(t, "run",
		"--cluster-config", filepath.Join(dir, "cluster.yaml"),
		"--replay", filepath.Join(dir, "replay.json"),
		"--horizon", "500000",
		"--metrics-out", metricsPath)

	require.NoError(t, err)
	assert.Empty(t, out)
	data, err := os.ReadFile(metricsPath)
	require.NoError(t, err)
	m := decodeMetrics(t, data)
	assert.EqualValues(t, 500_000, m["horizon"])
	assert.EqualValues(t, 2, m["completed"])
}

func TestRun_EnvironmentOverride(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"cluster.yaml": testClusterConfig,
		"replay.json":  testReplay,
	})
	t.Setenv("BLIS_CLUSTER_CONFIG", filepath.Join(dir, "cluster.yaml"))
	t.Setenv("BLIS_HORIZON", "300000")

	out, err := execute(t, "run", "--replay", filepath.Join(dir, "replay.json"))

	require.NoError(t, err)
	assert.EqualValues(t, 300_000, decodeMetrics(t, []byte(out))["horizon"])
}

func TestRun_InputErrors(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"cluster.yaml":  testClusterConfig,
		"workload.yaml": testWorkloadSpec,
		"replay.json":   testReplay,
		"bad.yaml":      "horizon: 10\nunknown_field: 1\n",
		"policy.yaml":   "routing:\n  policy: telepathy\n",
	})
	path := func(name string) string { return filepath.Join(dir, name) }
	tests := []struct {
		name   string
		args   []string
		errMsg string
	}{
		{name: "missing cluster config", args: []string{"--workload-spec", path("workload.yaml")}, errMsg: "--cluster-config is required"},
		{name: "unknown config key", args: []string{"--cluster-config", path("bad.yaml"), "--workload-spec", path("workload.yaml")}, errMsg: "parsing cluster config"},
		{name: "no workload", args: []string{"--cluster-config", path("cluster.yaml")}, errMsg: "exactly one of"},
		{name: "two workloads", args: []string{"--cluster-config", path("cluster.yaml"), "--workload-spec", path("workload.yaml"), "--replay", path("replay.json")}, errMsg: "exactly one of"},
		{name: "unknown policy", args: []string{"--cluster-config", path("cluster.yaml"), "--workload-spec", path("workload.yaml"), "--policy-config", path("policy.yaml")}, errMsg: "invalid policy bundle"},
		{name: "bad trace level", args: []string{"--cluster-config", path("cluster.yaml"), "--workload-spec", path("workload.yaml"), "--trace-level", "loud"}, errMsg: "trace level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"run"}, tc.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestRun_InvalidLogLevel(t *testing.T) {
	_, err := execute(t, "run", "--log", "chatty")
	assert.Error(t, err)
}

func TestValidate_ReportsRun(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"cluster.yaml": testClusterConfig,
		"replay.json":  testReplay,
	})

	out, err := execute(t, "validate", "--cluster-config", filepath.Join(dir, "cluster.yaml"), "--replay", filepath.Join(dir, "replay.json"))

	require.NoError(t, err)
	assert.Contains(t, out, "ok: run ")
	assert.Contains(t, out, "1 deployments, 2 requests")
	assert.Contains(t, out, "always-admit+constant+round-robin+fcfs+none")
}
