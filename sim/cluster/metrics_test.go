package cluster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/blis/sim"
)

func TestDistribution_FromValues_ComputesCorrectStats(t *testing.T) {
	tests := []struct {
		name      string
		values    []float64
		wantCount int
		wantMin   float64
		wantMax   float64
		wantMean  float64
		wantP50   float64
	}{
		{name: "single value", values: []float64{100}, wantCount: 1, wantMin: 100, wantMax: 100, wantMean: 100, wantP50: 100},
		{name: "unsorted values", values: []float64{50, 10, 40, 20, 30}, wantCount: 5, wantMin: 10, wantMax: 50, wantMean: 30, wantP50: 30},
		{name: "even count interpolates", values: []float64{1, 2, 3, 4}, wantCount: 4, wantMin: 1, wantMax: 4, wantMean: 2.5, wantP50: 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDistribution(tt.values)
			assert.Equal(t, tt.wantCount, d.Count)
			assert.Equal(t, tt.wantMin, d.Min)
			assert.Equal(t, tt.wantMax, d.Max)
			assert.InDelta(t, tt.wantMean, d.Mean, 1e-9)
			assert.InDelta(t, tt.wantP50, d.P50, 1e-9)
			assert.LessOrEqual(t, d.P95, d.P99)
			assert.LessOrEqual(t, d.P99, d.Max)
		})
	}
}

func TestDistribution_DoesNotReorderInput(t *testing.T) {
	in := []float64{3, 1, 2}
	NewDistribution(in)
	assert.Equal(t, []float64{3, 1, 2}, in)
}

func TestDistribution_EmptyValues_ReturnsZero(t *testing.T) {
	assert.Equal(t, Distribution{}, NewDistribution(nil))
}

func TestJainFairness(t *testing.T) {
	tests := []struct {
		name   string
		ratios []float64
		want   float64
	}{
		{name: "no tenants", ratios: nil, want: 1},
		{name: "nothing completed", ratios: []float64{0, 0}, want: 1},
		{name: "equal shares", ratios: []float64{0.5, 0.5, 0.5}, want: 1},
		{name: "one tenant starved", ratios: []float64{1, 0}, want: 0.5},
		{name: "skewed", ratios: []float64{1, 0.5}, want: 2.25 / 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, jainFairness(tt.ratios), 1e-9)
		})
	}
}

func TestCollectMetrics_Aggregation(t *testing.T) {
	// GIVEN one tenant the deployment serves and one asking for another model
	cfg := newTestConfig(1, 200)
	cfg.Deployments[0].Model = "llama"
	cfg.SLOTargets = map[string]SLOTarget{"batch": {E2E: math.MaxInt64}}
	reqs := uniformRequests(4, 100_000, 32, 4)
	for i, r := range reqs {
		r.TenantID, r.Model, r.SLOClass = "a", "llama", "batch"
		if i%2 == 1 {
			r.TenantID, r.Model, r.SLOClass = "b", "mistral", ""
		}
	}
	cs := mustNew(t, cfg, nil, reqs)

	// WHEN the run completes
	m := mustRun(t, cs)

	// THEN counts, rates and fairness reflect the split
	assert.Equal(t, 4, m.Injected)
	assert.Equal(t, 2, m.Admitted)
	assert.Equal(t, 2, m.Completed)
	assert.Equal(t, 2, m.Rejected)
	assert.InDelta(t, 0.5, m.AdmissionRate, 1e-9)
	assert.InDelta(t, 0.5, m.JainFairness, 1e-9)
	assert.InDelta(t, 0.2, m.RequestsPerSec, 1e-9)
	assert.InDelta(t, 0.8, m.TokensPerSec, 1e-9)
	assert.Equal(t, 1.0, m.SLOAttainment)

	require.Contains(t, m.ByClass, "batch")
	assert.Equal(t, 2, m.ByClass["batch"].Completed)
	assert.NotContains(t, m.ByClass, "default")
	assert.Equal(t, 2, m.TTFT.Count)
	assert.Equal(t, 2, m.TPOT.Count)
	assert.Positive(t, m.TTFT.Mean)
	assert.GreaterOrEqual(t, m.E2E.Min, m.TTFT.Min)

	require.Len(t, m.Instances, 1)
	assert.Equal(t, "default-i-000", m.Instances[0].ID)
	assert.Equal(t, sim.RoleMonolithic, m.Instances[0].Role)
	assert.Equal(t, 2, m.Instances[0].Completed)
	assert.Positive(t, m.Instances[0].Steps)
	assert.Positive(t, m.KVUtilizationPeak)
	assert.Len(t, m.Anomalies, 7)
	assert.Len(t, m.Requests, 4)
}

func TestCollectMetrics_SingleTokenOutputsSkipTPOT(t *testing.T) {
	cs := mustNew(t, newTestConfig(1, 100), nil, uniformRequests(3, 50_000, 16, 1))

	m := mustRun(t, cs)

	assert.Equal(t, 3, m.Completed)
	assert.Zero(t, m.TPOT.Count)
	assert.Equal(t, 3, m.ByClass["default"].Completed)
}
