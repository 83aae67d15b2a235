package sim

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPolicyBundle(t *testing.T) {
	yamlContent := `
admission:
  policy: tenant-quota
  tenant_max_active: 4
priority:
  policy: slo-tiered
routing:
  policy: weighted
  scorers:
    - name: prefix-affinity
      weight: 3
    - name: load-balance
      weight: 1
scheduler: priority-fcfs
autoscale:
  policy: saturation
  kv_spare_trigger: 0.2
`
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0644))

	bundle, err := LoadPolicyBundle(path)
	require.NoError(t, err)
	require.NoError(t, bundle.Validate())

	assert.Equal(t, "tenant-quota", bundle.Admission.Policy)
	assert.Equal(t, 4, bundle.Admission.TenantMaxActive)
	assert.Equal(t, []ScorerConfig{{"prefix-affinity", 3}, {"load-balance", 1}}, bundle.Routing.Scorers)
	assert.Equal(t, 0.2, bundle.AutoScale.KVSpareTrigger)
	assert.Equal(t, "tenant-quota+slo-tiered+weighted+priority-fcfs+saturation", bundle.PolicyID())
}

func TestLoadPolicyBundle_Errors(t *testing.T) {
	_, err := LoadPolicyBundle(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading policy config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("admission: [unclosed"), 0644))
	_, err = LoadPolicyBundle(path)
	assert.ErrorContains(t, err, "parsing policy config")
}

func TestPolicyBundle_Validate(t *testing.T) {
	tests := []struct {
		name    string
		bundle  PolicyBundle
		wantErr string
	}{
		{"empty is valid", PolicyBundle{}, ""},
		{"unknown admission", PolicyBundle{Admission: AdmissionConfig{Policy: "maybe"}}, "unknown admission policy"},
		{"unknown routing", PolicyBundle{Routing: RoutingConfig{Policy: "random"}}, "unknown routing policy"},
		{"unknown priority", PolicyBundle{Priority: PriorityConfig{Policy: "load-adaptive"}}, "unknown priority policy"},
		{"unknown scheduler", PolicyBundle{Scheduler: "lifo"}, "unknown scheduler"},
		{"unknown autoscale", PolicyBundle{AutoScale: AutoScalePolicyConfig{Policy: "pid"}}, "unknown auto-scale policy"},
		{"NaN capacity", PolicyBundle{Admission: AdmissionConfig{TokenBucketCapacity: math.NaN()}}, "token_bucket_capacity"},
		{"queue-depth needs max", PolicyBundle{Admission: AdmissionConfig{Policy: "queue-depth"}}, "max_queue_depth"},
		{"tenant-quota needs quota", PolicyBundle{Admission: AdmissionConfig{Policy: "tenant-quota"}}, "tenant_max_active"},
		{"bad scorer", PolicyBundle{Routing: RoutingConfig{Scorers: []ScorerConfig{{"nope", 1}}}}, "unknown scorer"},
		{"duplicate scorer", PolicyBundle{Routing: RoutingConfig{Scorers: []ScorerConfig{{"queue-depth", 1}, {"queue-depth", 1}}}}, "duplicate scorer"},
		{"zero weight", PolicyBundle{Routing: RoutingConfig{Scorers: []ScorerConfig{{"queue-depth", 0}}}}, "weight"},
		{"inf autoscale", PolicyBundle{AutoScale: AutoScalePolicyConfig{KVSpareTrigger: math.Inf(1)}}, "kv_spare_trigger"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bundle.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
