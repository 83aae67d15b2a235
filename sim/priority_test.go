package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstantPriority(t *testing.T) {
	p := &ConstantPriority{Score: 3}
	assert.Equal(t, 3.0, p.Compute(&Request{ArrivalTime: 0}, &RouterState{Clock: 1e6}).Score)
}

// TestSLOBasedPriority_OlderRequestsGetHigherPriority verifies age-based escalation.
func TestSLOBasedPriority_OlderRequestsGetHigherPriority(t *testing.T) {
	p := NewPriorityPolicy("slo-based")
	state := &RouterState{Clock: 2_000_000}
	old := p.Compute(&Request{ID: "old", ArrivalTime: 0}, state)
	young := p.Compute(&Request{ID: "young", ArrivalTime: 1_000_000}, state)
	assert.InDelta(t, 2.0, old.Score, 1e-9)
	assert.InDelta(t, 1.0, young.Score, 1e-9)
}

func TestInvertedSLO_NewerRequestsGetHigherPriority(t *testing.T) {
	p := NewPriorityPolicy("inverted-slo")
	state := &RouterState{Clock: 2_000_000}
	old := p.Compute(&Request{ArrivalTime: 0}, state)
	young := p.Compute(&Request{ArrivalTime: 1_000_000}, state)
	assert.Greater(t, young.Score, old.Score)
}

func TestSLOTieredPriority(t *testing.T) {
	p := DefaultSLOTieredPriority()
	tests := []struct {
		name  string
		class string
		age   int64
		want  float64
		tier  string
	}{
		{"critical escalates immediately", "critical", 100_000, 10 + 1e-5*100_000, SLOCritical},
		{"standard inside grace", "standard", 50_000, 5, SLOStandard},
		{"empty class is standard", "", 150_000, 5 + 1e-5*50_000, SLOStandard},
		{"batch is sheddable", "batch", 150_000, 1, SLOSheddable},
		{"realtime aliases critical", "realtime", 0, 10, SLOCritical},
		{"interactive aliases standard", "interactive", 0, 5, SLOStandard},
		{"sheddable after grace", "sheddable", 300_000, 1 + 1e-5*100_000, SLOSheddable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := p.Compute(&Request{SLOClass: tt.class}, &RouterState{Clock: tt.age})
			assert.InDelta(t, tt.want, res.Score, 1e-9)
			assert.Equal(t, tt.tier, res.Hints["tier"])
		})
	}
}

func TestNewPriorityPolicy_UnknownPanics(t *testing.T) {
	assert.IsType(t, &ConstantPriority{}, NewPriorityPolicy(""))
	assert.Panics(t, func() { NewPriorityPolicy("load-adaptive") })
}
