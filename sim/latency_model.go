package sim

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/inference-sim/blis/sim/internal/util"
)

// LatencyModel estimates execution times for the step loop.
// All time estimates are in microseconds (ticks).
type LatencyModel interface {
	// StepTime estimates the duration of one batch step.
	// Precondition: each request in batch has NumNewTokens set for this step.
	StepTime(batch []*Request) int64

	// QueueingTime estimates the route-to-queue delay for a request.
	QueueingTime(req *Request) int64

	// OutputTokenProcessingTime estimates per-token post-processing time.
	OutputTokenProcessingTime() int64

	// SchedulingProcessingTime estimates scheduling overhead per request.
	SchedulingProcessingTime() int64

	// PreemptionProcessingTime estimates preemption overhead per eviction.
	PreemptionProcessingTime() int64
}

// LatencyConfig holds regression coefficients for BlackboxLatencyModel.
type LatencyConfig struct {
	BetaCoeffs  []float64 `yaml:"beta_coeffs"`  // step: beta0 + beta1*prefill + beta2*decode
	AlphaCoeffs []float64 `yaml:"alpha_coeffs"` // alpha0 + alpha1*inputLen (queueing), alpha2 (output)
}

// DefaultLatencyConfig returns coefficients in the range measured for a
// mid-size model on a single accelerator.
func DefaultLatencyConfig() LatencyConfig {
	return LatencyConfig{
		BetaCoeffs:  []float64{6910.4, 17.67, 2.84},
		AlphaCoeffs: []float64{1601.35, 3.51, 1805.54},
	}
}

// Validate checks coefficient counts and finiteness.
func (c LatencyConfig) Validate() error {
	if len(c.BetaCoeffs) < 3 {
		return errors.Errorf("latency model: need 3 beta coefficients, got %d", len(c.BetaCoeffs))
	}
	if len(c.AlphaCoeffs) < 3 {
		return errors.Errorf("latency model: need 3 alpha coefficients, got %d", len(c.AlphaCoeffs))
	}
	for i, v := range append(append([]float64(nil), c.BetaCoeffs...), c.AlphaCoeffs...) {
		if !util.IsFinite(v) || v < 0 {
			return errors.Errorf("latency model: coefficient %d must be finite and non-negative, got %v", i, v)
		}
	}
	return nil
}

// BlackboxLatencyModel estimates latency using trained alpha/beta regression coefficients.
type BlackboxLatencyModel struct {
	betaCoeffs  []float64
	alphaCoeffs []float64
}

// NewLatencyModel builds a BlackboxLatencyModel from a validated config.
func NewLatencyModel(cfg LatencyConfig) (LatencyModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BlackboxLatencyModel{betaCoeffs: cfg.BetaCoeffs, alphaCoeffs: cfg.AlphaCoeffs}, nil
}

func (m *BlackboxLatencyModel) StepTime(batch []*Request) int64 {
	var prefillTokens, decodeTokens int64
	for _, req := range batch {
		if req.InPrefill() {
			prefillTokens += int64(req.NumNewTokens)
		} else if req.OutputLen() > 0 {
			decodeTokens += int64(req.NumNewTokens)
		}
	}
	total := m.betaCoeffs[0] +
		m.betaCoeffs[1]*float64(prefillTokens) +
		m.betaCoeffs[2]*float64(decodeTokens)
	return int64(total)
}

func (m *BlackboxLatencyModel) QueueingTime(req *Request) int64 {
	return int64(m.alphaCoeffs[0] + m.alphaCoeffs[1]*float64(req.InputLen()))
}

func (m *BlackboxLatencyModel) OutputTokenProcessingTime() int64 {
	return int64(m.alphaCoeffs[2])
}

func (m *BlackboxLatencyModel) SchedulingProcessingTime() int64 {
	return 0
}

func (m *BlackboxLatencyModel) PreemptionProcessingTime() int64 {
	return 0
}

// Warmup profile shapes.
const (
	WarmupLinear      = "linear"
	WarmupExponential = "exponential"
	WarmupStep        = "step"
)

// ValidWarmupProfiles is the set of recognized warmup profile names.
var ValidWarmupProfiles = map[string]bool{"": true, WarmupLinear: true, WarmupExponential: true, WarmupStep: true}

// WarmupProfile describes how a freshly provisioned instance approaches
// steady-state performance over Duration ticks.
type WarmupProfile struct {
	Kind     string  `yaml:"profile"`
	Duration int64   `yaml:"duration"`
	Penalty  float64 `yaml:"penalty"` // initial step-time penalty, e.g. 0.5 = 50% slower
}

// Validate rejects unknown kinds and negative or non-finite parameters.
func (w WarmupProfile) Validate() error {
	if !ValidWarmupProfiles[w.Kind] {
		return errors.Errorf("unknown warmup profile %q", w.Kind)
	}
	if w.Duration < 0 {
		return errors.Errorf("warmup duration must be >= 0, got %d", w.Duration)
	}
	if !util.IsFinite(w.Penalty) || w.Penalty < 0 {
		return errors.Errorf("warmup penalty must be finite and >= 0, got %v", w.Penalty)
	}
	return nil
}

// Ramp returns the warm fraction in [0,1] after elapsed ticks.
func (w WarmupProfile) Ramp(elapsed int64) float64 {
	if w.Duration <= 0 || elapsed >= w.Duration {
		return 1
	}
	if elapsed <= 0 {
		return 0
	}
	x := float64(elapsed) / float64(w.Duration)
	switch w.Kind {
	case WarmupExponential:
		// normalised so that the ramp reaches 1 exactly at Duration
		return (1 - math.Exp(-5*x)) / (1 - math.Exp(-5))
	case WarmupStep:
		return 0
	default:
		return x
	}
}

// Multiplier returns the step-time factor 1 + penalty(t).
func (w WarmupProfile) Multiplier(elapsed int64) float64 {
	return 1 + w.Penalty*(1-w.Ramp(elapsed))
}

// String renders the profile for logs.
func (w WarmupProfile) String() string {
	if w.Duration <= 0 {
		return "none"
	}
	return fmt.Sprintf("%s/%d/%.2f", w.Kind, w.Duration, w.Penalty)
}
