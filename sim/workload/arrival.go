package workload

import (
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
)

// ArrivalSampler generates inter-arrival times for a client.
type ArrivalSampler interface {
	// SampleIAT returns the next inter-arrival time in ticks (>= 1).
	SampleIAT(rng *rand.Rand) int64
}

// PoissonSampler draws exponential gaps (CV = 1).
type PoissonSampler struct {
	ratePerTick float64
}

func (s *PoissonSampler) SampleIAT(rng *rand.Rand) int64 {
	return atLeastOne(rng.ExpFloat64() / s.ratePerTick)
}

// GammaSampler draws Gamma-distributed gaps; CV > 1 gives bursty traffic.
type GammaSampler struct {
	shape float64 // 1/CV²
	scale float64 // CV²/rate, ticks
}

func (s *GammaSampler) SampleIAT(rng *rand.Rand) int64 {
	return atLeastOne(gammaRand(rng, s.shape, s.scale))
}

// ConstantSampler emits evenly spaced arrivals and consumes no randomness.
type ConstantSampler struct {
	gap int64
}

func (s *ConstantSampler) SampleIAT(_ *rand.Rand) int64 {
	return s.gap
}

func atLeastOne(v float64) int64 {
	if v < 1 {
		return 1
	}
	return int64(v)
}

// gammaRand samples Gamma(shape, scale) with Marsaglia-Tsang; shapes below one
// are boosted by one and corrected with U^(1/shape).
func gammaRand(rng *rand.Rand, shape, scale float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return gammaRand(rng, shape+1, scale) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*(x*x)*(x*x) || math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v * scale
		}
	}
}

// NewArrivalSampler builds the sampler for spec at ratePerTick requests/tick.
// The spec is assumed validated.
func NewArrivalSampler(spec ArrivalSpec, ratePerTick float64) ArrivalSampler {
	if ratePerTick < 1e-15 {
		ratePerTick = 1e-15
	}
	switch spec.Process {
	case "gamma":
		cv := 1.0
		if spec.CV != nil {
			cv = *spec.CV
		}
		shape := 1 / (cv * cv)
		if shape < 0.01 {
			logrus.Warnf("gamma shape %.4f (cv=%.1f) is too small; using poisson", shape, cv)
			return &PoissonSampler{ratePerTick: ratePerTick}
		}
		return &GammaSampler{shape: shape, scale: cv * cv / ratePerTick}
	case "constant":
		return &ConstantSampler{gap: atLeastOne(math.Round(1 / ratePerTick))}
	default:
		return &PoissonSampler{ratePerTick: ratePerTick}
	}
}
