package workload

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// LengthSampler generates token counts.
type LengthSampler interface {
	// Sample returns a token count >= 1.
	Sample(rng *rand.Rand) int
}

// GaussianSampler draws a normal length clamped to [min, max].
type GaussianSampler struct {
	mean, stdDev float64
	min, max     int
}

func (s *GaussianSampler) Sample(rng *rand.Rand) int {
	if s.min == s.max {
		return max(1, s.min)
	}
	v := rng.NormFloat64()*s.stdDev + s.mean
	v = math.Min(float64(s.max), math.Max(float64(s.min), v))
	return max(1, int(math.Round(v)))
}

// ExponentialSampler draws exponential lengths with the given mean.
type ExponentialSampler struct {
	mean float64
}

func (s *ExponentialSampler) Sample(rng *rand.Rand) int {
	return max(1, int(math.Round(rng.ExpFloat64()*s.mean)))
}

// UniformSampler draws integers uniformly from [min, max].
type UniformSampler struct {
	min, max int
}

func (s *UniformSampler) Sample(rng *rand.Rand) int {
	return max(1, s.min+rng.Intn(s.max-s.min+1))
}

// FixedSampler always returns the same length and consumes no randomness.
type FixedSampler struct {
	value int
}

func (s *FixedSampler) Sample(_ *rand.Rand) int {
	return max(1, s.value)
}

func requireParam(params map[string]float64, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return errors.Errorf("distribution requires parameter %q", k)
		}
	}
	return nil
}

// NewLengthSampler creates a LengthSampler from a DistSpec.
func NewLengthSampler(spec DistSpec) (LengthSampler, error) {
	p := spec.Params
	switch spec.Type {
	case "gaussian":
		if err := requireParam(p, "mean", "std_dev", "min", "max"); err != nil {
			return nil, err
		}
		if p["std_dev"] < 0 || p["min"] > p["max"] {
			return nil, errors.Errorf("gaussian needs std_dev >= 0 and min <= max, got %v", p)
		}
		return &GaussianSampler{mean: p["mean"], stdDev: p["std_dev"], min: int(p["min"]), max: int(p["max"])}, nil
	case "exponential":
		if err := requireParam(p, "mean"); err != nil {
			return nil, err
		}
		if p["mean"] <= 0 {
			return nil, errors.Errorf("exponential mean must be > 0, got %v", p["mean"])
		}
		return &ExponentialSampler{mean: p["mean"]}, nil
	case "uniform":
		if err := requireParam(p, "min", "max"); err != nil {
			return nil, err
		}
		if p["min"] < 1 || p["min"] > p["max"] {
			return nil, errors.Errorf("uniform needs 1 <= min <= max, got [%v, %v]", p["min"], p["max"])
		}
		return &UniformSampler{min: int(p["min"]), max: int(p["max"])}, nil
	case "constant":
		if err := requireParam(p, "value"); err != nil {
			return nil, err
		}
		return &FixedSampler{value: int(p["value"])}, nil
	default:
		return nil, errors.Errorf("unknown distribution type %q", spec.Type)
	}
}
