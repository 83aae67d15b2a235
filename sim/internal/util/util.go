// Package util holds small numeric helpers shared by the simulator packages.
package util

import "math"

// Len64 returns the length of a slice as int64.
func Len64[T any](s []T) int64 {
	return int64(len(s))
}

// CeilDiv returns ceil(a/b) for positive b.
func CeilDiv(a, b int64) int64 {
	if b <= 0 {
		panic("util.CeilDiv: divisor must be > 0")
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Clamp01 clamps v into [0, 1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
