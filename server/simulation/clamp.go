package simulation

import "math"

// Clamp bounds x to the closed interval [lo, hi]. NaN maps to lo so that a
// bad intermediate value can never leak out of a step. Callers pass lo <= hi.
func Clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) {
		return lo
	}
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ClampInt is Clamp for integer-valued fields.
func ClampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
