package field

import "math"

// PerFrameFactor converts a per-second rate into the blend factor for a tick
// of length dt seconds.
//
// A rate r means a fraction (1-r) of the signal remains after one second, so
// the remainder after dt seconds is (1-r)^dt and the factor is its complement.
// This keeps diffusion and decay identical at any frame rate; multiplying the
// rate by dt would overshoot for long ticks and undershoot for short ones.
func PerFrameFactor(rate, dt float32) float32 {
	if dt <= 0 || rate <= 0 {
		return 0
	}
	return 1 - float32(math.Pow(float64(1-rate), float64(dt)))
}

// validRate reports whether a per-second rate lies in [0, 1).
func validRate(r float32) bool {
	return r >= 0 && r < 1 && !math.IsNaN(float64(r))
}
