package lock

import (
	"math"
	"time"

	mathrand "math/rand"
)

// CalculateBackoff calculates the pause before the given attempt.
// The attempt number is 0-indexed (first attempt is 0, first retry is 1).
func CalculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = DefaultRetryDelay
	}

	maxDelay := max(cfg.MaxDelay, initial)

	// Formula: InitialDelay * 2^(attempt-1), computed in float64 and capped
	// before the conversion so long retry loops cannot overflow.
	exp := float64(initial) * math.Pow(2, float64(attempt-1))

	delay := maxDelay
	if exp < float64(maxDelay) {
		delay = time.Duration(exp)
	}

	if cfg.Jitter {
		// Use the global math/rand which is safe for concurrent use.
		//nolint:gosec // G404: math/rand is acceptable for jitter, doesn't need crypto-grade randomness
		jitter := mathrand.Float64() * float64(delay) * cfg.GetJitterFactor()
		delay += time.Duration(jitter)
	}

	return delay
}
