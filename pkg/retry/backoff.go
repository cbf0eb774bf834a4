package retry

import (
	"math"
	"math/rand"
	"time"
)

// JitterFraction bounds the random perturbation applied to backoff
// delays: each delay moves by at most ±25% of its un-jittered value.
const JitterFraction = 0.25

// Policy is pure configuration. The default sequence is 2s/4s/8s/16s
// with up to 4 attempts.
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterEnabled bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   4,
		BaseDelay:     2 * time.Second,
		MaxDelay:      16 * time.Second,
		JitterEnabled: true,
	}
}

// NextDelay computes the backoff delay before retry attempt n
// (1-indexed): min(BaseDelay * 2^(n-1), MaxDelay), perturbed by
// bounded jitter when enabled so concurrent workers do not retry in
// lockstep.
func NextDelay(p Policy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.JitterEnabled {
		// Uniform in [-JitterFraction*d, +JitterFraction*d].
		d += (rand.Float64()*2 - 1) * JitterFraction * d
		if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
		}
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
