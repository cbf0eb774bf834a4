package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_UnjitteredScheduleDoubles(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second}

	assert.Equal(t, 2*time.Second, NextDelay(p, 1))
	assert.Equal(t, 4*time.Second, NextDelay(p, 2))
	assert.Equal(t, 8*time.Second, NextDelay(p, 3))
	assert.Equal(t, 16*time.Second, NextDelay(p, 4))
}

func TestNextDelay_MaxDelayCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second}

	for attempt := 4; attempt <= 10; attempt++ {
		assert.Equal(t, 16*time.Second, NextDelay(p, attempt), "attempt %d", attempt)
	}
}

func TestNextDelay_MonotoneFloorAcrossAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := NextDelay(p, attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestNextDelay_JitterStaysWithinBound(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: time.Minute, JitterEnabled: true}

	for attempt := 1; attempt <= 4; attempt++ {
		base := float64(p.BaseDelay) * float64(int(1)<<(attempt-1))
		lo := time.Duration(base * (1 - JitterFraction))
		hi := time.Duration(base * (1 + JitterFraction))

		for i := 0; i < 200; i++ {
			d := NextDelay(p, attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestNextDelay_JitterNeverExceedsMaxDelay(t *testing.T) {
	p := Policy{MaxAttempts: 8, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second, JitterEnabled: true}

	for i := 0; i < 500; i++ {
		d := NextDelay(p, 8)
		assert.LessOrEqual(t, d, p.MaxDelay)
	}
}

func TestNextDelay_AttemptBelowOneUsesFirstDelay(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: 2 * time.Second, MaxDelay: 16 * time.Second}

	assert.Equal(t, 2*time.Second, NextDelay(p, 0))
	assert.Equal(t, 2*time.Second, NextDelay(p, -3))
}
