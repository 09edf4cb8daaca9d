package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffExponential(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.Delay(1))
	assert.Equal(t, 200*time.Millisecond, b.Delay(2))
	assert.Equal(t, 400*time.Millisecond, b.Delay(3))
	assert.Equal(t, 800*time.Millisecond, b.Delay(4))
	assert.Equal(t, time.Second, b.Delay(5))
	assert.Equal(t, time.Second, b.Delay(500))
}

func TestBackoffNeverDecreases(t *testing.T) {
	schedules := map[string]Backoff{
		"exponential":    {Base: 50 * time.Millisecond, Max: 3 * time.Second, Multiplier: 1.7},
		"fixed":          {Base: 250 * time.Millisecond, Max: time.Second, Multiplier: 1},
		"uncapped":       {Base: time.Millisecond, Multiplier: 3},
		"base above max": {Base: 5 * time.Second, Max: time.Second, Multiplier: 2},
	}

	for name, b := range schedules {
		t.Run(name, func(t *testing.T) {
			prev := b.Delay(1)
			for attempt := 2; attempt <= 64; attempt++ {
				next := b.Delay(attempt)
				assert.GreaterOrEqual(t, next, prev, "attempt %d", attempt)
				if b.Max > 0 {
					assert.LessOrEqual(t, next, b.Max)
				}
				prev = next
			}
		})
	}
}

func TestBackoffFixedAndZero(t *testing.T) {
	fixed := Backoff{Base: 300 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 300*time.Millisecond, fixed.Delay(1))
	assert.Equal(t, 300*time.Millisecond, fixed.Delay(7))

	assert.Equal(t, time.Duration(0), Backoff{}.Delay(3))
	assert.Equal(t, time.Duration(0), Backoff{Jitter: 0.5}.Delay(3))
	assert.Equal(t, 300*time.Millisecond, fixed.Delay(0))
}

func TestBackoffJitterStaysWithinCap(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}

	for attempt := 1; attempt <= 64; attempt++ {
		for i := 0; i < 50; i++ {
			delay := b.Delay(attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(0), "attempt %d", attempt)
			assert.LessOrEqual(t, delay, b.Max, "attempt %d", attempt)
		}
	}
}
