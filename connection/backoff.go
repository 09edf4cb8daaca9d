package connection

import (
	"math"
	"time"

	"github.com/juju/retry"
)

// uncappedDelay stands in for Max when no cap is configured
const uncappedDelay = time.Duration(1 << 50)

// Backoff computes the delay before a recovery attempt. The exponential
// schedule comes from retry.ExpBackoff; Delay is a function of the attempt
// number alone so the schedule can be tested without timers.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter randomises each delay within the schedule when above zero. With
	// Jitter 0 the schedule never decreases.
	Jitter float64
}

// Delay returns the wait after failed attempt n (1-based): Base*Multiplier^(n-1),
// capped at Max and randomised when Jitter is set. A Multiplier <= 1 gives a
// fixed delay.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return b.strategy()(0, attempt-1)
}

// strategy adapts retry.ExpBackoff, whose attempts count from zero, so that it
// never computes a delay far beyond the cap
func (b Backoff) strategy() func(time.Duration, int) time.Duration {
	if b.Base <= 0 {
		return func(time.Duration, int) time.Duration { return 0 }
	}

	limit := b.Max
	if limit <= 0 {
		limit = uncappedDelay
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	next := retry.ExpBackoff(b.Base, limit, multiplier, b.Jitter > 0)
	steps := capSteps(b.Base, limit, multiplier)

	return func(prev time.Duration, attempt int) time.Duration {
		if attempt > steps {
			attempt = steps
		}
		delay := next(prev, attempt)
		switch {
		case delay > limit:
			return limit
		case delay < 0:
			return 0
		}
		return delay
	}
}

// capSteps is the first zero-based attempt whose delay reaches limit
func capSteps(base, limit time.Duration, multiplier float64) int {
	if multiplier <= 1 || base >= limit {
		return 0
	}
	return int(math.Ceil(math.Log(float64(limit)/float64(base)) / math.Log(multiplier)))
}
