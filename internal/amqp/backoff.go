package amqp

import (
	"math"
	"time"
)

// ExponentialBackoff computes reconnection delays of Base * Multiplier^attempt.
// Cap bounds the delay when set; a zero Cap leaves growth unbounded, which
// matches the historical schedule this package preserves.
type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

// DefaultBackoff returns the backoff policy used when none is configured:
// 2s base, doubling per attempt, uncapped.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base:       2 * time.Second,
		Multiplier: 2,
	}
}

// NextDelay calculates the delay before retry number attempt, counted from
// zero failures.
func (b ExponentialBackoff) NextDelay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 2 * time.Second
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(base) * math.Pow(multiplier, float64(attempt))

	// Guard against overflow for very large attempt counts
	if delay > float64(math.MaxInt64) {
		if b.Cap > 0 {
			return b.Cap
		}
		return time.Duration(math.MaxInt64)
	}

	d := time.Duration(delay)
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}
	return d
}
