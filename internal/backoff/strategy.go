// Package backoff computes retry delays for failed query and mutation attempts.
package backoff

import (
	"math/rand"
	"time"
)

// Params holds the tuning knobs shared by every strategy.
type Params struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Strategy computes the delay before retry number attempt (zero based).
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// ExponentialJitterStrategy grows the delay by Multiplier per attempt and
// adds up to Jitter*delay of uniform noise, capped at Max.
type ExponentialJitterStrategy struct{}

// Delay implements Strategy.
func (ExponentialJitterStrategy) Delay(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^30 times any sane initial delay already exceeds every cap.
	if attempt > 30 {
		attempt = 30
	}

	delay := time.Duration(float64(p.Initial) * pow(p.Multiplier, attempt))
	if delay < 0 || delay > p.Max {
		delay = p.Max
	}

	jitter := clampJitter(p.Jitter)
	if jitter > 0 {
		extra := time.Duration(float64(delay) * jitter * rand.Float64())
		if delay+extra > p.Max {
			return p.Max
		}
		delay += extra
	}
	return delay
}

// DecorrelatedJitterStrategy picks a random delay between Initial and
// min(Max, Initial*3^attempt).
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterStrategy struct{}

// Delay implements Strategy.
func (DecorrelatedJitterStrategy) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Initial)
	upper := base * pow(3.0, attempt)
	if upper > float64(p.Max) || upper < 0 {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	delay := time.Duration(base + rand.Float64()*(upper-base))
	if delay < 0 || delay > p.Max {
		delay = p.Max
	}
	return delay
}

// ConstantStrategy always waits Initial.
type ConstantStrategy struct{}

// Delay implements Strategy.
func (ConstantStrategy) Delay(_ int, p Params) time.Duration {
	return p.Initial
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

func pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
