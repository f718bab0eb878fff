// Package backoff computes retry delays and provides context-aware sleeping.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve.
//
// The delay for attempt n is Initial * Factor^n capped at Max, plus up to
// Jitter*delay of random spread. Attempt numbering is left to the caller.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// StreamRetryPolicy is the curve used between provider stream attempts:
// min(1s * 2^attempt, 30s) with no jitter.
func StreamRetryPolicy() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
	}
}

// DefaultPolicy is a short curve for local I/O such as database connects.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the delay for attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, float64(attempt))
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
