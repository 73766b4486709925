package randutil

import (
	"math"
	"math/rand"
	"time"
)

// Jitter returns a random duration in [d*(1-factor), d*(1+factor)].
// factor is clamped to [0, 1].
func Jitter(d time.Duration, factor float64) time.Duration {
	factor = math.Max(0, math.Min(1, factor))
	if d <= 0 || factor == 0 {
		return d
	}
	delta := float64(d) * factor
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

// Backoff computes exponentially growing delays with jitter.
// It is not safe for concurrent use.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration
	// Multiplier is the growth factor between two attempts. Values below 1 are treated as 2.
	Multiplier float64
	// JitterFactor randomizes each delay, see Jitter.
	JitterFactor float64

	attempt int
}

// Next returns the delay before the next retry.
func (b *Backoff) Next() time.Duration {
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	d := float64(b.Initial) * math.Pow(multiplier, float64(b.attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	} else {
		b.attempt++
	}
	return Jitter(time.Duration(d), b.JitterFactor)
}

// Attempts returns the number of delays handed out since the last Reset, up to the one that
// reached Max.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset restarts the backoff from Initial.
func (b *Backoff) Reset() {
	b.attempt = 0
}
