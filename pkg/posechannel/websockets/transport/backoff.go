package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes reconnection delays that grow exponentially from Min
// towards Max, with optional randomization.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64 // growth per attempt, 2 when zero
	Jitter float64 // randomization factor in [0, 1]

	random func() float64
}

// Duration returns the delay before reconnection attempt n (0-based).
// The result always lies in [Min, Max].
func (b *Backoff) Duration(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}

	// Growth is capped before jitter so large attempt numbers cannot
	// overflow into Inf or NaN.
	d := float64(b.Min) * math.Pow(factor, float64(attempt))
	if math.IsNaN(d) || d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 {
		r := b.rand()
		deviation := math.Floor(r * b.Jitter * d)
		if int(math.Floor(r*10))&1 == 0 {
			d -= deviation
		} else {
			d += deviation
		}
	}

	if math.IsNaN(d) || d > float64(b.Max) {
		return b.Max
	}
	if d < float64(b.Min) {
		return b.Min
	}
	return time.Duration(d)
}

func (b *Backoff) rand() float64 {
	if b.random != nil {
		return b.random()
	}
	return rand.Float64()
}
