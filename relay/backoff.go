package relay

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes capped exponential delays with proportional jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction of the delay randomised in either direction.
	Jitter float64
}

// Delay returns the wait before retry number attempt (starting at 0).
func (b Backoff) Delay(attempt int) time.Duration {
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Initial) * math.Pow(factor, float64(attempt))
	if b.Jitter > 0 {
		d *= 1 - b.Jitter + 2*b.Jitter*rand.Float64()
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
