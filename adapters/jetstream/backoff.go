package jetstream

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential schedule: Base doubled per attempt, capped at Max, plus up to 25% jitter.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	NoJitter bool
}

// DefaultBackoff is used for dialing, reconnecting, publish retries and redelivery delays.
var DefaultBackoff = Backoff{Base: time.Second, Max: 30 * time.Second}

// Delay returns the wait before attempt (1-based) is retried.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	if attempt < 1 {
		attempt = 1
	}

	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}

	if !b.NoJitter && d >= 4 {
		// #nosec G404 -- non-crypto RNG is acceptable for backoff jitter
		d += time.Duration(rand.Int64N(int64(d / 4)))
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	return d
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
