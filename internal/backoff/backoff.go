// Package backoff paces the optimistic-concurrency retry loops.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy produces exponentially growing delays with jitter.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the exponential growth.
	Max time.Duration
}

// Relay is the push retry policy: 50ms doubling to a 500ms ceiling.
var Relay = Policy{Base: 50 * time.Millisecond, Max: 500 * time.Millisecond}

// Delay returns the pause after the given zero-based attempt, jittered by
// up to half of the exponential step.
func (p Policy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	max := p.Max
	if max < base {
		max = base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	return d + rand.N(d/2+1)
}

// Sleep pauses for Delay(attempt) or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
