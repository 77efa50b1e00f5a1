// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/creachadair/synapse"
)

// Backoff configures the delays between reconnection attempts.
type Backoff struct {
	Initial     time.Duration // delay before the first attempt
	Max         time.Duration // upper bound on the delay; 0 means no bound
	Multiplier  float64       // growth per attempt; values < 1 are treated as 1
	Jitter      bool          // scale each delay by a random factor in [0.5, 1.5)
	MaxAttempts int           // give up after this many attempts; 0 means never
}

// Delay returns the delay before attempt n (1-based). If rng == nil, jitter
// uses a fixed factor of 0.5.
func (b Backoff) Delay(n int, rng *rand.Rand) time.Duration {
	if n <= 1 || b.Initial <= 0 {
		return max(b.Initial, 0)
	}
	mul := max(b.Multiplier, 1)
	delay := float64(b.Initial) * math.Pow(mul, float64(n-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return time.Duration(delay)
}

// Redial returns a reconnect policy that calls dial until it succeeds, waiting
// between attempts as specified by b. It gives up when the context ends or
// after b.MaxAttempts failed attempts.
func Redial(dial func(context.Context) (synapse.Transport, error), b Backoff) synapse.ReconnectFunc {
	return func(ctx context.Context, cause error) (synapse.Transport, error) {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for n := 1; ; n++ {
			wait := time.NewTimer(b.Delay(n, rng))
			select {
			case <-ctx.Done():
				wait.Stop()
				return nil, ctx.Err()
			case <-wait.C:
			}

			t, err := dial(ctx)
			if err == nil {
				return t, nil
			}
			if b.MaxAttempts > 0 && n >= b.MaxAttempts {
				return nil, fmt.Errorf("after %d attempts (closed by %v): %w", n, cause, err)
			}
		}
	}
}
