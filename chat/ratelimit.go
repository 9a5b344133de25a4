package chat

import (
	"context"
	"time"

	"go.uber.org/ratelimit"
)

// DefaultRateInterval is the minimum spacing between outbound RPC calls.
const DefaultRateInterval = time.Second

// RateLimiter spaces outbound calls at least one interval apart. One limiter
// is shared by every conversation of an engine.
type RateLimiter struct {
	limiter ratelimit.Limiter
}

// NewRateLimiter returns a limiter granting one slot per interval. A
// non-positive interval disables limiting. A nil clock uses wall time.
func NewRateLimiter(interval time.Duration, clock ratelimit.Clock) *RateLimiter {
	if interval <= 0 {
		return &RateLimiter{limiter: ratelimit.NewUnlimited()}
	}
	opts := []ratelimit.Option{ratelimit.Per(interval), ratelimit.WithoutSlack}
	if clock != nil {
		opts = append(opts, ratelimit.WithClock(clock))
	}
	return &RateLimiter{limiter: ratelimit.New(1, opts...)}
}

// Wait blocks until the next slot is available or ctx ends. A caller that
// gives up still consumes the slot it was waiting for.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	granted := make(chan struct{})
	go func() {
		r.limiter.Take()
		close(granted)
	}()

	select {
	case <-granted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
