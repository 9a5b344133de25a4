package chat

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	jww "github.com/spf13/jwalterweatherman"

	"megagram/metrics"
)

// DefaultRetrySchedule bounds retries to four attempts, sleeping 1s, 2s and
// 5s between them. The final entry only fixes the attempt count.
var DefaultRetrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// scheduleBackOff walks a fixed delay list. It allows len(delays) attempts.
type scheduleBackOff struct {
	delays  []time.Duration
	attempt int
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.attempt >= len(b.delays)-1 {
		return backoff.Stop
	}
	d := b.delays[b.attempt]
	b.attempt++
	return d
}

func (b *scheduleBackOff) Reset() { b.attempt = 0 }

// WithRetry runs op until it succeeds or the schedule is exhausted. Every
// failure is retried the same way. After the last attempt the error is an
// *OperationError carrying label and the last cause.
func WithRetry[T any](ctx context.Context, schedule []time.Duration, label string,
	op func(ctx context.Context) (T, error)) (T, error) {
	var (
		result  T
		attempt int
	)

	err := backoff.RetryNotify(
		func() error {
			attempt++
			v, err := op(ctx)
			if err != nil {
				return err
			}
			result = v
			return nil
		},
		backoff.WithContext(&scheduleBackOff{delays: schedule}, ctx),
		func(err error, next time.Duration) {
			metrics.IncRetry(label)
			jww.WARN.Printf("[CHAT] %s failed (attempt %d/%d), retrying in %s: %v",
				label, attempt, len(schedule), next, err)
		},
	)
	if err != nil {
		var zero T
		return zero, &OperationError{Label: label, Err: err}
	}
	return result, nil
}
