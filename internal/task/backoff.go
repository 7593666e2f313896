package task

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// BackoffPolicy is a capped exponential curve: Base, 2*Base, 4*Base, ...
// never exceeding Max.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryBackoff is applied to task resubmission when none is configured.
var DefaultRetryBackoff = BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute}

// Defaults for handing a record back to the queue after a transient failure
const (
	defaultRequeueAttempts = 3
	defaultRequeueBackoff  = 100 * time.Millisecond
)

// newBackoff returns a fresh stateful backoff following the policy.
func (p BackoffPolicy) newBackoff() retry.Backoff {
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	if p.Max > 0 {
		b = retry.WithCappedDuration(p.Max, b)
	}
	return b
}

// Delay returns the wait before the given attempt becomes visible again.
// attempt is 1-based: Delay(1) == Base.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.newBackoff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
		if p.Max > 0 && d >= p.Max {
			break
		}
	}
	return d
}

// enqueueWithRetry hands rec to the queue, retrying a failed enqueue up to
// attempts times in total with exponential waits starting at base.
func enqueueWithRetry(
	ctx context.Context,
	q Queue,
	rec *Record,
	delay time.Duration,
	attempts int,
	base time.Duration,
	logger *slog.Logger,
) error {
	if attempts < 1 {
		attempts = 1
	}
	if base <= 0 {
		base = defaultRequeueBackoff
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := q.Enqueue(ctx, rec.Queue, rec, delay); err != nil {
			logger.Warn("failed to enqueue task, retrying", "task_id", rec.ID, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
}
