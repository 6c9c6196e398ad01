package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Jitter     float64
	// Retryable decides whether err deserves another attempt. Nil retries everything
	// except context cancellation.
	Retryable func(error) bool
	Sleep     func(context.Context, time.Duration) error
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff, MaxBackoff: 2 * time.Second}
}

// Do runs fn until it succeeds, returns a non-retryable error, or retries run out.
func (r RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	if r.Retryable == nil {
		r.Retryable = defaultRetryable
	}
	if r.Sleep == nil {
		r.Sleep = sleepContext
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if i == r.MaxRetries || !r.Retryable(err) {
			return err
		}
		if serr := r.Sleep(ctx, r.delay(i, rng)); serr != nil {
			return err
		}
	}
	return err
}

func (r RetryPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	d := time.Duration(float64(r.Backoff) * math.Pow(2, float64(attempt)))
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	if r.Jitter > 0 {
		d += time.Duration(float64(d) * r.Jitter * rng.Float64())
	}
	return d
}

func defaultRetryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
