package exchange

import (
	"context"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/errors"
	"main/pkg/backoff"
)

var ErrAttemptsExhausted = errors.New("exchange: retry attempts exhausted")

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	MaxAttempts int
	CallTimeout time.Duration
	Backoff     backoff.Backoff
}

// DefaultRetryPolicy matches the venue's documented rate behavior.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		CallTimeout: 5 * time.Second,
		Backoff: backoff.Backoff{
			Min:    200 * time.Millisecond,
			Max:    3 * time.Second,
			Factor: 2.0,
			Jitter: 0.3,
		},
	}
}

// Retry runs fn with a per-call timeout, retrying only transient errors
// with capped exponential backoff and jitter. Non-transient errors are
// returned immediately. A final transient failure is wrapped in
// ErrAttemptsExhausted so the caller can treat the outcome as ambiguous.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
		}
		err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return nil
		}

		if !Retryable(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := policy.Backoff.Next(attempt)
		logs.Warnf("%s transient failure, attempt: %d/%d, retry in: %s, err: %+v", op, attempt, attempts, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return errors.Wrapf(ErrAttemptsExhausted, "%s failed after %d attempts, last: %v", op, attempts, lastErr)
}
