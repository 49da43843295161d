package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/errors"
	"main/pkg/backoff"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		CallTimeout: time.Second,
		Backoff:     backoff.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2.0},
	}
}

func TestRetryTransientThenSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), "place order", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrRateLimited
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryRejectionNotRetried(t *testing.T) {
	rejection := &APIError{Code: 110007, Msg: "insufficient available balance"}
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), "place order", func(ctx context.Context) error {
		calls++
		return rejection
	})
	assert.Equal(t, 1, calls)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 110007, apiErr.Code)
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(2), "place order", func(ctx context.Context) error {
		calls++
		return ErrRateLimited
	})
	assert.Equal(t, 2, calls)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, fastPolicy(3), "place order", func(ctx context.Context) error {
		return ErrRateLimited
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassify(t *testing.T) {
	testcases := []struct {
		name     string
		err      error
		expected Class
	}{
		{"rate limited", ErrRateLimited, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"duplicate id", ErrDuplicateOrder, ClassNoOp},
		{"already terminal", ErrAlreadyClosed, ClassNoOp},
		{"not found", ErrOrderNotFound, ClassNotFound},
		{"auth", ErrAuth, ClassAuth},
		{"api rejection", &APIError{Code: 110007, Msg: "insufficient balance"}, ClassRejected},
		{"api transient", &APIError{Code: 10002, Msg: "timestamp", ErrClass: ClassTransient}, ClassTransient},
		{"wrapped", errors.Wrap(ErrRateLimited, "outer"), ClassTransient},
		{"plain", errors.New("boom"), ClassUnknown},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Classify(tc.err))
		})
	}
}
