package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when every attempt failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry calls fn up to maxAttempts times, sleeping per policy between
// failures. shouldRetry decides whether an error is worth another attempt;
// nil retries everything. The returned error wraps the last failure.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	shouldRetry func(error) bool,
	fn func(ctx context.Context, attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if shouldRetry != nil && !shouldRetry(err) {
			return zero, err
		}
		if attempt+1 < maxAttempts {
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return zero, err
			}
		}
	}
	if lastErr == nil {
		return zero, ErrMaxAttemptsExhausted
	}
	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}
