package backoff

import (
	"context"
	"time"
)

// Sleep blocks for d. A done context wins over the timer and its cause is
// returned, so a retry loop stops with the reason the caller was aborted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// SleepUntil blocks until the wall clock reaches deadline. Callers that
// publish the next attempt time use it so the wait matches what they
// reported.
func SleepUntil(ctx context.Context, deadline time.Time) error {
	return Sleep(ctx, time.Until(deadline))
}
