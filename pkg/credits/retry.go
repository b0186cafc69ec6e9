package credits

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds the retries of transient storage failures.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// Validate checks the policy bounds.
func (policy RetryPolicy) Validate() error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be greater than zero", ErrInvalidRetryPolicy)
	}
	if policy.BaseDelay < 0 {
		return fmt.Errorf("%w: base delay must not be negative", ErrInvalidRetryPolicy)
	}
	if policy.MaxDelay < policy.BaseDelay {
		return fmt.Errorf("%w: max delay below base delay", ErrInvalidRetryPolicy)
	}
	return nil
}

// Do runs attempt until it succeeds, fails permanently, or attempts run out.
// Only errors for which IsTransient holds are retried.
func (policy RetryPolicy) Do(ctx context.Context, attempt func(ctx context.Context) error) error {
	var lastErr error
	for attemptNumber := 0; attemptNumber < policy.MaxAttempts; attemptNumber++ {
		if attemptNumber > 0 {
			if err := sleepWithContext(ctx, policy.delay(attemptNumber)); err != nil {
				return fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
		}
		lastErr = attempt(ctx)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (policy RetryPolicy) delay(attemptNumber int) time.Duration {
	delay := policy.BaseDelay
	for step := 1; step < attemptNumber; step++ {
		delay *= 2
		if delay >= policy.MaxDelay {
			return policy.MaxDelay
		}
	}
	return delay
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
