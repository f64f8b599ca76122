package indexer

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent wraps errors that must not be retried.
var ErrPermanent = errors.New("permanent error")

// WithRetry runs fn until it succeeds, maxRetries retries are used up, or
// ctx is done. The delay doubles after every failed attempt. Errors wrapping
// ErrPermanent are returned immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func(context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt >= maxRetries {
			return err
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
	}
}

// Backoff returns the delay before attempt n (1-based): base when exponential
// is false, base*2^(n-1) otherwise, never more than limit when limit > 0.
func Backoff(base time.Duration, attempt int, exponential bool, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	if exponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if limit > 0 && delay >= limit {
				return limit
			}
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
