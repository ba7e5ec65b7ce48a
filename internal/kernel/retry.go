package kernel

import (
	"context"
	"time"
)

// RetryOptions controls Retry. Zero values take the defaults: 3 attempts,
// 500ms base delay, multiplier 2, everything retryable.
type RetryOptions struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	Retryable  func(error) bool
}

const (
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMult      = 2.0
)

func (o RetryOptions) normalize() RetryOptions {
	if o.Attempts <= 0 {
		o.Attempts = defaultRetryAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = defaultRetryBaseDelay
	}
	if o.Multiplier < 1 {
		o.Multiplier = defaultRetryMult
	}
	return o
}

// Retry runs fn up to opts.Attempts times with geometric backoff between
// attempts. Non-retryable errors and context cancellation short-circuit.
func Retry(ctx context.Context, opts RetryOptions, fn func(context.Context) error) error {
	opts = opts.normalize()
	delay := opts.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if opts.Retryable != nil && !opts.Retryable(lastErr) {
			return lastErr
		}
		if attempt == opts.Attempts {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * opts.Multiplier)
	}
	return lastErr
}
