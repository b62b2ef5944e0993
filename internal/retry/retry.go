// Package retry runs an operation with bounded retries and exponential delay.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop. Attempt n (0-based) waits BaseDelay * 2^n
// before attempt n+1, so MaxRetries=2 means three attempts in total.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy is three attempts with 2s then 4s between them.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 2, BaseDelay: 2 * time.Second}
}

// Permanent marks err as not worth retrying. Do returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

// exponential builds a jitter-free schedule whose ceiling is the last
// delay the policy can reach.
func (p Policy) exponential(maxRetries int) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.BaseDelay << maxRetries
	return b
}

// Do calls fn until it succeeds, returns a permanent error, or the policy is
// exhausted. It returns the last error seen. Cancelling ctx aborts the wait.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	attempt := 0
	var lastErr error
	op := func() (T, error) {
		v, err := fn(ctx, attempt)
		if err != nil {
			lastErr = err
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.exponential(maxRetries)),
		backoff.WithMaxTries(uint(maxRetries + 1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, delay time.Duration) {
			if p.OnRetry != nil {
				p.OnRetry(attempt, err, delay)
			}
			attempt++
		}),
	}

	v, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return v, nil
	}

	// The last attempt comes back still wrapped.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return zero, perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && lastErr != nil && errors.Is(err, ctxErr) {
		return zero, fmt.Errorf("%w (last error: %v)", err, lastErr)
	}
	return zero, err
}
