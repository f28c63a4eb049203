// Package retry implements bounded retry with backoff for startup
// dependencies (e.g. waiting for the token store to accept connections).
package retry

import (
	"context"
	"fmt"
	"time"
)

type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnRetry        func(attempt int, err error, backoff time.Duration)
}

type Operation[T any] func() (T, error)
type VoidOperation func() error

// Do runs op until it succeeds, the policy is exhausted, or ctx is cancelled.
// Backoff doubles per attempt, capped at MaxBackoff.
func Do[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	backoff := p.InitialBackoff

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		val, err := op()
		if err == nil {
			return val, nil
		}

		if attempt == p.MaxAttempts {
			var zero T
			return zero, fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, backoff)
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}

	panic("unreachable: MaxAttempts must be >= 1")
}

// DoVoid is Do for operations without a return value.
func DoVoid(ctx context.Context, p Policy, op VoidOperation) error {
	_, err := Do(ctx, p, func() (struct{}, error) { return struct{}{}, op() })
	return err
}
