package ingestor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy wraps an operation with retries.
type RetryPolicy interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

type nopRetry struct{}

func (nopRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// SimpleRetry retries an operation with capped exponential backoff.
//
// It retries on any error returned by fn except context errors. Wrap an
// error with backoff.Permanent to stop early.
type SimpleRetry struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool

	// Notify, if set, is called before each wait with the error and delay.
	Notify func(err error, next time.Duration)
}

// DefaultWriteRetry is the retry used for batch writes when none is configured.
var DefaultWriteRetry = SimpleRetry{
	Attempts:  5,
	BaseDelay: 200 * time.Millisecond,
	MaxDelay:  5 * time.Second,
	Jitter:    true,
}

func (r SimpleRetry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attempts := max(r.Attempts, 1)

	base := r.BaseDelay
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	maxDelay = max(maxDelay, base)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	if !r.Jitter {
		b.RandomizationFactor = 0
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if r.Notify != nil {
		opts = append(opts, backoff.WithNotify(r.Notify))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}
		return struct{}{}, err
	}, opts...)
	return err
}
