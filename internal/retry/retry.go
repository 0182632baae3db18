// Package retry retries transient failures with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"messaging-service/internal/errs"
)

// Policy bounds the retries of one operation.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// Do runs op until it succeeds, fails with a non transient error, or the
// attempts are exhausted. Only errors of kind Unavailable are retried.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations returning a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		exp.InitialInterval = p.InitialInterval
	}
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	var result T
	err := backoff.Retry(func() error {
		v, err := op(ctx)
		if err != nil {
			if errs.IsUnavailable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = v
		return nil
	}, policy)
	return result, err
}
