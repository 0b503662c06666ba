package web

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"

	"github.com/conorfennell/studyloop/internal/config"
	"github.com/conorfennell/studyloop/internal/domain"
)

// withRetry runs op until it succeeds or fails for good. A store outage is
// retried with exponential backoff up to MaxTries; a lost race is retried
// once against fresh state; anything else is returned at once.
func withRetry[T any](ctx context.Context, cfg config.Retry, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval

	conflicts := 0
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		switch {
		case err == nil:
			return v, nil
		case errors.Is(err, domain.ErrConcurrentModification):
			conflicts++
			if conflicts > 1 {
				return v, backoff.Permanent(err)
			}
			return v, err
		case errors.Is(err, domain.ErrStoreUnavailable):
			return v, err
		default:
			return v, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(max(cfg.MaxTries, 1)))
}

// retryErr is withRetry for operations without a result.
func retryErr(ctx context.Context, cfg config.Retry, op func(ctx context.Context) error) error {
	_, err := withRetry(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
