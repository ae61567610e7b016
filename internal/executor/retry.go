package executor

import (
	"context"
	"errors"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// RetryPolicy bounds the exponential backoff applied to submission calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// withRetry calls fn until it succeeds, returns a non-transient error, or the
// retry budget is spent. It returns the number of calls made.
func withRetry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) (int, error) {
	return retryWhile(ctx, p, func(err error) bool { return errors.Is(err, domain.ErrTransient) }, fn)
}

// retryWhile is withRetry with a caller-chosen notion of a retryable error.
func retryWhile(ctx context.Context, p RetryPolicy, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	delay := p.BaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !retryable(err) || attempt >= p.MaxRetries {
			return attempt + 1, err
		}
		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
