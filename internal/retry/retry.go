package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy retries three times starting at 500ms.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

// NotifyFunc is called before each backoff wait with the attempt that just failed.
type NotifyFunc func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, returns an error retryable rejects, the attempt
// budget is spent, or ctx is done. The last error from op is returned.
func (p Policy) Do(ctx context.Context, op func() error, retryable func(error) bool, notify NotifyFunc) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	expo := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		expo.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		expo.MaxInterval = p.MaxInterval
	}
	expo.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(attempts-1)), ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) {
			notify(attempt, err, wait)
		}
	}

	return backoff.RetryNotify(wrapped, b, onRetry)
}
