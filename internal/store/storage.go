package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fortuna/nhlcrawler/internal/retry"
)

// ErrStorageUnavailable wraps every backend write failure. Retryable.
var ErrStorageUnavailable = errors.New("storage unavailable")

// Storage persists one serialized record set per key. Store replaces
// whatever is at key.
type Storage interface {
	Store(ctx context.Context, key string, body []byte) error
	Close() error
}

// HealthChecker is implemented by backends that can probe their server.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Backend names accepted by configuration.
const (
	BackendS3         = "s3"
	BackendPostgres   = "postgres"
	BackendRedis      = "redis"
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
)

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrStorageUnavailable, op, key, err)
}

// Retrying retries ErrStorageUnavailable failures of the wrapped Storage.
type Retrying struct {
	next   Storage
	policy retry.Policy
	logger logrus.FieldLogger
}

// NewRetrying wraps next with policy.
func NewRetrying(next Storage, policy retry.Policy, logger logrus.FieldLogger) *Retrying {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Retrying{
		next:   next,
		policy: policy,
		logger: logger.WithField("component", "storage"),
	}
}

// Store forwards to the wrapped Storage, retrying transient failures.
func (r *Retrying) Store(ctx context.Context, key string, body []byte) error {
	return r.policy.Do(ctx, func() error {
		return r.next.Store(ctx, key, body)
	}, func(err error) bool {
		return errors.Is(err, ErrStorageUnavailable)
	}, func(attempt int, err error, wait time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"key":     key,
			"attempt": attempt,
			"wait":    wait.String(),
		}).WithError(err).Warn("Store failed, retrying")
	})
}

// HealthCheck probes the wrapped Storage when it supports it.
func (r *Retrying) HealthCheck(ctx context.Context) error {
	if hc, ok := r.next.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Close closes the wrapped Storage.
func (r *Retrying) Close() error {
	return r.next.Close()
}
