package nhl

import "errors"

var (
	// ErrUpstreamUnavailable covers transport failures and throttling/5xx
	// responses. Retryable.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUpstreamResponseInvalid means the response could not be decoded into
	// the expected shape. Not retryable; usually schema drift.
	ErrUpstreamResponseInvalid = errors.New("upstream response invalid")

	// ErrGameNotFound means the upstream does not know the requested game.
	ErrGameNotFound = errors.New("game not found")

	// ErrInvalidDateRange is returned for ranges whose start is after the end.
	ErrInvalidDateRange = errors.New("invalid date range")
)

// Retryable reports whether err is worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable) && !errors.Is(err, errBreakerOpen)
}

// errBreakerOpen wraps ErrUpstreamUnavailable when the circuit breaker is
// rejecting calls; retrying inside the open window cannot succeed.
var errBreakerOpen = errors.New("circuit breaker open")
