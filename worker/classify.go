package worker

import (
	"context"
	"errors"
	"net"
	"strings"
)

// ErrorKind classifies a handler failure for the retry policy.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindUpstream   ErrorKind = "upstream"
	KindRateLimit  ErrorKind = "rate-limit"
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "authorization"
	KindInternal   ErrorKind = "internal"
)

// RetryableError wraps an error that should be retried regardless of its
// underlying type.
type RetryableError struct {
	Err  error
	Kind ErrorKind
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// NonRetryableError wraps an error that must not be retried.
type NonRetryableError struct {
	Err  error
	Kind ErrorKind
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// Retryable marks err as retryable with the given kind.
func Retryable(err error, kind ErrorKind) error {
	return &RetryableError{Err: err, Kind: kind}
}

// NonRetryable marks err as non-retryable with the given kind.
func NonRetryable(err error, kind ErrorKind) error {
	return &NonRetryableError{Err: err, Kind: kind}
}

// statusCoder is implemented by upstream client errors that carry an
// HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

// Classify maps a handler error to (kind, retryable). Network trouble,
// timeouts, upstream 5xx and rate limiting are transient; validation and
// authorization failures are not.
func Classify(err error) (ErrorKind, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	var nre *NonRetryableError
	if errors.As(err, &nre) {
		return nre.Kind, false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 429:
			return KindRateLimit, true
		case status >= 500:
			return KindUpstream, true
		case status == 401 || status == 403:
			return KindAuth, false
		case status >= 400:
			return KindValidation, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, true
		}
		return KindNetwork, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"):
		return KindNetwork, true
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return KindTimeout, true
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return KindRateLimit, true
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "forbidden"):
		return KindAuth, false
	case strings.Contains(msg, "validation"), strings.Contains(msg, "malformed"), strings.Contains(msg, "invalid"):
		return KindValidation, false
	}
	return KindInternal, false
}
