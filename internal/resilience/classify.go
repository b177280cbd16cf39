package resilience

import (
	"context"
	"errors"
	"strings"
)

type Kind string

const (
	KindRateLimit         Kind = "rate_limit"
	KindTimeout           Kind = "timeout"
	KindChannelAuth       Kind = "channel_auth"
	KindStoreConnectivity Kind = "store_connectivity"
	KindValidation        Kind = "validation"
	KindUnavailable       Kind = "unavailable"
)

// ErrValidation marks an error as a validation failure regardless of its text.
var ErrValidation = errors.New("validation failed")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the executor stops retrying after this attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// substrings are matched against the lowercased error text. They follow
// what the webhook client, net and pgx actually print.
var substrings = []struct {
	kind  Kind
	needs []string
}{
	{KindRateLimit, []string{"rate limit exceeded", "too many requests", "status code: 429"}},
	{KindTimeout, []string{"i/o timeout", "timed out", "deadline exceeded", "client.timeout exceeded"}},
	{KindChannelAuth, []string{"unauthorized", "forbidden", "invalid token", "status 401", "status 403"}},
	{KindStoreConnectivity, []string{"connection refused", "connection reset", "no such host", "broken pipe", "failed to connect", "closed pool", "conn closed"}},
}

// Classify maps err onto the error taxonomy for reporting and fallbacks.
// Anything unmatched is treated as a validation error.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrServiceUnavailable):
		return KindUnavailable
	case isValidation(err):
		return KindValidation
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, s := range substrings {
		for _, needle := range s.needs {
			if strings.Contains(msg, needle) {
				return s.kind
			}
		}
	}
	return KindValidation
}

// isValidation reports errors marked as validation failures through
// ErrValidation or Permanent. Error text never counts.
func isValidation(err error) bool {
	var perm *permanentError
	return errors.Is(err, ErrValidation) || errors.As(err, &perm)
}

// shortCircuits reports whether retrying err is pointless. Only marked
// validation errors qualify; the catch-all does not.
func shortCircuits(err error) bool {
	return isValidation(err)
}

// Retryable reports whether another attempt at err could succeed.
func Retryable(err error) bool {
	return err != nil && !shortCircuits(err)
}
