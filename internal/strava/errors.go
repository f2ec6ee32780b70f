package strava

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures from the Strava gateway into the closed set
// the rest of the service branches on.
type ErrorKind int

const (
	// KindTransient covers network failures and 5xx responses. Retried with
	// bounded backoff before surfacing.
	KindTransient ErrorKind = iota
	// KindUnauthorized means the credential is permanently invalid. Never
	// retried; the athlete must re-authorize.
	KindUnauthorized
	// KindRateLimited means Strava reported a hard 429 despite local admission.
	KindRateLimited
	// KindTimeout means a local wait exceeded the caller's budget.
	KindTimeout
	// KindNotFound means the referenced remote object is absent.
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified Strava gateway failure
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, statusCode int, err error) *Error {
	return &Error{Kind: kind, Op: op, StatusCode: statusCode, Err: err}
}

func kindOf(err error) (ErrorKind, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsUnauthorized reports whether err is a permanent credential rejection
func IsUnauthorized(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnauthorized
}

// IsTooManyRequests reports whether err is a remote 429
func IsTooManyRequests(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// IsNotFound reports whether err is a missing remote object
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsTimeout reports whether err is a local wait that exceeded its budget
func IsTimeout(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

// IsTransient reports whether err is retryable (network failure or 5xx)
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}
