package adapter

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a remote failure for the engine's handling policy.
type ErrorKind string

const (
	// KindTransient covers timeouts, connection resets and 5xx responses.
	// The client retries these with backoff before surfacing them.
	KindTransient ErrorKind = "transient"
	// KindRateLimited is a 429; RetryAfter carries the server's hint.
	KindRateLimited ErrorKind = "rate_limited"
	// KindValidation is a non-retryable 4xx. The offending diff goes to the
	// dead-letter table.
	KindValidation ErrorKind = "validation"
	// KindAuth is a 401/403. Fatal for the owning adapter until restart.
	KindAuth ErrorKind = "auth"
	// KindConflict is "already exists" on create; adapters recover the
	// existing handle and treat the create as success, so the engine only
	// sees this if recovery itself failed.
	KindConflict ErrorKind = "conflict"
)

// Error is the classified failure both API clients return.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the classification, defaulting unclassified errors to
// transient so they get the conservative retry path.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the server-provided retry hint, or zero.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

func IsTransient(err error) bool   { return KindOf(err) == KindTransient }
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
func IsValidation(err error) bool  { return KindOf(err) == KindValidation }
func IsAuth(err error) bool        { return KindOf(err) == KindAuth }
