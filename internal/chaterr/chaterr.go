// Package chaterr is the error taxonomy shared by the chat components.
// Kinds are sentinels checked with errors.Is; *Error carries the message and retry hint.
package chaterr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrConnectionLost   = errors.New("connection lost")
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrDuplicate is internal: a backend saw a repeated client message id.
	ErrDuplicate = errors.New("duplicate")
)

type Error struct {
	Kind       error
	Msg        string
	RetryAfter int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) error {
	return &Error{Kind: ErrForbidden, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

// RateLimited reports a throttled request; retryAfter is rounded up to whole seconds by the caller.
func RateLimited(retryAfter int, format string, args ...any) error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{Kind: ErrRateLimited, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

func ConnectionLost(err error) error {
	return &Error{Kind: ErrConnectionLost, Msg: "connection lost", Err: err}
}

func StoreUnavailable(err error) error {
	return &Error{Kind: ErrStoreUnavailable, Msg: "store unavailable", Err: err}
}

// IsDomain reports whether err is one of the client-facing kinds that must not be retried.
func IsDomain(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrDuplicate)
}

// Code returns the wire code sent in error events.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "internal"
}

// Message returns the client-safe text of err. Internal errors are not leaked.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "internal error"
}

// RetryAfter returns the retry hint in seconds, or 0.
func RetryAfter(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
