// Package apierr gives every HTTP-facing operation a small, closed set of
// error kinds that map directly onto HTTP status codes, so handlers can
// return a plain Go error and let one place decide the response.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the handful of error classes an operation can fail with.
type Kind int

const (
	// Internal is an unexpected failure with no more specific kind.
	Internal Kind = iota
	// BadParams is a malformed or missing request parameter.
	BadParams
	// NotFound is a reference to a channel, session, or resource that
	// does not exist.
	NotFound
	// Forbidden is a request the server understood but will not satisfy,
	// e.g. a path-traversal attempt in a session/segment path.
	Forbidden
	// MethodNotAllowed is a request using an HTTP method the route does
	// not support.
	MethodNotAllowed
	// Retry is a transient failure where retrying later may succeed, e.g.
	// an HLS session still initializing its first segment.
	Retry
	// NoTuner is returned when every tuner is held and none is
	// preemptible for the requested purpose.
	NoTuner
)

func (k Kind) String() string {
	switch k {
	case BadParams:
		return "bad_params"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case MethodNotAllowed:
		return "method_not_allowed"
	case Retry:
		return "retry"
	case NoTuner:
		return "no_tuner"
	default:
		return "internal"
	}
}

// Status returns the HTTP status code that kind maps to.
func (k Kind) Status() int {
	switch k {
	case BadParams:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case MethodNotAllowed:
		return http.StatusMethodNotAllowed
	case Retry:
		return http.StatusServiceUnavailable
	case NoTuner:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed, wrappable error carrying a Kind and a message.
type Error struct {
	Kind Kind
	Msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.err }

// New builds an *Error of the given kind with a plain message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind that wraps err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, err: err}
}

// As extracts the Kind of err if it is (or wraps) an *Error, defaulting to
// Internal for any other error, including nil.
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// WriteHTTP writes err's status and message as a plain-text response. For
// errors that aren't *Error, it reports 500 with a generic message so
// internals are never leaked to the client.
func WriteHTTP(w http.ResponseWriter, err error) {
	var e *Error
	if errors.As(err, &e) {
		http.Error(w, e.Msg, e.Kind.Status())
		return
	}
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
