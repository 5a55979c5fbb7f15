// Package fault classifies errors into the kinds the bus services agree on,
// so callers can pick a policy (retry, reject, shed) without matching on
// message text. Kinds travel over the wire in error envelopes and map onto
// HTTP status codes at the API edge.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind names a failure class from the shared taxonomy.
type Kind string

const (
	Transport  Kind = "transport"
	Validation Kind = "validation"
	Auth       Kind = "auth"
	NotFound   Kind = "not_found"
	Conflict   Kind = "conflict"
	Timeout    Kind = "timeout"
	Overload   Kind = "overload"
	Internal   Kind = "internal"
)

// Error is an error with a Kind attached. It wraps an optional cause and
// participates in errors.Is/errors.As chains.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and a context message. Returns nil when
// err is nil so call sites can wrap unconditionally.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind carried by err's chain. Context deadline errors
// classify as Timeout; anything unclassified is Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind to the status code the HTTP surfaces return for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Auth:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Overload:
		return http.StatusServiceUnavailable
	case Transport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
