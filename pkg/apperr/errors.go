// Package apperr defines the error kinds surfaced by the record engine.
//
// Every failure that crosses a package boundary carries a Kind so callers can
// branch with errors.Is against the package sentinels:
//
//	if errors.Is(err, apperr.ErrInvalidState) { ... }
package apperr

import (
	"errors"
	"fmt"
)

// Kind categorises an error.
type Kind string

const (
	KindPermissionDenied Kind = "permission_denied"
	KindInvalidState     Kind = "invalid_state"
	KindEmptyBundle      Kind = "empty_bundle"
	KindIntegrity        Kind = "integrity"
	KindArchival         Kind = "archival"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindUnavailable      Kind = "unavailable"
)

// Error is a structured error carrying a Kind, the failing operation and an
// optional cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the bare sentinels below work as
// errors.Is targets regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == "" && t.Err == nil
}

var (
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
	ErrEmptyBundle      = &Error{Kind: KindEmptyBundle}
	ErrIntegrity        = &Error{Kind: KindIntegrity}
	ErrArchival         = &Error{Kind: KindArchival}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
)

// New returns an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf is New with a formatted message.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func PermissionDenied(op, msg string) *Error { return New(KindPermissionDenied, op, msg) }
func InvalidState(op, msg string) *Error     { return New(KindInvalidState, op, msg) }
func NotFound(op, msg string) *Error         { return New(KindNotFound, op, msg) }
func Validation(op, msg string) *Error       { return New(KindValidation, op, msg) }

// KindOf returns the kind of the outermost *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Retryable reports whether the caller may retry err with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindArchival, KindNotFound, KindUnavailable:
		return true
	}
	return false
}
