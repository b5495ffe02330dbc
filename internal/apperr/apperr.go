// Package apperr defines the error taxonomy shared by every attachvault
// component and its mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a stable, machine-checkable error category.
type Kind string

const (
	Internal            Kind = "internal"
	UnsupportedType     Kind = "unsupported_type"
	TooLarge            Kind = "too_large"
	NotFound            Kind = "not_found"
	FileMissing         Kind = "file_missing"
	InvalidOffset       Kind = "invalid_offset"
	Overflow            Kind = "overflow"
	Incomplete          Kind = "incomplete"
	RangeNotSatisfiable Kind = "range_not_satisfiable"
	InvalidParameter    Kind = "invalid_parameter"
	Unauthorized        Kind = "unauthorized"
)

// Error carries a Kind plus a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind alone: errors.Is(err, apperr.New(apperr.NotFound, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// New builds an Error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around a cause.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind of err, Internal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code clients see.
func HTTPStatus(kind Kind) int {
	switch kind {
	case UnsupportedType, InvalidParameter, InvalidOffset, Overflow, Incomplete:
		return http.StatusBadRequest
	case TooLarge:
		return http.StatusRequestEntityTooLarge
	case NotFound, FileMissing:
		return http.StatusNotFound
	case RangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// PublicKind is the kind reported to clients. File drift is an operator
// concern and looks like a plain miss from outside.
func PublicKind(kind Kind) Kind {
	if kind == FileMissing {
		return NotFound
	}
	return kind
}

// PublicMessage returns the message safe to show clients.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		if e.Kind == FileMissing {
			return "attachment not found"
		}
		return e.Message
	}
	return "internal error"
}
