package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation and HTTP mapping
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindValidation   Kind = "validation"
	KindDecryption   Kind = "decryption"
	KindUnauthorized Kind = "unauthorized"
	KindTransient    Kind = "transient"
	KindFatal        Kind = "fatal"
)

// Error is a tagged error carrying a kind and a user-visible message
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound is a convenience constructor for absent entities/files/keys
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s not found", what)}
}

// Conflict is a convenience constructor for uniqueness violations
func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// Validation is a convenience constructor for malformed input
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

// KindOf extracts the kind from an error chain.
// Untagged errors are treated as fatal: a wrong classification here
// would hide a correctness bug.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindFatal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to an HTTP status code
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindDecryption, KindFatal:
		return http.StatusInternalServerError
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Body is the wire shape returned to HTTP callers
type Body struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// ToBody converts an error into its user-visible form
func ToBody(err error) Body {
	var appErr *Error
	if errors.As(err, &appErr) {
		return Body{Kind: appErr.Kind, Message: appErr.Message}
	}
	return Body{Kind: KindFatal, Message: "internal error"}
}
