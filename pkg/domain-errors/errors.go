// Package domainerrors carries the error taxonomy that crosses the service
// boundary. Stores speak in sentinel errors (pkg/platform/sentinel); services
// translate those facts into a Code that the HTTP layer maps to a status.
package domainerrors

import (
	"errors"
	"net/http"
)

// Code identifies a class of failure that callers are allowed to observe.
type Code string

const (
	// CodeValidation covers missing or malformed input.
	CodeValidation Code = "validation_error"
	// CodeUnauthorized covers bad credentials and invalid/expired tokens.
	// Sub-causes are deliberately not distinguished.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden is the verification gate: valid credentials, unverified email.
	CodeForbidden Code = "forbidden"
	// CodeConflict is returned for duplicate registrations.
	CodeConflict Code = "conflict"
	// CodeNotFound merges "absent" and "not owned by caller".
	CodeNotFound Code = "not_found"
	// CodeUnavailable signals a backend outage the client may retry.
	CodeUnavailable Code = "unavailable"
	// CodeConfiguration is a startup-only failure; the process must not serve.
	CodeConfiguration Code = "configuration_error"
	// CodeInternal is the catch-all; its message is never rendered.
	CodeInternal Code = "internal_error"
)

// Error is a coded domain error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code and message, which lets tests
// use errors.Is against a freshly built value.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New builds a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// As extracts the outermost *Error from err.
func As(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// HasCode reports whether the outermost domain error in err carries code.
func HasCode(err error, code Code) bool {
	de, ok := As(err)
	return ok && de.Code == code
}

// Is is an alias of HasCode kept for call sites that read better with it.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the code of err, defaulting to CodeInternal.
func CodeOf(err error) Code {
	if de, ok := As(err); ok {
		return de.Code
	}
	return CodeInternal
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
