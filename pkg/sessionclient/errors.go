package sessionclient

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionEnded means the refresh protocol failed and the user has to
	// log in again. Callers see this or success, nothing in between.
	ErrSessionEnded = errors.New("session ended")

	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailNotVerified   = errors.New("email address not verified")
)

// APIError is a non-2xx response that none of the sentinels above describe.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}
