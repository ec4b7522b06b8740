package sentinel

import "errors"

// Sentinel errors for storage facts. Stores return these (usually wrapped with
// context) and the service layer decides what an external caller may learn.
//
//   - ErrNotFound: no live record matched (also the "none" result of a refresh
//     redemption, whatever the internal reason)
//   - ErrConflict: a unique constraint rejected the write
//   - ErrExpired: the record exists but its lifetime is over
//   - ErrAlreadyUsed: a single-use value was consumed by someone else first
//   - ErrInvalidState: entity in wrong state for requested operation
//   - ErrUnavailable: the backend could not be reached; retryable
//
// Input validation failures do not belong here; use pkg/domain-errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
