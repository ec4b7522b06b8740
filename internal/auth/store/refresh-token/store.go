// Package refreshtoken persists refresh-token lineages.
//
// Error contract shared by every implementation:
//   - RedeemAndRotate returns an error wrapping sentinel.ErrNotFound for every
//     logical failure (unknown hash, revoked, expired, lost race). Expired
//     records additionally wrap sentinel.ErrExpired so callers can log the
//     reason, but must not surface it.
//   - Backend outages wrap sentinel.ErrUnavailable.
//   - Issue returns sentinel.ErrConflict if the secret hash is already indexed.
//
// Redemption is a single compare-and-swap keyed on the current secret hash.
// None of the implementations read and then write under an external lock.
package refreshtoken

import (
	"fmt"

	"taskbrew/pkg/platform/sentinel"
)

var (
	errUnknown = fmt.Errorf("refresh token not found: %w", sentinel.ErrNotFound)
	errRevoked = fmt.Errorf("refresh token revoked (%w): %w", sentinel.ErrAlreadyUsed, sentinel.ErrNotFound)
	errExpired = fmt.Errorf("refresh token expired (%w): %w", sentinel.ErrExpired, sentinel.ErrNotFound)
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%s (%w): %w", op, sentinel.ErrUnavailable, err)
}
