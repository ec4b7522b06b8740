// Package domain holds typed identifiers shared across packages.
//
// IDs are distinct named UUID types so that a user ID cannot be passed where a
// refresh-token record ID is expected. Parse* functions are the trust boundary:
// they reject empty, malformed and nil UUIDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "taskbrew/pkg/domain-errors"
)

type (
	UserID         uuid.UUID
	RefreshTokenID uuid.UUID
)

func NewUserID() UserID                 { return UserID(uuid.New()) }
func NewRefreshTokenID() RefreshTokenID { return RefreshTokenID(uuid.New()) }

func (id UserID) String() string         { return uuid.UUID(id).String() }
func (id RefreshTokenID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool         { return uuid.UUID(id) == uuid.Nil }
func (id RefreshTokenID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s, "user ID")
	return UserID(u), err
}

func ParseRefreshTokenID(s string) (RefreshTokenID, error) {
	u, err := parseUUID(s, "refresh token ID")
	return RefreshTokenID(u), err
}

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, label+" required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeValidation, "invalid "+label)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeValidation, label+" cannot be nil")
	}
	return u, nil
}
