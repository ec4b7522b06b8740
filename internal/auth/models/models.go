package models

import (
	"time"

	id "taskbrew/pkg/domain"
)

// DefaultRole is assigned at registration; the access token carries it.
const DefaultRole = "user"

// User is the account record. The auth subsystem owns only the verification
// and last-login fields; the rest belongs to the profile layer.
type User struct {
	ID                id.UserID
	Email             string
	Name              string
	PasswordHash      string
	Role              string
	EmailVerified     bool
	VerificationToken string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	LastLoginAt       *time.Time
}

// ClientMeta describes the client that created or last rotated a refresh token.
type ClientMeta struct {
	IP         string
	UserAgent  string
	DeviceName string
}

// RefreshTokenRecord is one refresh lineage. Rotation rewrites SecretHash and
// ExpiresAt in place, so ID is stable for the life of the session. Records are
// revoked, never deleted.
type RefreshTokenRecord struct {
	ID               id.RefreshTokenID
	UserID           id.UserID
	SecretHash       string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	Revoked          bool
	RevokedAt        *time.Time
	LastRotatedAt    *time.Time
	RotationCount    int
	CreatedFromIP    string
	CreatedFromAgent string
	DeviceName       string
}

// IsLive reports whether the record may still be redeemed at now.
func (r *RefreshTokenRecord) IsLive(now time.Time) bool {
	return !r.Revoked && now.Before(r.ExpiresAt)
}

// ApplyRotation rewrites the record for a successful redemption.
func (r *RefreshTokenRecord) ApplyRotation(newSecretHash string, newExpiresAt, now time.Time, meta ClientMeta) {
	r.SecretHash = newSecretHash
	r.ExpiresAt = newExpiresAt
	r.LastRotatedAt = &now
	r.RotationCount++
	if meta.IP != "" {
		r.CreatedFromIP = meta.IP
	}
	if meta.UserAgent != "" {
		r.CreatedFromAgent = meta.UserAgent
	}
	if meta.DeviceName != "" {
		r.DeviceName = meta.DeviceName
	}
}

// MarkRevoked flips the record to its terminal state.
func (r *RefreshTokenRecord) MarkRevoked(now time.Time) {
	r.Revoked = true
	r.RevokedAt = &now
}
