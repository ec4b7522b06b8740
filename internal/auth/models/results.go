package models

import "time"

// Delivery outcome of the verification email.
const (
	DeliveryAccepted = "accepted"
	DeliveryFallback = "fallback"
)

// UserView is the public projection of a User.
type UserView struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	EmailVerified bool       `json:"emailVerified"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
}

func NewUserView(u *User) UserView {
	v := UserView{
		ID:            u.ID.String(),
		Email:         u.Email,
		Name:          u.Name,
		EmailVerified: u.EmailVerified,
		LastLoginAt:   u.LastLoginAt,
	}
	if !u.CreatedAt.IsZero() {
		created := u.CreatedAt
		v.CreatedAt = &created
	}
	return v
}

type RegisterResult struct {
	User     UserView
	Delivery string
}

// SessionTokens is what login and refresh hand back to the transport layer.
// RefreshToken is the raw secret; it exists only in this value and the cookie.
type SessionTokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

type LoginResult struct {
	SessionTokens
	User UserView
}
