package jwttoken

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	id "taskbrew/pkg/domain"
	dErrors "taskbrew/pkg/domain-errors"
)

// DefaultAccessTTL is the access-token lifetime when none is configured.
const DefaultAccessTTL = 15 * time.Minute

// ErrInvalidToken is the only failure Verify reports. Malformed, tampered and
// expired tokens are indistinguishable to the caller.
var ErrInvalidToken = dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token")

// Claims is the access-token claim set: {userId, role, iat, exp}.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Subject returns the typed user ID carried by the token.
func (c *Claims) Subject() id.UserID {
	uid, _ := id.ParseUserID(c.UserID)
	return uid
}

// TokenCodec signs and verifies HS256 access tokens. It holds no state beyond
// the secret, so it is safe for concurrent use.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*TokenCodec)

// WithClock replaces time.Now for both signing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *TokenCodec) {
		c.now = now
	}
}

// NewTokenCodec fails with a configuration error when secret is empty; the
// server must not start without one.
func NewTokenCodec(secret string, ttl time.Duration, opts ...Option) (*TokenCodec, error) {
	if secret == "" {
		return nil, dErrors.New(dErrors.CodeConfiguration, "JWT secret is not configured")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTTL
	}
	c := &TokenCodec{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL is the lifetime given to every signed token.
func (c *TokenCodec) TTL() time.Duration {
	return c.ttl
}

func (c *TokenCodec) Sign(userID id.UserID, role string) (string, time.Time, error) {
	now := c.now()
	expiresAt := now.Add(c.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID.String(),
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign access token")
	}
	return signed, expiresAt, nil
}

func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if _, err := id.ParseUserID(claims.UserID); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
