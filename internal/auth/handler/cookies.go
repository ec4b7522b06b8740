package handler

import (
	"net/http"
	"time"

	"taskbrew/internal/auth/models"
	authmw "taskbrew/pkg/platform/middleware/auth"
)

// RefreshTokenCookie carries the raw refresh secret.
const RefreshTokenCookie = "refreshToken"

// CookiePolicy holds the attributes shared by both session cookies. Both are
// httpOnly and SameSite=Lax; Secure is off only for plain-HTTP development.
type CookiePolicy struct {
	Domain     string
	Secure     bool
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (p CookiePolicy) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   p.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (p CookiePolicy) setSession(w http.ResponseWriter, tokens *models.SessionTokens) {
	http.SetCookie(w, p.cookie(authmw.AccessTokenCookie, tokens.AccessToken, int(p.AccessTTL.Seconds())))
	http.SetCookie(w, p.cookie(RefreshTokenCookie, tokens.RefreshToken, int(p.RefreshTTL.Seconds())))
}

func (p CookiePolicy) clear(w http.ResponseWriter, names ...string) {
	for _, name := range names {
		http.SetCookie(w, p.cookie(name, "", -1))
	}
}

func refreshTokenFrom(r *http.Request) string {
	c, err := r.Cookie(RefreshTokenCookie)
	if err != nil {
		return ""
	}
	return c.Value
}
