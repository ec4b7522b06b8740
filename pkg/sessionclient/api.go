package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// User mirrors the server's user view.
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	EmailVerified bool       `json:"emailVerified"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	LastLoginAt   *time.Time `json:"lastLoginAt,omitempty"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// Register creates an unverified account. No session is started.
func (a *Agent) Register(ctx context.Context, email, password, name string) (*User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := a.exchange(ctx, http.MethodPost, "/auth/register", credentials{Email: email, Password: password, Name: name}, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// Login starts a session. The refresh secret lands in the cookie jar.
func (a *Agent) Login(ctx context.Context, email, password string) (*User, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
		User        User   `json:"user"`
	}
	err := a.exchange(ctx, http.MethodPost, "/auth/login", credentials{Email: email, Password: password}, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized:
			return nil, ErrInvalidCredentials
		case http.StatusForbidden:
			return nil, ErrEmailNotVerified
		}
	}
	if err != nil {
		return nil, err
	}
	a.session.start(out.AccessToken)
	return &out.User, nil
}

// Logout revokes the refresh secret on the server and clears local state.
// Local state is cleared even when the call fails.
func (a *Agent) Logout(ctx context.Context) error {
	err := a.exchange(ctx, http.MethodPost, "/auth/logout", nil, nil)
	a.session.end()
	a.forgetCookies()
	return err
}

// VerifyEmail redeems a verification token.
func (a *Agent) VerifyEmail(ctx context.Context, token string) error {
	return a.exchange(ctx, http.MethodGet, "/auth/verify?token="+url.QueryEscape(token), nil, nil)
}

// Me fetches the signed-in user through the refresh-aware path.
func (a *Agent) Me(ctx context.Context) (*User, error) {
	req, err := a.NewRequest(ctx, http.MethodGet, "/users/me", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.Do(req)
	if err != nil {
		return nil, err
	}
	var out struct {
		User User `json:"user"`
	}
	if err := decode(resp, &out); err != nil {
		return nil, err
	}
	return &out.User, nil
}

// exchange sends an unauthenticated call; these never trigger a refresh.
func (a *Agent) exchange(ctx context.Context, method, path string, in, out any) error {
	req, err := a.NewRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Code: body.Error, Message: body.Message}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
