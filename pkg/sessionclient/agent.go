// Package sessionclient is the client half of the session protocol.
//
// An Agent attaches the current access token to every call. When the server
// answers 401 it runs one refresh, shared by every call that failed with the
// same stale token, and retries the original call exactly once. A refresh the
// server rejects ends the session: local state is cleared, the OnSessionEnded
// callback fires once and every waiting call gets ErrSessionEnded.
//
//	agent, _ := sessionclient.New("http://localhost:3000/api",
//		sessionclient.OnSessionEnded(func() { showLogin() }))
//	_, err := agent.Login(ctx, "alice@example.com", password)
//	me, err := agent.Me(ctx)
package sessionclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxRefreshAttempts = 3

	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
	refreshPath        = "/auth/refresh"
)

var errRefreshRejected = errors.New("refresh rejected")

type Agent struct {
	baseURL            *url.URL
	client             *http.Client
	session            Session
	flight             singleflight.Group
	newBackOff         func() backoff.BackOff
	maxRefreshAttempts int
	onEnded            func()
	logger             *slog.Logger
}

type Option func(*Agent)

// WithHTTPClient uses a copy of c. A cookie jar is added when c has none.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Agent) {
		cp := *c
		if cp.Jar == nil {
			cp.Jar = a.client.Jar
		}
		a.client = &cp
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// WithBackOff replaces the wait policy between transient refresh failures.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(a *Agent) {
		a.newBackOff = factory
	}
}

func WithMaxRefreshAttempts(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxRefreshAttempts = n
		}
	}
}

// OnSessionEnded registers fn to run once each time a live session ends
// because refresh failed. Logout does not trigger it.
func OnSessionEnded(fn func()) Option {
	return func(a *Agent) {
		a.onEnded = fn
	}
}

// New builds an agent for the API rooted at baseURL, e.g.
// "http://localhost:3000/api".
func New(baseURL string, opts ...Option) (*Agent, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	a := &Agent{
		baseURL:            u,
		client:             &http.Client{Jar: jar, Timeout: 30 * time.Second},
		newBackOff:         defaultBackOff,
		maxRefreshAttempts: DefaultMaxRefreshAttempts,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}

// Session exposes the agent's session state.
func (a *Agent) Session() *Session {
	return &a.session
}

// NewRequest builds a JSON request for path under the base URL. A nil body
// sends no body.
func (a *Agent) NewRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL.String()+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// Do sends req with the current access token. On a 401 it refreshes and
// retries once. It returns ErrSessionEnded when there is no session, when the
// refresh fails, or when the retried call is rejected again.
func (a *Agent) Do(req *http.Request) (*http.Response, error) {
	if err := bufferBody(req); err != nil {
		return nil, err
	}

	token, _ := a.session.Token()
	resp, err := a.send(req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	drain(resp)
	if token == "" {
		return nil, ErrSessionEnded
	}

	fresh, err := a.refresh(req.Context(), token)
	if err != nil {
		return nil, err
	}

	retry, err := a.send(req, fresh)
	if err != nil {
		return nil, err
	}
	if retry.StatusCode == http.StatusUnauthorized {
		drain(retry)
		a.endSession(req.Context(), "retried call rejected")
		return nil, ErrSessionEnded
	}
	return retry, nil
}

func (a *Agent) send(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("replay request body: %w", err)
		}
		clone.Body = body
	}
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return a.client.Do(clone)
}

// refresh coalesces concurrent refreshes on the stale token. A caller that
// arrives after the flight has landed finds the session already rotated and
// reuses the new token without another network call.
func (a *Agent) refresh(ctx context.Context, stale string) (string, error) {
	ch := a.flight.DoChan(stale, func() (any, error) {
		current, _ := a.session.Token()
		if current != stale {
			if current == "" {
				return "", ErrSessionEnded
			}
			return current, nil
		}

		token, err := a.redeem(context.WithoutCancel(ctx))
		if err != nil {
			a.endSession(ctx, err.Error())
			return "", ErrSessionEnded
		}
		if !a.session.rotate(token) {
			return "", ErrSessionEnded
		}
		return token, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// redeem posts the refresh cookie, retrying transport failures and 5xx with
// backoff. A 4xx answer is final.
func (a *Agent) redeem(ctx context.Context) (string, error) {
	var (
		token   string
		attempt int
	)
	op := func() error {
		attempt++
		t, err := a.postRefresh(ctx)
		if err != nil {
			if errors.Is(err, errRefreshRejected) {
				return backoff.Permanent(err)
			}
			a.logger.WarnContext(ctx, "refresh attempt failed",
				"attempt", attempt,
				"error", err,
			)
			return err
		}
		token = t
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(a.newBackOff(), uint64(a.maxRefreshAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return "", err
	}
	return token, nil
}

func (a *Agent) postRefresh(ctx context.Context) (string, error) {
	req, err := a.NewRequest(ctx, http.MethodPost, refreshPath, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			AccessToken string `json:"accessToken"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.AccessToken == "" {
			return "", fmt.Errorf("%w: malformed response", errRefreshRejected)
		}
		return body.AccessToken, nil
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("refresh: server returned %d", resp.StatusCode)
	default:
		return "", fmt.Errorf("%w: status %d", errRefreshRejected, resp.StatusCode)
	}
}

func (a *Agent) endSession(ctx context.Context, reason string) {
	if !a.session.end() {
		return
	}
	a.forgetCookies()
	a.logger.InfoContext(ctx, "session ended", "reason", reason)
	if a.onEnded != nil {
		a.onEnded()
	}
}

func (a *Agent) forgetCookies() {
	if a.client.Jar == nil {
		return
	}
	a.client.Jar.SetCookies(a.baseURL, []*http.Cookie{
		{Name: accessTokenCookie, Path: "/", MaxAge: -1},
		{Name: refreshTokenCookie, Path: "/", MaxAge: -1},
	})
}

// bufferBody makes the body replayable for the retry.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffer request body: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
