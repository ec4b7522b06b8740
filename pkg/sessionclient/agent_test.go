package sessionclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
)

// fakeAPI speaks the server's wire contract with scripted failures.
type fakeAPI struct {
	mu           sync.Mutex
	validAccess  string
	validRefresh string
	issued       int
	refreshPlan  []int
	refreshGate  chan struct{}
	alwaysReject bool
	meStatus     int
	loginStatus  int

	refreshCalls   atomic.Int32
	protectedCalls atomic.Int32
	unauthorized   atomic.Int32
	logoutCookie   atomic.Value
}

func (f *fakeAPI) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/auth/login", f.login)
	r.Post("/auth/refresh", f.refresh)
	r.Post("/auth/logout", f.logout)
	r.Get("/auth/verify", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "good token" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid or expired verification token"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	r.Get("/users/me", f.protected(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]any{"id": "u1", "email": "alice@example.com"}})
	}))
	r.Post("/echo", f.protected(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	}))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) issue(w http.ResponseWriter) string {
	f.issued++
	f.validAccess = fmt.Sprintf("access-%d", f.issued)
	f.validRefresh = fmt.Sprintf("refresh-%d", f.issued)
	http.SetCookie(w, &http.Cookie{Name: refreshTokenCookie, Value: f.validRefresh, Path: "/", HttpOnly: true})
	return f.validAccess
}

func (f *fakeAPI) login(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginStatus != 0 {
		writeJSON(w, f.loginStatus, map[string]any{"error": "nope", "message": "nope"})
		return
	}
	token := f.issue(w)
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": token, "user": map[string]any{"id": "u1", "emailVerified": true}})
}

func (f *fakeAPI) refresh(w http.ResponseWriter, r *http.Request) {
	f.refreshCalls.Add(1)
	f.mu.Lock()
	gate := f.refreshGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.refreshPlan) > 0 {
		status := f.refreshPlan[0]
		f.refreshPlan = f.refreshPlan[1:]
		writeJSON(w, status, map[string]any{"error": "scripted"})
		return
	}
	c, err := r.Cookie(refreshTokenCookie)
	if err != nil || c.Value != f.validRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "message": "invalid refresh token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accessToken": f.issue(w)})
}

func (f *fakeAPI) logout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(refreshTokenCookie); err == nil {
		f.logoutCookie.Store(c.Value)
	}
	f.mu.Lock()
	f.validRefresh = ""
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"message": "Logged out successfully"})
}

func (f *fakeAPI) protected(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.protectedCalls.Add(1)
		f.mu.Lock()
		ok := !f.alwaysReject && r.Header.Get("Authorization") == "Bearer "+f.validAccess && f.validAccess != ""
		status := f.meStatus
		f.mu.Unlock()
		if !ok {
			f.unauthorized.Add(1)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized", "message": "invalid or expired token"})
			return
		}
		if status != 0 {
			writeJSON(w, status, map[string]any{"error": "internal_error"})
			return
		}
		next(w, r)
	}
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// expireAccess invalidates the current access token without touching the
// refresh secret, as the passage of 15 minutes would.
func (f *fakeAPI) expireAccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validAccess = ""
}

type AgentSuite struct {
	suite.Suite
	api    *fakeAPI
	server *httptest.Server
	agent  *Agent
	ended  atomic.Int32
	ctx    context.Context
}

func TestAgentSuite(t *testing.T) {
	suite.Run(t, new(AgentSuite))
}

func (s *AgentSuite) SetupTest() {
	s.api = &fakeAPI{}
	s.server = httptest.NewServer(s.api.routes())
	s.ended.Store(0)
	s.ctx = context.Background()

	var err error
	s.agent, err = New(s.server.URL,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		OnSessionEnded(func() { s.ended.Add(1) }),
	)
	s.Require().NoError(err)
}

func (s *AgentSuite) TearDownTest() {
	s.server.Close()
}

func (s *AgentSuite) login() {
	_, err := s.agent.Login(s.ctx, "alice@example.com", "pw12345678")
	s.Require().NoError(err)
	s.Require().True(s.agent.Session().Active())
}

func (s *AgentSuite) TestNewRejectsRelativeURL() {
	_, err := New("/api")
	s.Error(err)
}

func (s *AgentSuite) TestAuthenticatedCallNeedsNoRefresh() {
	s.login()

	me, err := s.agent.Me(s.ctx)
	s.Require().NoError(err)
	s.Equal("alice@example.com", me.Email)
	s.Equal(int32(0), s.api.refreshCalls.Load())
}

func (s *AgentSuite) TestExpiredAccessRefreshesAndRetriesOnce() {
	s.login()
	_, genBefore := s.agent.Session().Token()
	s.api.expireAccess()

	_, err := s.agent.Me(s.ctx)
	s.Require().NoError(err)

	s.Equal(int32(1), s.api.refreshCalls.Load())
	s.Equal(int32(2), s.api.protectedCalls.Load())
	token, genAfter := s.agent.Session().Token()
	s.Equal("access-2", token)
	s.Greater(genAfter, genBefore)
	s.Equal(int32(0), s.ended.Load())
}

func (s *AgentSuite) TestConcurrentUnauthorizedCallsShareOneRefresh() {
	s.login()
	s.api.expireAccess()
	gate := make(chan struct{})
	s.api.set(func(f *fakeAPI) { f.refreshGate = gate })

	const callers = 5
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.agent.Me(s.ctx)
		}()
	}

	s.Require().Eventually(func() bool {
		return s.api.unauthorized.Load() == callers
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		s.NoError(err)
	}
	s.Equal(int32(1), s.api.refreshCalls.Load())
	s.Equal(int32(2*callers), s.api.protectedCalls.Load())
}

func (s *AgentSuite) TestRejectedRefreshEndsSessionOnce() {
	s.login()
	s.api.expireAccess()
	s.api.set(func(f *fakeAPI) { f.refreshPlan = []int{http.StatusUnauthorized} })
	gate := make(chan struct{})
	s.api.set(func(f *fakeAPI) { f.refreshGate = gate })

	const callers = 3
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.agent.Me(s.ctx)
		}()
	}
	s.Require().Eventually(func() bool {
		return s.api.unauthorized.Load() == callers
	}, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		s.ErrorIs(err, ErrSessionEnded)
	}
	s.Equal(int32(1), s.api.refreshCalls.Load())
	s.Equal(int32(1), s.ended.Load())
	s.False(s.agent.Session().Active())

	_, err := s.agent.Me(s.ctx)
	s.ErrorIs(err, ErrSessionEnded)
	s.Equal(int32(1), s.api.refreshCalls.Load(), "no refresh without a session")
}

func (s *AgentSuite) TestTransientRefreshFailuresAreRetried() {
	s.login()
	s.api.expireAccess()
	s.api.set(func(f *fakeAPI) { f.refreshPlan = []int{http.StatusServiceUnavailable, http.StatusBadGateway} })

	_, err := s.agent.Me(s.ctx)
	s.Require().NoError(err)
	s.Equal(int32(3), s.api.refreshCalls.Load())
	s.Equal(int32(0), s.ended.Load())
}

func (s *AgentSuite) TestTransientRefreshFailuresExhaust() {
	s.login()
	s.api.expireAccess()
	s.api.set(func(f *fakeAPI) { f.refreshPlan = []int{503, 503, 503, 503} })

	_, err := s.agent.Me(s.ctx)
	s.ErrorIs(err, ErrSessionEnded)
	s.Equal(int32(DefaultMaxRefreshAttempts), s.api.refreshCalls.Load())
	s.Equal(int32(1), s.ended.Load())
}

func (s *AgentSuite) TestRetryHappensAtMostOnce() {
	s.login()
	s.api.set(func(f *fakeAPI) { f.alwaysReject = true })

	_, err := s.agent.Me(s.ctx)
	s.ErrorIs(err, ErrSessionEnded)
	s.Equal(int32(2), s.api.protectedCalls.Load())
	s.Equal(int32(1), s.api.refreshCalls.Load())
}

func (s *AgentSuite) TestNonAuthFailuresPassThrough() {
	s.login()
	s.api.set(func(f *fakeAPI) { f.meStatus = http.StatusInternalServerError })

	_, err := s.agent.Me(s.ctx)
	var apiErr *APIError
	s.Require().True(errors.As(err, &apiErr))
	s.Equal(http.StatusInternalServerError, apiErr.Status)
	s.Equal(int32(0), s.api.refreshCalls.Load())
	s.True(s.agent.Session().Active())
}

func (s *AgentSuite) TestRetryReplaysRequestBody() {
	s.login()
	s.api.expireAccess()

	req, err := s.agent.NewRequest(s.ctx, http.MethodPost, "/echo", map[string]string{"title": "brew coffee"})
	s.Require().NoError(err)
	resp, err := s.agent.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.JSONEq(`{"title":"brew coffee"}`, string(body))
}

func (s *AgentSuite) TestLoginErrors() {
	s.api.set(func(f *fakeAPI) { f.loginStatus = http.StatusForbidden })
	_, err := s.agent.Login(s.ctx, "alice@example.com", "pw12345678")
	s.ErrorIs(err, ErrEmailNotVerified)

	s.api.set(func(f *fakeAPI) { f.loginStatus = http.StatusUnauthorized })
	_, err = s.agent.Login(s.ctx, "alice@example.com", "wrong")
	s.ErrorIs(err, ErrInvalidCredentials)
	s.False(s.agent.Session().Active())
}

func (s *AgentSuite) TestLogoutSendsCookieAndClearsSession() {
	s.login()

	s.Require().NoError(s.agent.Logout(s.ctx))
	s.Equal("refresh-1", s.api.logoutCookie.Load())
	s.False(s.agent.Session().Active())
	s.Equal(int32(0), s.ended.Load(), "logout is not a forced end")

	_, err := s.agent.Me(s.ctx)
	s.ErrorIs(err, ErrSessionEnded)
}

func (s *AgentSuite) TestVerifyEmail() {
	s.NoError(s.agent.VerifyEmail(s.ctx, "good token"))

	err := s.agent.VerifyEmail(s.ctx, "bad")
	var apiErr *APIError
	s.Require().True(errors.As(err, &apiErr))
	s.Equal(http.StatusBadRequest, apiErr.Status)
	s.Equal("invalid or expired verification token", apiErr.Message)
}
