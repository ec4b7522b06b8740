package handler

//go:generate mockgen -source=handler.go -destination=mocks/auth-mocks.go -package=mocks Service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"taskbrew/internal/auth/handler/mocks"
	"taskbrew/internal/auth/models"
	ratelimit "taskbrew/internal/ratelimit/middleware"
	"taskbrew/internal/ratelimit/store/bucket"
	id "taskbrew/pkg/domain"
	dErrors "taskbrew/pkg/domain-errors"
	authmw "taskbrew/pkg/platform/middleware/auth"
	"taskbrew/pkg/platform/middleware/cors"
	"taskbrew/pkg/requestcontext"
	"taskbrew/pkg/testutil"
)

type staticVerifier map[string]*authmw.Principal

func (v staticVerifier) VerifyToken(token string) (*authmw.Principal, error) {
	if p, ok := v[token]; ok {
		return p, nil
	}
	return nil, errors.New("invalid token")
}

type HandlerSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	service *mocks.MockService
	router  http.Handler
	alice   id.UserID
	now     time.Time
	healthy error
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockService(s.ctrl)
	s.alice = id.NewUserID()
	s.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.healthy = nil

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(s.service, CookiePolicy{
		Domain:     "localhost",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 7 * 24 * time.Hour,
	}, "http://localhost:3001/", logger)

	verifier := staticVerifier{"good-access": {UserID: s.alice, Role: models.DefaultRole}}
	s.router = NewRouter(h, verifier, RouterConfig{
		CORS:   cors.Config{AllowedOrigins: []string{"http://localhost:3001"}, AllowCredentials: true},
		Clock:  func() time.Time { return s.now },
		Health: func(context.Context) error { return s.healthy },
	})
}

func (s *HandlerSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *HandlerSuite) sessionTokens() models.SessionTokens {
	return models.SessionTokens{
		AccessToken:      "new-access",
		AccessExpiresAt:  s.now.Add(15 * time.Minute),
		RefreshToken:     "new-refresh",
		RefreshExpiresAt: s.now.Add(7 * 24 * time.Hour),
	}
}

func (s *HandlerSuite) TestRegister() {
	s.Run("created", func() {
		s.service.EXPECT().
			Register(gomock.Any(), &models.RegisterRequest{Email: "alice@example.com", Password: "correct-horse", Name: "Alice"}).
			Return(&models.RegisterResult{User: models.UserView{ID: s.alice.String(), Email: "alice@example.com", Name: "Alice"}}, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/auth/register",
			map[string]string{"email": "alice@example.com", "password": "correct-horse", "name": "Alice"})
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusCreated, rr.Code)
		body := testutil.UnmarshalResponse[registerResponse](s.T(), rr)
		s.Contains(body.Message, "verify your account")
		s.Equal("alice@example.com", body.User.Email)
		s.False(body.User.EmailVerified)
		s.Empty(rr.Result().Cookies(), "registration never starts a session")
	})

	s.Run("malformed body", func() {
		req := httptest.NewRequest(http.MethodPost, "/auth/register", nil)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})

	s.Run("duplicate email", func() {
		s.service.EXPECT().Register(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeConflict, "user already exists with the email"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/auth/register",
			map[string]string{"email": "alice@example.com", "password": "correct-horse", "name": "Alice"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})
}

func (s *HandlerSuite) TestLogin() {
	s.Run("sets both session cookies", func() {
		s.service.EXPECT().Login(gomock.Any(), gomock.Any()).
			Return(&models.LoginResult{SessionTokens: s.sessionTokens(), User: models.UserView{ID: s.alice.String(), EmailVerified: true}}, nil)

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/auth/login",
			map[string]string{"email": "alice@example.com", "password": "correct-horse"})
		rr := testutil.DoRequest(s.router, req)

		s.Require().Equal(http.StatusOK, rr.Code)
		body := testutil.UnmarshalResponse[loginResponse](s.T(), rr)
		s.Equal("new-access", body.AccessToken)
		s.True(body.User.EmailVerified)

		access := testutil.Cookie(rr, authmw.AccessTokenCookie)
		s.Require().NotNil(access)
		s.Equal("new-access", access.Value)
		s.Equal(15*60, access.MaxAge)
		s.True(access.HttpOnly)
		s.Equal(http.SameSiteLaxMode, access.SameSite)
		s.Equal("/", access.Path)

		refresh := testutil.Cookie(rr, RefreshTokenCookie)
		s.Require().NotNil(refresh)
		s.Equal("new-refresh", refresh.Value)
		s.Equal(7*24*60*60, refresh.MaxAge)
		s.True(refresh.HttpOnly)
	})

	s.Run("unverified email gets flagged 403", func() {
		s.service.EXPECT().Login(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeForbidden, "please verify your email address before logging in"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/auth/login",
			map[string]string{"email": "alice@example.com", "password": "correct-horse"})
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusForbidden, rr.Code)
		body := testutil.UnmarshalResponse[map[string]any](s.T(), rr)
		s.Equal("forbidden", (*body)["error"])
		s.Equal(false, (*body)["emailVerified"])
		s.Nil(testutil.Cookie(rr, authmw.AccessTokenCookie))
	})

	s.Run("bad credentials", func() {
		s.service.EXPECT().Login(gomock.Any(), gomock.Any()).
			Return(nil, dErrors.New(dErrors.CodeUnauthorized, "invalid email or password"))

		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/auth/login",
			map[string]string{"email": "alice@example.com", "password": "nope"})
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})
}

func (s *HandlerSuite) TestRefresh() {
	s.Run("rotates from cookie", func() {
		tokens := s.sessionTokens()
		s.service.EXPECT().Refresh(gomock.Any(), "old-refresh").Return(&tokens, nil)

		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "old-refresh"})
		rr := testutil.DoRequest(s.router, req)

		s.Require().Equal(http.StatusOK, rr.Code)
		body := testutil.UnmarshalResponse[accessTokenResponse](s.T(), rr)
		s.Equal("new-access", body.AccessToken)
		s.Equal("new-refresh", testutil.Cookie(rr, RefreshTokenCookie).Value)
		s.Equal("new-access", testutil.Cookie(rr, authmw.AccessTokenCookie).Value)
	})

	s.Run("missing cookie", func() {
		s.service.EXPECT().Refresh(gomock.Any(), "").
			Return(nil, dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token"))

		rr := testutil.DoRequest(s.router, httptest.NewRequest(http.MethodPost, "/auth/refresh", nil))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("rejection clears the refresh cookie", func() {
		s.service.EXPECT().Refresh(gomock.Any(), "spent").
			Return(nil, dErrors.New(dErrors.CodeUnauthorized, "invalid refresh token"))

		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "spent"})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
		cleared := testutil.Cookie(rr, RefreshTokenCookie)
		s.Require().NotNil(cleared)
		s.Empty(cleared.Value)
		s.Negative(cleared.MaxAge)
	})

	s.Run("outage keeps the cookie", func() {
		s.service.EXPECT().Refresh(gomock.Any(), "live").
			Return(nil, dErrors.New(dErrors.CodeUnavailable, "service temporarily unavailable"))

		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "live"})
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusServiceUnavailable, "unavailable")
		s.Nil(testutil.Cookie(rr, RefreshTokenCookie))
	})
}

func (s *HandlerSuite) TestLogout() {
	s.Run("with cookie", func() {
		s.service.EXPECT().Logout(gomock.Any(), "live").Return(nil)

		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.AddCookie(&http.Cookie{Name: RefreshTokenCookie, Value: "live"})
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusOK, rr.Code)
		body := testutil.UnmarshalResponse[messageResponse](s.T(), rr)
		s.Equal("Logged out successfully", body.Message)
		for _, name := range []string{authmw.AccessTokenCookie, RefreshTokenCookie} {
			c := testutil.Cookie(rr, name)
			s.Require().NotNil(c, name)
			s.Negative(c.MaxAge, name)
		}
	})

	s.Run("errors still succeed", func() {
		s.service.EXPECT().Logout(gomock.Any(), "").Return(errors.New("boom"))

		rr := testutil.DoRequest(s.router, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
		s.Equal(http.StatusOK, rr.Code)
	})
}

func (s *HandlerSuite) TestVerify() {
	s.Run("json success", func() {
		s.service.EXPECT().VerifyEmail(gomock.Any(), "tok").Return(&models.UserView{EmailVerified: true}, nil)

		req := httptest.NewRequest(http.MethodGet, "/auth/verify?token=tok", nil)
		req.Header.Set("Accept", "application/json")
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusOK, rr.Code)
		body := testutil.UnmarshalResponse[verifyResponse](s.T(), rr)
		s.True(body.Success)
		s.Equal("Email verified successfully! You can now log in.", body.Message)
	})

	s.Run("json failure", func() {
		s.service.EXPECT().VerifyEmail(gomock.Any(), "bad").
			Return(nil, dErrors.New(dErrors.CodeValidation, "invalid or expired verification token"))

		req := httptest.NewRequest(http.MethodGet, "/auth/verify?token=bad", nil)
		req.Header.Set("Accept", "application/json")
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusBadRequest, rr.Code)
		body := testutil.UnmarshalResponse[verifyResponse](s.T(), rr)
		s.False(body.Success)
		s.Equal("invalid or expired verification token", body.Message)
	})

	s.Run("browser success redirects", func() {
		s.service.EXPECT().VerifyEmail(gomock.Any(), "tok").Return(&models.UserView{EmailVerified: true}, nil)

		rr := testutil.DoRequest(s.router, httptest.NewRequest(http.MethodGet, "/auth/verify?token=tok", nil))
		s.Equal(http.StatusFound, rr.Code)
		s.Equal("http://localhost:3001/verify-email?success=true", rr.Header().Get("Location"))
	})

	s.Run("browser failure redirects", func() {
		s.service.EXPECT().VerifyEmail(gomock.Any(), "").
			Return(nil, dErrors.New(dErrors.CodeValidation, "verification token is required"))

		rr := testutil.DoRequest(s.router, httptest.NewRequest(http.MethodGet, "/auth/verify", nil))
		s.Equal(http.StatusFound, rr.Code)
		s.Equal("http://localhost:3001/verify-email?success=false", rr.Header().Get("Location"))
	})
}

func (s *HandlerSuite) TestMe() {
	s.Run("requires a token", func() {
		rr := testutil.DoRequest(s.router, httptest.NewRequest(http.MethodGet, "/users/me", nil))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("bearer token under /api", func() {
		s.service.EXPECT().Me(gomock.Any()).DoAndReturn(func(ctx context.Context) (*models.UserView, error) {
			s.Equal(s.alice, requestcontext.UserID(ctx))
			s.Equal(s.now, requestcontext.Now(ctx))
			return &models.UserView{ID: s.alice.String(), Email: "alice@example.com"}, nil
		})

		req := httptest.NewRequest(http.MethodGet, "/api/users/me", nil)
		req.Header.Set("Authorization", "Bearer good-access")
		rr := testutil.DoRequest(s.router, req)

		s.Require().Equal(http.StatusOK, rr.Code)
		body := testutil.UnmarshalResponse[meResponse](s.T(), rr)
		s.Equal(s.alice.String(), body.User.ID)
	})

	s.Run("cookie token", func() {
		s.service.EXPECT().Me(gomock.Any()).Return(&models.UserView{ID: s.alice.String()}, nil)

		req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		req.AddCookie(&http.Cookie{Name: authmw.AccessTokenCookie, Value: "good-access"})
		rr := testutil.DoRequest(s.router, req)
		s.Equal(http.StatusOK, rr.Code)
	})

	s.Run("internal errors hide their message", func() {
		s.service.EXPECT().Me(gomock.Any()).Return(nil, errors.New("db exploded"))

		req := httptest.NewRequest(http.MethodGet, "/users/me", nil)
		req.Header.Set("Authorization", "Bearer good-access")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusAndError(s.T(), rr, http.StatusInternalServerError, "internal_error")
		s.NotContains(rr.Body.String(), "db exploded")
	})
}

func (s *HandlerSuite) TestHealth() {
	rr := testutil.DoRequest(s.router, httptest.NewRequest(http.MethodGet, "/health", nil))
	s.Equal(http.StatusOK, rr.Code)

	s.healthy = errors.New("redis down")
	rr = testutil.DoRequest(s.router, httptest.NewRequest(http.MethodGet, "/health", nil))
	s.Equal(http.StatusServiceUnavailable, rr.Code)
}

func (s *HandlerSuite) TestCORS() {
	s.Run("allowed origin preflight", func() {
		req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
		req.Header.Set("Origin", "http://localhost:3001")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := testutil.DoRequest(s.router, req)

		s.Equal(http.StatusNoContent, rr.Code)
		s.Equal("http://localhost:3001", rr.Header().Get("Access-Control-Allow-Origin"))
		s.Equal("true", rr.Header().Get("Access-Control-Allow-Credentials"))
	})

	s.Run("foreign origin", func() {
		req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		req.Header.Set("Origin", "https://evil.example")
		rr := testutil.DoRequest(s.router, req)
		s.Equal(http.StatusForbidden, rr.Code)
	})
}

func (s *HandlerSuite) TestRateLimitedCredentialEndpoints() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := ratelimit.New(bucket.New(), ratelimit.Policy{Requests: 1, Window: time.Minute}, logger)
	router := NewRouter(New(s.service, CookiePolicy{AccessTTL: time.Minute, RefreshTTL: time.Hour}, "http://localhost:3001", logger),
		staticVerifier{}, RouterConfig{Clock: func() time.Time { return s.now }, RateLimit: limiter})

	login := func() *httptest.ResponseRecorder {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/auth/login",
			map[string]string{"email": "alice@example.com", "password": "wrong"})
		req.RemoteAddr = "192.0.2.7:4000"
		return testutil.DoRequest(router, req)
	}

	s.service.EXPECT().Login(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeUnauthorized, "Invalid email or password")).Times(1)
	s.Equal(http.StatusUnauthorized, login().Code)

	rr := login()
	testutil.AssertStatusAndError(s.T(), rr, http.StatusTooManyRequests, "rate_limit_exceeded")
	s.Equal("60", rr.Header().Get("Retry-After"))

	s.service.EXPECT().Logout(gomock.Any(), "").Return(nil)
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	s.Equal(http.StatusOK, testutil.DoRequest(router, req).Code, "logout is not limited")
}

func (s *HandlerSuite) TestRateLimitKeyIgnoresForwardedHeadersFromUntrustedPeers() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	newRouter := func(trusted []netip.Prefix) http.Handler {
		limiter := ratelimit.New(bucket.New(), ratelimit.Policy{Requests: 1, Window: time.Minute}, logger)
		return NewRouter(New(s.service, CookiePolicy{AccessTTL: time.Minute, RefreshTTL: time.Hour}, "http://localhost:3001", logger),
			staticVerifier{}, RouterConfig{Clock: func() time.Time { return s.now }, RateLimit: limiter, TrustedProxies: trusted})
	}
	login := func(router http.Handler, remote, forwarded string) *httptest.ResponseRecorder {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/auth/login",
			map[string]string{"email": "alice@example.com", "password": "wrong"})
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", forwarded)
		return testutil.DoRequest(router, req)
	}
	s.service.EXPECT().Login(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeUnauthorized, "Invalid email or password")).AnyTimes()

	s.Run("spoofed header from direct client", func() {
		router := newRouter(nil)
		s.Equal(http.StatusUnauthorized, login(router, "192.0.2.7:4000", "198.51.100.1").Code)
		s.Equal(http.StatusTooManyRequests, login(router, "192.0.2.7:4000", "198.51.100.2").Code,
			"a fresh X-Forwarded-For must not reset the budget")
	})

	s.Run("distinct clients behind trusted proxy", func() {
		router := newRouter([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")})
		s.Equal(http.StatusUnauthorized, login(router, "10.0.0.5:4000", "198.51.100.1").Code)
		s.Equal(http.StatusUnauthorized, login(router, "10.0.0.5:4000", "198.51.100.2").Code)
		s.Equal(http.StatusTooManyRequests, login(router, "10.0.0.5:4000", "198.51.100.1").Code)
	})
}
