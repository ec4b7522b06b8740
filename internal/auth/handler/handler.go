// Package handler exposes the session issuer over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskbrew/internal/auth/models"
	dErrors "taskbrew/pkg/domain-errors"
	"taskbrew/pkg/platform/httputil"
	authmw "taskbrew/pkg/platform/middleware/auth"
	"taskbrew/pkg/requestcontext"
)

// Service is the session issuer as the transport sees it.
type Service interface {
	Register(ctx context.Context, req *models.RegisterRequest) (*models.RegisterResult, error)
	Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*models.SessionTokens, error)
	Logout(ctx context.Context, refreshToken string) error
	VerifyEmail(ctx context.Context, token string) (*models.UserView, error)
	Me(ctx context.Context) (*models.UserView, error)
}

type Handler struct {
	auth      Service
	cookies   CookiePolicy
	clientURL string
	logger    *slog.Logger
}

func New(auth Service, cookies CookiePolicy, clientURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:      auth,
		cookies:   cookies,
		clientURL: strings.TrimRight(clientURL, "/"),
		logger:    logger,
	}
}

// Register mounts the auth routes on r. gate protects /users/me.
func (h *Handler) Register(r chi.Router, gate, limit func(http.Handler) http.Handler) {
	r.With(limit).Post("/auth/register", h.handleRegister)
	r.With(limit).Post("/auth/login", h.handleLogin)
	r.With(limit).Post("/auth/refresh", h.handleRefresh)
	r.Post("/auth/logout", h.handleLogout)
	r.With(limit).Get("/auth/verify", h.handleVerify)
	r.With(gate).Get("/users/me", h.handleMe)
}

type registerResponse struct {
	Message string          `json:"message"`
	User    models.UserView `json:"user"`
}

type loginResponse struct {
	AccessToken string          `json:"accessToken"`
	User        models.UserView `json:"user"`
}

type unverifiedResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	EmailVerified bool   `json:"emailVerified"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type meResponse struct {
	User *models.UserView `json:"user"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.RegisterRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "invalid register request")
		return
	}

	res, err := h.auth.Register(ctx, &req)
	if err != nil {
		h.writeError(w, r, err, "registration failed")
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, registerResponse{
		Message: "Registration successful! Please check your email to verify your account before logging in.",
		User:    res.User,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.LoginRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err, "invalid login request")
		return
	}

	res, err := h.auth.Login(ctx, &req)
	if err != nil {
		if de, ok := dErrors.As(err); ok && de.Code == dErrors.CodeForbidden {
			httputil.WriteJSON(w, http.StatusForbidden, unverifiedResponse{
				Error:         string(de.Code),
				Message:       de.Message,
				EmailVerified: false,
			})
			return
		}
		h.writeError(w, r, err, "login failed")
		return
	}

	h.cookies.setSession(w, &res.SessionTokens)
	httputil.WriteJSON(w, http.StatusOK, loginResponse{
		AccessToken: res.AccessToken,
		User:        res.User,
	})
}

// handleRefresh clears the refresh cookie on any failure other than an
// outage; a secret that failed once will never redeem.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tokens, err := h.auth.Refresh(ctx, refreshTokenFrom(r))
	if err != nil {
		if !dErrors.HasCode(err, dErrors.CodeUnavailable) {
			h.cookies.clear(w, RefreshTokenCookie)
		}
		h.writeError(w, r, err, "refresh failed")
		return
	}

	h.cookies.setSession(w, tokens)
	httputil.WriteJSON(w, http.StatusOK, accessTokenResponse{AccessToken: tokens.AccessToken})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.auth.Logout(ctx, refreshTokenFrom(r)); err != nil {
		h.logger.WarnContext(ctx, "logout reported an error",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}

	h.cookies.clear(w, authmw.AccessTokenCookie, RefreshTokenCookie)
	httputil.WriteJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

// handleVerify answers JSON clients with a body and browsers with a redirect
// to the client's verification page.
func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	wantsJSON := strings.Contains(r.Header.Get("Accept"), "application/json")

	_, err := h.auth.VerifyEmail(ctx, r.URL.Query().Get("token"))
	if err != nil {
		code := dErrors.CodeOf(err)
		h.logger.WarnContext(ctx, "email verification failed",
			"request_id", requestcontext.RequestID(ctx),
			"code", code,
		)
		if !wantsJSON {
			http.Redirect(w, r, h.clientURL+"/verify-email?success=false", http.StatusFound)
			return
		}
		msg := "Email verification failed. The token may be invalid or expired."
		if de, ok := dErrors.As(err); ok && code == dErrors.CodeValidation {
			msg = de.Message
		}
		httputil.WriteJSON(w, dErrors.HTTPStatus(code), verifyResponse{Success: false, Message: msg})
		return
	}

	if !wantsJSON {
		http.Redirect(w, r, h.clientURL+"/verify-email?success=true", http.StatusFound)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, verifyResponse{
		Success: true,
		Message: "Email verified successfully! You can now log in.",
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	view, err := h.auth.Me(r.Context())
	if err != nil {
		h.writeError(w, r, err, "failed to load current user")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, meResponse{User: view})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	ctx := r.Context()
	code := dErrors.CodeOf(err)
	attrs := []any{
		"request_id", requestcontext.RequestID(ctx),
		"code", code,
		"error", err,
	}
	if dErrors.HTTPStatus(code) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
	} else {
		h.logger.InfoContext(ctx, msg, attrs...)
	}
	httputil.WriteError(w, err)
}
