// Package auth is the per-request access-token gate.
//
// The gate is stateless: it verifies the token signature and expiry and never
// consults refresh-token storage. A token issued before a logout stays valid
// until its own expiry.
package auth

import (
	"log/slog"
	"net/http"
	"strings"

	id "taskbrew/pkg/domain"
	"taskbrew/pkg/platform/httputil"
	"taskbrew/pkg/requestcontext"
)

// AccessTokenCookie carries the access token for browser clients.
const AccessTokenCookie = "accessToken"

// Principal is what a verified access token proves.
type Principal struct {
	UserID id.UserID
	Role   string
}

// TokenVerifier validates an access token.
type TokenVerifier interface {
	VerifyToken(token string) (*Principal, error)
}

// TokenFromRequest prefers the Authorization header over the cookie.
func TokenFromRequest(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{
		Error:   "unauthorized",
		Message: "invalid or expired token",
	})
}

// RequireAuth rejects requests without a valid access token. Missing, malformed
// and expired tokens all get the same 401 body.
func RequireAuth(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := TokenFromRequest(r)
			if token == "" {
				logger.DebugContext(ctx, "unauthorized access - missing token",
					"request_id", requestcontext.RequestID(ctx),
				)
				writeUnauthorized(w)
				return
			}

			principal, err := verifier.VerifyToken(token)
			if err != nil {
				logger.DebugContext(ctx, "unauthorized access - invalid token",
					"request_id", requestcontext.RequestID(ctx),
				)
				writeUnauthorized(w)
				return
			}

			ctx = requestcontext.WithUserID(ctx, principal.UserID)
			ctx = requestcontext.WithRole(ctx, principal.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
