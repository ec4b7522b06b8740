package handler

import (
	"context"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	ratelimit "taskbrew/internal/ratelimit/middleware"
	rlmodels "taskbrew/internal/ratelimit/models"
	"taskbrew/pkg/platform/httputil"
	authmw "taskbrew/pkg/platform/middleware/auth"
	"taskbrew/pkg/platform/middleware/cors"
	"taskbrew/pkg/platform/middleware/metadata"
	"taskbrew/pkg/platform/middleware/requestlog"
	"taskbrew/pkg/platform/middleware/requesttime"
)

// RouterConfig carries the pieces of the HTTP stack that differ between the
// server and tests.
type RouterConfig struct {
	CORS cors.Config
	// Clock stamps each request; nil means time.Now.
	Clock func() time.Time
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// Health is checked by /health when set.
	Health func(ctx context.Context) error
	// RateLimit guards the credential endpoints when set.
	RateLimit *ratelimit.Middleware
	// TrustedProxies may set the client IP through forwarding headers.
	TrustedProxies []netip.Prefix
}

// NewRouter builds the full middleware chain and mounts the auth routes both
// at the root and under /api.
func NewRouter(h *Handler, verifier authmw.TokenVerifier, cfg RouterConfig) http.Handler {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(metadata.ClientMetadata(cfg.TrustedProxies))
	r.Use(requestlog.Logger(h.logger))
	r.Use(cors.Middleware(cfg.CORS, h.logger))
	r.Use(requesttime.WithClock(clock))

	r.Get("/health", healthHandler(cfg.Health))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	gate := authmw.RequireAuth(verifier, h.logger)
	limit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimit != nil {
		limit = cfg.RateLimit.RateLimit(rlmodels.ClassAuth)
	}
	r.Group(func(r chi.Router) {
		h.Register(r, gate, limit)
	})
	r.Route("/api", func(r chi.Router) {
		h.Register(r, gate, limit)
	})
	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
