package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"taskbrew/internal/auth/handler"
	"taskbrew/internal/auth/password"
	"taskbrew/internal/auth/service"
	refreshtoken "taskbrew/internal/auth/store/refresh-token"
	userstore "taskbrew/internal/auth/store/user"
	"taskbrew/internal/email"
	jwttoken "taskbrew/internal/jwt_token"
	"taskbrew/internal/platform/config"
	"taskbrew/internal/platform/httpserver"
	"taskbrew/internal/platform/logger"
	"taskbrew/internal/platform/metrics"
	"taskbrew/internal/platform/postgres"
	redisplatform "taskbrew/internal/platform/redis"
	ratelimit "taskbrew/internal/ratelimit/middleware"
	"taskbrew/internal/ratelimit/store/bucket"
	"taskbrew/pkg/platform/audit"
	auditkafka "taskbrew/pkg/platform/audit/kafka"
	"taskbrew/pkg/platform/audit/publisher"
	auditmemory "taskbrew/pkg/platform/audit/store/memory"
	auditpostgres "taskbrew/pkg/platform/audit/store/postgres"
	"taskbrew/pkg/platform/circuit"
	"taskbrew/pkg/platform/middleware/cors"
)

const (
	shutdownTimeout = 10 * time.Second
	auditBuffer     = 256
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		users        service.UserStore         = userstore.New()
		refreshStore service.RefreshTokenStore = refreshtoken.NewInMemory()
		auditStore   audit.Store               = auditmemory.NewInMemoryStore()
		checks       []func(context.Context) error
	)

	if cfg.Database.URL != "" {
		db, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer db.Close()
		users = userstore.NewPostgres(db)
		refreshStore = refreshtoken.NewPostgres(db)
		auditStore = auditpostgres.New(db)
		checks = append(checks, db.PingContext)
		log.Info("using postgres stores")
	}

	rdb, err := redisplatform.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		refreshStore = refreshtoken.NewRedis(rdb.Client)
		checks = append(checks, rdb.Health)
		log.Info("using redis refresh token store")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := auditkafka.New(cfg.Kafka.Brokers, cfg.Kafka.AuditTopic)
		if err != nil {
			return err
		}
		defer sink.Close()
		auditStore = audit.Fanout{auditStore, sink}
		log.Info("publishing audit events to kafka", "topic", cfg.Kafka.AuditTopic)
	}

	auditPublisher := publisher.NewPublisher(auditStore,
		publisher.WithAsyncBuffer(auditBuffer),
		publisher.WithLogger(log),
	)
	defer auditPublisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	codec, err := jwttoken.NewTokenCodec(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL)
	if err != nil {
		return err
	}

	var mailer service.Mailer = email.NewLogMailer(cfg.Client.URL, log)
	if cfg.Email.User != "" {
		mailer = email.NewSMTPMailer(cfg.Email, cfg.Client.URL, email.WithLogger(log))
	} else {
		log.Warn("EMAIL_USER not set; verification links will only be logged")
	}

	authService, err := service.New(users, refreshStore, codec, password.NewHasher(bcrypt.DefaultCost), mailer,
		service.WithLogger(log),
		service.WithAuditPublisher(auditPublisher),
		service.WithMetrics(m),
		service.WithRefreshTTL(cfg.Auth.RefreshTTL),
	)
	if err != nil {
		return err
	}

	h := handler.New(authService, handler.CookiePolicy{
		Domain:     cfg.Cookie.Domain,
		Secure:     cfg.Cookie.Secure,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}, cfg.Client.URL, log)
	router := handler.NewRouter(h, jwttoken.NewMiddlewareAdapter(codec), handler.RouterConfig{
		CORS: cors.Config{
			AllowedOrigins:   cfg.Client.CORSOrigins,
			AllowCredentials: true,
			MaxAge:           10 * time.Minute,
		},
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health:         healthCheck(checks),
		RateLimit:      newRateLimiter(ctx, cfg.RateLimit, rdb, m, log),
		TrustedProxies: cfg.TrustedProxies,
	})

	srv := httpserver.New(cfg.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting taskbrew server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newRateLimiter returns nil when limiting is disabled. With Redis configured
// the shared window is primary and process memory takes over while the
// breaker is open.
func newRateLimiter(ctx context.Context, cfg config.RateLimitConfig, rdb *redisplatform.Client, m *metrics.Metrics, log *slog.Logger) *ratelimit.Middleware {
	if cfg.AuthRequests <= 0 {
		log.Warn("rate limiting disabled")
		return nil
	}

	local := bucket.New()
	go sweepBuckets(ctx, local, cfg.Window)

	var limiter ratelimit.Limiter = local
	if rdb != nil {
		limiter = ratelimit.NewFallbackLimiter(bucket.NewRedis(rdb.Client), local, circuit.New("redis-ratelimit"), log)
	}
	return ratelimit.New(limiter, ratelimit.Policy{Requests: cfg.AuthRequests, Window: cfg.Window}, log,
		ratelimit.WithMetrics(m),
	)
}

func sweepBuckets(ctx context.Context, store *bucket.InMemoryBucketStore, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			store.Sweep(now)
		}
	}
}

func healthCheck(checks []func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
