package middleware

import (
	"context"
	"log/slog"
	"time"

	"taskbrew/internal/ratelimit/models"
	"taskbrew/pkg/platform/circuit"
)

// FallbackLimiter asks the primary store first and switches to the fallback
// once the breaker opens. The primary is still consulted while open so the
// breaker can observe recovery. Failures below the threshold are returned to
// the caller.
type FallbackLimiter struct {
	primary  Limiter
	fallback Limiter
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

func NewFallbackLimiter(primary, fallback Limiter, breaker *circuit.Breaker, logger *slog.Logger) *FallbackLimiter {
	return &FallbackLimiter{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker,
		logger:   logger,
	}
}

func (f *FallbackLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	res, err := f.primary.Allow(ctx, key, limit, window)
	if err != nil {
		useFallback, change := f.breaker.RecordFailure()
		if change.Opened {
			f.logger.WarnContext(ctx, "rate limit store unavailable, using in-memory fallback",
				"breaker", f.breaker.Name(),
				"error", err,
			)
		}
		if !useFallback {
			return nil, err
		}
		return f.degraded(ctx, key, limit, window)
	}

	usePrimary, change := f.breaker.RecordSuccess()
	if change.Closed {
		f.logger.InfoContext(ctx, "rate limit store recovered", "breaker", f.breaker.Name())
	}
	if !usePrimary {
		return f.degraded(ctx, key, limit, window)
	}
	return res, nil
}

func (f *FallbackLimiter) degraded(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	res, err := f.fallback.Allow(ctx, key, limit, window)
	if err != nil {
		return nil, err
	}
	res.Degraded = true
	return res, nil
}
