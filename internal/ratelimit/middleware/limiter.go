package middleware

import (
	"context"
	"time"

	"taskbrew/internal/ratelimit/models"
)

// Limiter is a sliding-window counter store.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
}

// Policy is the budget applied to one endpoint class.
type Policy struct {
	Requests int
	Window   time.Duration
}
