// Package requesttime pins a single "now" per HTTP request so that token
// expiry checks and audit timestamps within one request agree.
package requesttime

import (
	"net/http"
	"time"

	"taskbrew/pkg/requestcontext"
)

// WithClock stamps now() at request start. Tests inject a fake clock to move
// time past token expiry.
func WithClock(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
