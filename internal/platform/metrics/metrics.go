package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "rejected"
	OutcomeUnavailable = "unavailable"
	OutcomeForbidden   = "forbidden"
	OutcomeConflict    = "conflict"
)

// Metrics covers the session authentication paths.
type Metrics struct {
	Registrations        *prometheus.CounterVec
	Logins               *prometheus.CounterVec
	Refreshes            *prometheus.CounterVec
	Logouts              prometheus.Counter
	EmailVerifications   *prometheus.CounterVec
	EmailFallbacks       prometheus.Counter
	RefreshRotationDelay prometheus.Histogram
	RateLimited          *prometheus.CounterVec
	RateLimitDegraded    prometheus.Counter
}

// New registers every metric on reg. Tests pass a fresh prometheus.NewRegistry
// so repeated construction does not collide on the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbrew_auth_registrations_total",
			Help: "Registration attempts by outcome",
		}, []string{"outcome"}),
		Logins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbrew_auth_logins_total",
			Help: "Login attempts by outcome",
		}, []string{"outcome"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbrew_auth_refreshes_total",
			Help: "Refresh-token redemptions by outcome",
		}, []string{"outcome"}),
		Logouts: f.NewCounter(prometheus.CounterOpts{
			Name: "taskbrew_auth_logouts_total",
			Help: "Logout requests",
		}),
		EmailVerifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbrew_auth_email_verifications_total",
			Help: "Email verification attempts by outcome",
		}, []string{"outcome"}),
		EmailFallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "taskbrew_auth_email_fallbacks_total",
			Help: "Verification emails that fell back to log delivery",
		}),
		RefreshRotationDelay: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskbrew_auth_refresh_rotation_duration_seconds",
			Help:    "Duration of the refresh-token compare-and-swap",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		RateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskbrew_ratelimit_rejections_total",
			Help: "Requests rejected with 429 by endpoint class",
		}, []string{"class"}),
		RateLimitDegraded: f.NewCounter(prometheus.CounterOpts{
			Name: "taskbrew_ratelimit_degraded_checks_total",
			Help: "Rate limit checks answered by the in-memory fallback",
		}),
	}
}

func (m *Metrics) IncRegistration(outcome string) { m.Registrations.WithLabelValues(outcome).Inc() }
func (m *Metrics) IncLogin(outcome string)        { m.Logins.WithLabelValues(outcome).Inc() }
func (m *Metrics) IncRefresh(outcome string)      { m.Refreshes.WithLabelValues(outcome).Inc() }
func (m *Metrics) IncLogout()                     { m.Logouts.Inc() }
func (m *Metrics) IncEmailFallback()              { m.EmailFallbacks.Inc() }
func (m *Metrics) IncRateLimited(class string)    { m.RateLimited.WithLabelValues(class).Inc() }
func (m *Metrics) IncRateLimitDegraded()          { m.RateLimitDegraded.Inc() }

func (m *Metrics) IncEmailVerification(outcome string) {
	m.EmailVerifications.WithLabelValues(outcome).Inc()
}

// ObserveRotation records the CAS duration. Call with time.Now() at the start.
func (m *Metrics) ObserveRotation(start time.Time) {
	m.RefreshRotationDelay.Observe(time.Since(start).Seconds())
}
