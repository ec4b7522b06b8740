package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	dErrors "taskbrew/pkg/domain-errors"
	"taskbrew/pkg/platform/middleware/metadata"
	platformstrings "taskbrew/pkg/platform/strings"
)

const (
	DefaultAddr            = ":3000"
	DefaultAccessTTL       = 15 * time.Minute
	DefaultRefreshTTLDays  = 7
	DefaultClientURL       = "http://localhost:3001"
	DefaultKafkaAuditTopic = "taskbrew.audit"
	DefaultEmailHost       = "smtp.gmail.com"
	DefaultEmailPort       = 587
	DefaultAuthRateLimit   = 30
)

// Config is the full process configuration.
type Config struct {
	Addr string

	// TrustedProxies may set the client IP through X-Forwarded-For and
	// X-Real-IP. Empty means those headers are ignored.
	TrustedProxies []netip.Prefix

	Auth      AuthConfig
	Cookie    CookieConfig
	Client    ClientConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Email     EmailConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type AuthConfig struct {
	JWTSecret  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

type CookieConfig struct {
	Domain string
	Secure bool
}

// ClientConfig points at the browser application.
type ClientConfig struct {
	URL         string
	CORSOrigins []string
}

// DatabaseConfig selects Postgres-backed stores when URL is set.
type DatabaseConfig struct {
	URL string
}

// RedisConfig moves refresh tokens to Redis when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers    []string
	AuditTopic string
}

type EmailConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// RateLimitConfig bounds credential endpoints per client IP. AuthRequests of
// zero disables limiting.
type RateLimitConfig struct {
	AuthRequests int
	Window       time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// FromEnv builds a Config from environment variables so main stays lean.
// A missing JWT_SECRET is a configuration error; the server must not start.
func FromEnv() (*Config, error) {
	return fromLookup(os.Getenv)
}

func fromLookup(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	secret := getenv("JWT_SECRET")
	if secret == "" {
		return nil, dErrors.New(dErrors.CodeConfiguration, "JWT_SECRET must be set")
	}

	accessTTL, err := parseDuration(get("JWT_ACCESS_EXP", ""), DefaultAccessTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid JWT_ACCESS_EXP")
	}

	refreshDays, err := strconv.Atoi(get("REFRESH_TOKEN_EXP_DAYS", strconv.Itoa(DefaultRefreshTTLDays)))
	if err != nil || refreshDays <= 0 {
		return nil, dErrors.New(dErrors.CodeConfiguration, "REFRESH_TOKEN_EXP_DAYS must be a positive integer")
	}

	secure, err := strconv.ParseBool(get("COOKIE_SECURE", "true"))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid COOKIE_SECURE")
	}

	emailPort, err := strconv.Atoi(get("EMAIL_PORT", strconv.Itoa(DefaultEmailPort)))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid EMAIL_PORT")
	}

	authLimit, err := strconv.Atoi(get("RATE_LIMIT_AUTH_PER_MINUTE", strconv.Itoa(DefaultAuthRateLimit)))
	if err != nil || authLimit < 0 {
		return nil, dErrors.New(dErrors.CodeConfiguration, "RATE_LIMIT_AUTH_PER_MINUTE must be a non-negative integer")
	}

	trustedProxies, err := metadata.ParseTrustedProxies(platformstrings.SplitList(get("TRUSTED_PROXIES", "")))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeConfiguration, "invalid TRUSTED_PROXIES")
	}

	clientURL := strings.TrimRight(get("CLIENT_URL", DefaultClientURL), "/")

	return &Config{
		Addr:           get("ADDR", DefaultAddr),
		TrustedProxies: trustedProxies,
		Auth: AuthConfig{
			JWTSecret:  secret,
			AccessTTL:  accessTTL,
			RefreshTTL: time.Duration(refreshDays) * 24 * time.Hour,
		},
		Cookie: CookieConfig{
			Domain: get("COOKIE_DOMAIN", ""),
			Secure: secure,
		},
		Client: ClientConfig{
			URL:         clientURL,
			CORSOrigins: platformstrings.SplitListFold(get("CORS_CLIENT_URL", clientURL)),
		},
		Database: DatabaseConfig{URL: get("DATABASE_URL", "")},
		Redis: RedisConfig{
			URL:          get("REDIS_URL", ""),
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:    platformstrings.SplitList(get("KAFKA_BROKERS", "")),
			AuditTopic: get("KAFKA_AUDIT_TOPIC", DefaultKafkaAuditTopic),
		},
		Email: EmailConfig{
			Host:     get("EMAIL_HOST", DefaultEmailHost),
			Port:     emailPort,
			User:     get("EMAIL_USER", ""),
			Password: getenv("EMAIL_PASS"),
		},
		RateLimit: RateLimitConfig{
			AuthRequests: authLimit,
			Window:       time.Minute,
		},
		Log: LogConfig{
			Level:  get("LOG_LEVEL", "info"),
			Format: get("LOG_FORMAT", "json"),
		},
	}, nil
}

// parseDuration accepts Go durations ("15m") and bare seconds ("900").
func parseDuration(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("duration must be positive: %q", raw)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %q", raw)
	}
	return d, nil
}
