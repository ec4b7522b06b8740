package config

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "taskbrew/pkg/domain-errors"
)

func lookup(env map[string]string) func(string) string {
	return func(k string) string { return env[k] }
}

func TestFromLookup_MissingSecretIsFatal(t *testing.T) {
	_, err := fromLookup(lookup(map[string]string{}))
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeConfiguration))
}

func TestFromLookup_Defaults(t *testing.T) {
	cfg, err := fromLookup(lookup(map[string]string{"JWT_SECRET": "s3cret"}))
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.True(t, cfg.Cookie.Secure)
	assert.Equal(t, DefaultClientURL, cfg.Client.URL)
	assert.Equal(t, []string{DefaultClientURL}, cfg.Client.CORSOrigins)
	assert.Equal(t, "taskbrew.audit", cfg.Kafka.AuditTopic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, 587, cfg.Email.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, DefaultAuthRateLimit, cfg.RateLimit.AuthRequests)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Empty(t, cfg.TrustedProxies)
}

func TestFromLookup_Overrides(t *testing.T) {
	cfg, err := fromLookup(lookup(map[string]string{
		"JWT_SECRET":                 "s3cret",
		"ADDR":                       ":9000",
		"JWT_ACCESS_EXP":             "900",
		"REFRESH_TOKEN_EXP_DAYS":     "30",
		"COOKIE_SECURE":              "false",
		"CLIENT_URL":                 "https://app.taskbrew.dev/",
		"CORS_CLIENT_URL":            "https://App.taskbrew.dev, https://admin.taskbrew.dev,https://app.taskbrew.dev",
		"KAFKA_BROKERS":              "k1:9092,k2:9092,k1:9092",
		"RATE_LIMIT_AUTH_PER_MINUTE": "0",
		"TRUSTED_PROXIES":            "10.0.0.0/8, 192.168.1.5",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.False(t, cfg.Cookie.Secure)
	assert.Equal(t, "https://app.taskbrew.dev", cfg.Client.URL)
	assert.Equal(t, []string{"https://app.taskbrew.dev", "https://admin.taskbrew.dev"}, cfg.Client.CORSOrigins)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Zero(t, cfg.RateLimit.AuthRequests)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.1.5/32"),
	}, cfg.TrustedProxies)
}

func TestFromLookup_InvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"access ttl":   {"JWT_ACCESS_EXP": "soon"},
		"negative ttl": {"JWT_ACCESS_EXP": "-5m"},
		"refresh days": {"REFRESH_TOKEN_EXP_DAYS": "0"},
		"secure flag":  {"COOKIE_SECURE": "maybe"},
		"rate limit":   {"RATE_LIMIT_AUTH_PER_MINUTE": "-1"},
		"proxy list":   {"TRUSTED_PROXIES": "10.0.0.0/8,lb.internal"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			env["JWT_SECRET"] = "s3cret"
			_, err := fromLookup(lookup(env))
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeConfiguration))
		})
	}
}
