package models

import (
	"strings"
	"time"
)

// EndpointClass groups routes that share one budget per client.
type EndpointClass string

const (
	// ClassAuth covers the credential endpoints: register, login, refresh, verify.
	ClassAuth EndpointClass = "auth"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is whole seconds until a slot frees up; zero when allowed.
	RetryAfter int

	// Degraded is set when the answer came from the in-memory fallback.
	Degraded bool
}

type ExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

// NewIPKey builds the bucket key for ip within class.
func NewIPKey(ip string, class EndpointClass) string {
	return "ip:" + SanitizeKeySegment(ip) + ":" + string(class)
}

// SanitizeKeySegment replaces the ':' delimiter so a crafted segment cannot
// address a neighbouring bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
