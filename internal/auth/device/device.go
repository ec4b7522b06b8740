// Package device turns request metadata into the client description stored on
// refresh-token records.
package device

import (
	"context"
	"strings"

	"github.com/mssola/useragent"

	"taskbrew/internal/auth/models"
	"taskbrew/pkg/requestcontext"
)

const unknownDevice = "Unknown Device"

// ParseUserAgent returns a display name such as "Chrome on Mac OS X".
func ParseUserAgent(userAgent string) string {
	userAgent = strings.TrimSpace(userAgent)
	if userAgent == "" {
		return unknownDevice
	}

	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	if browser = strings.TrimSpace(browser); browser == "" {
		browser = "Unknown Browser"
	}

	os := strings.TrimSpace(ua.OSInfo().Name)
	if platform := ua.Platform(); platform == "iPhone" || platform == "iPad" {
		os = platform
	}
	if os == "" {
		os = "Unknown OS"
	}
	return browser + " on " + os
}

// MetaFromContext reads the client IP and User-Agent captured by the metadata
// middleware.
func MetaFromContext(ctx context.Context) models.ClientMeta {
	ua := requestcontext.UserAgent(ctx)
	return models.ClientMeta{
		IP:         requestcontext.ClientIP(ctx),
		UserAgent:  ua,
		DeviceName: ParseUserAgent(ua),
	}
}
