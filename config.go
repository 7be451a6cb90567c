package passport

import (
	"log/slog"
	"time"
)

// Config holds the server configuration. Zero values are replaced with
// secure defaults by applyDefaults.
type Config struct {
	// Issuer is the server's base URL, used for security headers.
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes stay
	// redeemable, in seconds. Default: 60.
	AuthorizationCodeTTL int64

	// AccessTokenTTL is the access token lifetime in seconds.
	// Default: 3600.
	AccessTokenTTL int64

	// RefreshTokenTTL is the refresh token lifetime in seconds.
	// Default: 1209600 (14 days).
	RefreshTokenTTL int64

	// TokenType is reported in token responses. Default: "bearer".
	TokenType string

	// TrustProxy enables X-Forwarded-For and X-Real-IP handling. Only
	// enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server,
	// used with TrustProxy. Default: 1.
	TrustedProxyCount int

	// RateLimitPerSecond and RateLimitBurst configure the per-IP token
	// endpoint limiter. A zero rate disables rate limiting.
	RateLimitPerSecond int
	RateLimitBurst     int

	// AuditEnabled turns on security audit logging.
	AuditEnabled bool

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// applyDefaults fills zero values with secure defaults.
func (c *Config) applyDefaults() {
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = 60
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = 3600
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 1209600 // 14 days
	}
	if c.TokenType == "" {
		c.TokenType = "bearer"
	}
	if c.TrustedProxyCount == 0 {
		c.TrustedProxyCount = 1
	}
	if c.RateLimitBurst == 0 && c.RateLimitPerSecond > 0 {
		c.RateLimitBurst = c.RateLimitPerSecond * 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CodeTTL returns the authorization code window as a duration.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTTL returns the access token window as a duration.
func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token window as a duration.
func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}
