package passport

import (
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	config := &Config{}
	config.applyDefaults()

	if got := config.CodeTTL(); got != time.Minute {
		t.Errorf("CodeTTL() = %v, want %v", got, time.Minute)
	}
	if got := config.AccessTTL(); got != time.Hour {
		t.Errorf("AccessTTL() = %v, want %v", got, time.Hour)
	}
	if got := config.RefreshTTL(); got != 14*24*time.Hour {
		t.Errorf("RefreshTTL() = %v, want %v", got, 14*24*time.Hour)
	}
	if config.TokenType != "bearer" {
		t.Errorf("TokenType = %q, want %q", config.TokenType, "bearer")
	}
	if config.TrustedProxyCount != 1 {
		t.Errorf("TrustedProxyCount = %d, want 1", config.TrustedProxyCount)
	}
	if config.Logger == nil {
		t.Error("Logger not defaulted")
	}
}

func TestConfigRateLimitBurstDefault(t *testing.T) {
	config := &Config{RateLimitPerSecond: 10}
	config.applyDefaults()
	if config.RateLimitBurst != 20 {
		t.Errorf("RateLimitBurst = %d, want 20", config.RateLimitBurst)
	}

	explicit := &Config{RateLimitPerSecond: 10, RateLimitBurst: 5}
	explicit.applyDefaults()
	if explicit.RateLimitBurst != 5 {
		t.Errorf("RateLimitBurst = %d, want 5", explicit.RateLimitBurst)
	}
}

func TestConfigKeepsExplicitValues(t *testing.T) {
	config := &Config{
		AuthorizationCodeTTL: 30,
		AccessTokenTTL:       600,
		RefreshTokenTTL:      3600,
		TokenType:            "Bearer",
	}
	config.applyDefaults()

	if got := config.CodeTTL(); got != 30*time.Second {
		t.Errorf("CodeTTL() = %v, want %v", got, 30*time.Second)
	}
	if got := config.AccessTTL(); got != 10*time.Minute {
		t.Errorf("AccessTTL() = %v, want %v", got, 10*time.Minute)
	}
	if got := config.RefreshTTL(); got != time.Hour {
		t.Errorf("RefreshTTL() = %v, want %v", got, time.Hour)
	}
	if config.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want %q", config.TokenType, "Bearer")
	}
}
