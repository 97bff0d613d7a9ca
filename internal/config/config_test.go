package config

import (
	"strings"
	"testing"
)

func requiredViper(t *testing.T) {
	t.Helper()
	t.Setenv("WAVELINK_AUTH_JWT_SECRET", "secret")
	t.Setenv("WAVELINK_LEASE_URL", "https://lease.example.com/worker")
	t.Setenv("WAVELINK_LEASE_KEY", "lease-key")
}

func TestLoadAppliesDefaults(t *testing.T) {
	requiredViper(t)

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:5000" {
		t.Fatalf("unexpected http address %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "wavelink.db" {
		t.Fatalf("unexpected database path %s", cfg.DatabasePath)
	}
	if !cfg.RateLimitEnabled || cfg.RateLimitMaxRequests != 100 || cfg.RateLimitTrustedProxies != 0 {
		t.Fatalf("unexpected rate limit defaults %+v", cfg)
	}
	if cfg.GatewayMaxMessageBytes != 4096 || cfg.GatewayMessagesPerSecond != 10 {
		t.Fatalf("unexpected gateway defaults %+v", cfg)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("expected in-process mode by default, got %s", cfg.RedisURL)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	requiredViper(t)
	t.Setenv("WAVELINK_RATELIMIT_ENABLED", "false")
	t.Setenv("WAVELINK_RATELIMIT_TRUSTED_PROXIES", "2")
	t.Setenv("WAVELINK_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WAVELINK_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RateLimitEnabled {
		t.Fatalf("expected rate limiting disabled")
	}
	if cfg.RateLimitTrustedProxies != 2 {
		t.Fatalf("expected 2 trusted proxies, got %d", cfg.RateLimitTrustedProxies)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %s", cfg.RedisURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		message string
	}{
		{name: "missing secret", env: map[string]string{"WAVELINK_AUTH_JWT_SECRET": ""}, message: "auth.jwt_secret"},
		{name: "missing lease url", env: map[string]string{"WAVELINK_LEASE_URL": ""}, message: "lease.url is required"},
		{name: "relative lease url", env: map[string]string{"WAVELINK_LEASE_URL": "/worker"}, message: "absolute URL"},
		{name: "missing lease key", env: map[string]string{"WAVELINK_LEASE_KEY": " "}, message: "lease.key"},
		{name: "zero ceiling", env: map[string]string{"WAVELINK_RATELIMIT_MAX_REQUESTS": "0"}, message: "ratelimit.max_requests"},
		{name: "negative proxies", env: map[string]string{"WAVELINK_RATELIMIT_TRUSTED_PROXIES": "-1"}, message: "ratelimit.trusted_proxies"},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			requiredViper(t)
			for key, value := range testCase.env {
				t.Setenv(key, value)
			}
			_, err := Load(NewViper())
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error containing %q, got %v", testCase.message, err)
			}
		})
	}
}
