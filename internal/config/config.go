package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "WAVELINK"
	defaultHTTPAddress       = "0.0.0.0:5000"
	defaultDatabasePath      = "wavelink.db"
	defaultLogLevel          = "info"
	defaultMaxRequests       = 100
	defaultMaxMessageBytes   = 4096
	defaultMessagesPerSecond = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	JWTSecret    string
	RedisURL     string

	LeaseURL string
	LeaseKey string

	RateLimitEnabled        bool
	RateLimitMaxRequests    int
	RateLimitTrustedProxies int

	GatewayMaxMessageBytes   int64
	GatewayMessagesPerSecond float64

	AllowedOrigins []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("ratelimit.enabled", true)
	configViper.SetDefault("ratelimit.max_requests", defaultMaxRequests)
	configViper.SetDefault("ratelimit.trusted_proxies", 0)
	configViper.SetDefault("gateway.max_message_bytes", defaultMaxMessageBytes)
	configViper.SetDefault("gateway.messages_per_second", defaultMessagesPerSecond)
	configViper.SetDefault("cors.allowed_origins", "*")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabasePath:             configViper.GetString("database.path"),
		LogLevel:                 configViper.GetString("log.level"),
		JWTSecret:                configViper.GetString("auth.jwt_secret"),
		RedisURL:                 strings.TrimSpace(configViper.GetString("redis.url")),
		LeaseURL:                 strings.TrimSpace(configViper.GetString("lease.url")),
		LeaseKey:                 configViper.GetString("lease.key"),
		RateLimitEnabled:         configViper.GetBool("ratelimit.enabled"),
		RateLimitMaxRequests:     configViper.GetInt("ratelimit.max_requests"),
		RateLimitTrustedProxies:  configViper.GetInt("ratelimit.trusted_proxies"),
		GatewayMaxMessageBytes:   configViper.GetInt64("gateway.max_message_bytes"),
		GatewayMessagesPerSecond: configViper.GetFloat64("gateway.messages_per_second"),
		AllowedOrigins:           splitList(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.LeaseURL == "" {
		return fmt.Errorf("lease.url is required")
	}
	if parsed, err := url.Parse(c.LeaseURL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("lease.url must be an absolute URL")
	}
	if strings.TrimSpace(c.LeaseKey) == "" {
		return fmt.Errorf("lease.key is required")
	}
	if c.RateLimitMaxRequests <= 0 {
		return fmt.Errorf("ratelimit.max_requests must be positive")
	}
	if c.RateLimitTrustedProxies < 0 {
		return fmt.Errorf("ratelimit.trusted_proxies must not be negative")
	}
	if c.GatewayMaxMessageBytes <= 0 {
		return fmt.Errorf("gateway.max_message_bytes must be positive")
	}
	if c.GatewayMessagesPerSecond <= 0 {
		return fmt.Errorf("gateway.messages_per_second must be positive")
	}
	return nil
}

// splitList accepts both list values and comma-separated strings, as env
// variables only carry the latter.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
