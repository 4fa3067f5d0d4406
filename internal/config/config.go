// Package config provides application configuration.
//
// Configuration is layered, lowest precedence first: hardcoded defaults,
// an optional YAML file (CONFIG_FILE), then environment variables
// prefixed CSDISPATCH_. A handful of pre-koanf-era variables are still
// read directly via os.Getenv by cmd/server/main.go, matching the
// teacher's own mix of config.Load() plus a couple of inline env reads.
//
// For a complete list of environment variables, see .env.example.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CSDISPATCH_"

// RateLimitConfig holds one role's realtime token-bucket parameters.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// HubConfig controls RealtimeHub timing.
type HubConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PresenceGrace     time.Duration
	RateNoticeCooldown time.Duration
	Player            RateLimitConfig
	Agent             RateLimitConfig
}

// QueueConfig controls QueueScheduler timing.
type QueueConfig struct {
	RescoreInterval     time.Duration
	AutoAssignOnTransfer bool
	DefaultAvgServiceTime time.Duration
}

// AIConfig controls the AIAdapter's external provider.
type AIConfig struct {
	BaseURL         string
	DefaultCredCiphertext string
	RequestTimeout  time.Duration
}

// TranslationConfig controls the TranslationAdapter's external provider.
type TranslationConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
}

// AuthConfig controls JWT issuance/verification.
type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// RetryConfig holds the storage/adapter retry schedule's attempt count,
// matching the teacher's RetryConfig field naming.
type RetryConfig struct {
	MaxAttempts int
}

// Config holds all application configuration.
type Config struct {
	Port             string
	Environment      string // "development" | "production"
	FrontendURL      string
	CORSAllowOrigins []string
	DBPath           string
	EncryptionKey    string
	MetricsAuthKey   string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration

	Auth        AuthConfig
	AI          AIConfig
	Translation TranslationConfig
	Hub         HubConfig
	Queue       QueueConfig
	Retry       RetryConfig
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"port":              "8080",
		"environment":       "development",
		"frontend_url":      "",
		"cors_allow_origins": "",
		"db_path":           "./data/cs-dispatch.db",
		"encryption_key":    "",
		"metrics_auth_key":  "",
		"http_read_timeout":  "10s",
		"http_write_timeout": "10s",
		"shutdown_timeout":   "15s",

		"auth.jwt_secret": "",
		"auth.token_ttl":  "24h",

		"ai.base_url":         "",
		"ai.default_cred":     "",
		"ai.request_timeout":  "30s",

		"translation.base_url":        "",
		"translation.api_key":         "",
		"translation.request_timeout": "15s",

		"hub.heartbeat_interval":    "20s",
		"hub.heartbeat_timeout":     "60s",
		"hub.presence_grace":        "30s",
		"hub.rate_notice_cooldown":  "1s",
		"hub.player.per_minute":     200,
		"hub.player.burst":          20,
		"hub.agent.per_minute":      600,
		"hub.agent.burst":           60,

		"queue.rescore_interval":          "10s",
		"queue.auto_assign_on_transfer":    false,
		"queue.default_avg_service_time":   "3m",

		"retry.max_attempts": 3,
	}
}

// Load reads configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and CSDISPATCH_-prefixed environment variables, in that
// increasing order of precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	transform := func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}
	if err := k.Load(env.Provider(envPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	cfg := &Config{
		Port:             k.String("port"),
		Environment:      k.String("environment"),
		FrontendURL:      k.String("frontend_url"),
		CORSAllowOrigins: splitCSV(k.String("cors_allow_origins")),
		DBPath:           k.String("db_path"),
		EncryptionKey:    k.String("encryption_key"),
		MetricsAuthKey:   k.String("metrics_auth_key"),
		HTTPReadTimeout:  k.Duration("http_read_timeout"),
		HTTPWriteTimeout: k.Duration("http_write_timeout"),
		ShutdownTimeout:  k.Duration("shutdown_timeout"),

		Auth: AuthConfig{
			JWTSecret: k.String("auth.jwt_secret"),
			TokenTTL:  k.Duration("auth.token_ttl"),
		},
		AI: AIConfig{
			BaseURL:               k.String("ai.base_url"),
			DefaultCredCiphertext: k.String("ai.default_cred"),
			RequestTimeout:        k.Duration("ai.request_timeout"),
		},
		Translation: TranslationConfig{
			BaseURL:        k.String("translation.base_url"),
			APIKey:         k.String("translation.api_key"),
			RequestTimeout: k.Duration("translation.request_timeout"),
		},
		Hub: HubConfig{
			HeartbeatInterval:  k.Duration("hub.heartbeat_interval"),
			HeartbeatTimeout:   k.Duration("hub.heartbeat_timeout"),
			PresenceGrace:      k.Duration("hub.presence_grace"),
			RateNoticeCooldown: k.Duration("hub.rate_notice_cooldown"),
			Player: RateLimitConfig{
				PerMinute: k.Int("hub.player.per_minute"),
				Burst:     k.Int("hub.player.burst"),
			},
			Agent: RateLimitConfig{
				PerMinute: k.Int("hub.agent.per_minute"),
				Burst:     k.Int("hub.agent.burst"),
			},
		},
		Queue: QueueConfig{
			RescoreInterval:       k.Duration("queue.rescore_interval"),
			AutoAssignOnTransfer:  k.Bool("queue.auto_assign_on_transfer"),
			DefaultAvgServiceTime: k.Duration("queue.default_avg_service_time"),
		},
		Retry: RetryConfig{
			MaxAttempts: k.Int("retry.max_attempts"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.Auth.JWTSecret == "" && c.Environment == "production" {
		return fmt.Errorf("auth.jwt_secret is required in production")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment != "production"
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
