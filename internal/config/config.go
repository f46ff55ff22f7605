// Package config loads and validates all runtime configuration for the proxy.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example KBO_API_TOKEN becomes
// kbo_api_token in YAML.
//
// No upstream credential is required for the proxy to start. A route whose
// credential is absent degrades on its own: generic routes forward without
// the credential, the chat route answers 503.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Host is the interface the HTTP server binds to. Default: "0.0.0.0".
	Host string

	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// LogFormat selects the slog handler: "json" or "text". Default: json.
	LogFormat string

	// KBO configures the company-data upstream (header-injected bearer token).
	KBO KBOConfig

	// GNews configures the news upstream (query-injected API key).
	GNews UpstreamConfig

	// Finnhub configures the market-data upstream (query-injected API key).
	Finnhub UpstreamConfig

	// Anthropic configures the chat-completion upstream.
	Anthropic AnthropicConfig

	// AllowedOrigin is an extra CORS origin appended to the built-in
	// allowlist. Leave empty to serve only the built-in origins.
	AllowedOrigin string

	// RateLimit controls the per-client fixed-window limiter.
	RateLimit RateLimitConfig

	// Cache controls the response cache for cacheable routes.
	Cache CacheConfig

	// Breaker controls the per-upstream circuit breaker.
	Breaker BreakerConfig

	// RequestLog controls the asynchronous per-request access log.
	RequestLog RequestLogConfig

	// UpstreamTimeout is the per-request timeout for outbound upstream
	// calls. Default: 30s.
	UpstreamTimeout time.Duration
}

// KBOConfig holds configuration for the KBO company-data upstream.
type KBOConfig struct {
	// Token is the bearer token injected into the Authorization header.
	// Leave empty to forward requests without credentials.
	Token string

	// BaseURL is the upstream API root.
	BaseURL string

	// AcceptLanguage is sent with every KBO request. Default: "nl".
	AcceptLanguage string
}

// UpstreamConfig holds configuration for a query-credentialed upstream.
type UpstreamConfig struct {
	// APIKey is appended to the upstream query string. Leave empty to
	// forward requests without credentials.
	APIKey string

	// BaseURL is the upstream API root.
	BaseURL string
}

// AnthropicConfig holds configuration for the chat-completion upstream.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API. When empty the chat
	// route answers 503 instead of degrading silently.
	APIKey string

	// BaseURL overrides the default API endpoint. Useful for local mocks.
	// Leave empty to use the SDK default.
	BaseURL string

	// Model is the model used when a request does not name one.
	// Default: "claude-3-5-haiku-latest".
	Model string
}

// RateLimitConfig controls the per-client fixed-window limiter.
type RateLimitConfig struct {
	// Window is the length of one counting window. Default: 60s.
	Window time.Duration

	// Max is the number of requests admitted per client per window.
	// Default: 20.
	Max int
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// TTL is the time-to-live for cached upstream responses. Default: 300s.
	TTL time.Duration
}

// BreakerConfig controls the per-upstream circuit breaker.
type BreakerConfig struct {
	// Enabled turns the breaker on. Default: true.
	Enabled bool

	// Threshold is the number of consecutive upstream failures that open
	// the breaker. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration
}

// RequestLogConfig controls the asynchronous access log.
type RequestLogConfig struct {
	// Enabled turns per-request logging on. Default: true.
	Enabled bool

	// Buffer is the capacity of the log queue. Entries are dropped, and
	// counted, when the queue is full. Default: 10000.
	Buffer int

	// Batch is the number of entries flushed together. Default: 100.
	Batch int

	// FlushInterval bounds how long an entry waits before being flushed.
	// Default: 1s.
	FlushInterval time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	// Upstream endpoints.
	v.SetDefault("KBO_BASE_URL", "https://api.kbodata.app/v1")
	v.SetDefault("KBO_ACCEPT_LANGUAGE", "nl")
	v.SetDefault("GNEWS_BASE_URL", "https://gnews.io/api/v4")
	v.SetDefault("FINNHUB_BASE_URL", "https://finnhub.io/api/v1")
	v.SetDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")

	// Rate limiter defaults.
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_MAX", 20)

	// Cache defaults.
	v.SetDefault("CACHE_TTL", "300s")

	// Circuit breaker defaults.
	v.SetDefault("BREAKER_ENABLED", true)
	v.SetDefault("BREAKER_THRESHOLD", 5)
	v.SetDefault("BREAKER_COOLDOWN", "30s")

	// Request log defaults.
	v.SetDefault("REQUEST_LOG_ENABLED", true)
	v.SetDefault("REQUEST_LOG_BUFFER", 10000)
	v.SetDefault("REQUEST_LOG_BATCH", 100)
	v.SetDefault("REQUEST_LOG_FLUSH_INTERVAL", "1s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Host:      v.GetString("SERVER_HOST"),
		Port:      v.GetInt("SERVER_PORT"),
		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),

		KBO: KBOConfig{
			Token:          v.GetString("KBO_API_TOKEN"),
			BaseURL:        v.GetString("KBO_BASE_URL"),
			AcceptLanguage: v.GetString("KBO_ACCEPT_LANGUAGE"),
		},
		GNews: UpstreamConfig{
			APIKey:  v.GetString("GNEWS_API_KEY"),
			BaseURL: v.GetString("GNEWS_BASE_URL"),
		},
		Finnhub: UpstreamConfig{
			APIKey:  v.GetString("FINNHUB_API_KEY"),
			BaseURL: v.GetString("FINNHUB_BASE_URL"),
		},
		Anthropic: AnthropicConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Model:   v.GetString("ANTHROPIC_MODEL"),
		},

		AllowedOrigin: v.GetString("ALLOWED_ORIGIN"),

		RateLimit: RateLimitConfig{
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
			Max:    v.GetInt("RATE_LIMIT_MAX"),
		},

		Cache: CacheConfig{
			TTL: v.GetDuration("CACHE_TTL"),
		},

		Breaker: BreakerConfig{
			Enabled:   v.GetBool("BREAKER_ENABLED"),
			Threshold: v.GetInt("BREAKER_THRESHOLD"),
			Cooldown:  v.GetDuration("BREAKER_COOLDOWN"),
		},

		RequestLog: RequestLogConfig{
			Enabled:       v.GetBool("REQUEST_LOG_ENABLED"),
			Buffer:        v.GetInt("REQUEST_LOG_BUFFER"),
			Batch:         v.GetInt("REQUEST_LOG_BATCH"),
			FlushInterval: v.GetDuration("REQUEST_LOG_FLUSH_INTERVAL"),
		},

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as
// defaults. Absent credentials are deliberately not errors.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: SERVER_PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: invalid LOG_FORMAT %q; must be one of: json, text", c.LogFormat)
	}

	// Routing breaks without a base URL even when no credential is set.
	if c.KBO.BaseURL == "" {
		return fmt.Errorf("config: KBO_BASE_URL must not be empty")
	}
	if c.GNews.BaseURL == "" {
		return fmt.Errorf("config: GNEWS_BASE_URL must not be empty")
	}
	if c.Finnhub.BaseURL == "" {
		return fmt.Errorf("config: FINNHUB_BASE_URL must not be empty")
	}
	if c.Anthropic.Model == "" {
		return fmt.Errorf("config: ANTHROPIC_MODEL must not be empty")
	}

	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW must be a positive duration")
	}
	if c.RateLimit.Max < 1 {
		return fmt.Errorf("config: RATE_LIMIT_MAX must be ≥ 1, got %d", c.RateLimit.Max)
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("config: CACHE_TTL must be a positive duration")
	}

	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	if c.Breaker.Enabled {
		if c.Breaker.Threshold < 1 {
			return fmt.Errorf("config: BREAKER_THRESHOLD must be ≥ 1, got %d", c.Breaker.Threshold)
		}
		if c.Breaker.Cooldown <= 0 {
			return fmt.Errorf("config: BREAKER_COOLDOWN must be a positive duration")
		}
	}

	if c.RequestLog.Enabled {
		if c.RequestLog.Buffer < 1 {
			return fmt.Errorf("config: REQUEST_LOG_BUFFER must be ≥ 1, got %d", c.RequestLog.Buffer)
		}
		if c.RequestLog.Batch < 1 {
			return fmt.Errorf("config: REQUEST_LOG_BATCH must be ≥ 1, got %d", c.RequestLog.Batch)
		}
		if c.RequestLog.FlushInterval <= 0 {
			return fmt.Errorf("config: REQUEST_LOG_FLUSH_INTERVAL must be a positive duration")
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
