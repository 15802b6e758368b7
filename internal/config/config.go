// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Provider credentials (GROQ_API_KEY, GEMINI_API_KEY, ...) are not copied into
// Config. They are looked up through Env on every call so a rotated key takes
// effect without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/multillm/internal/providers"
)

// Custom provider store backends.
const (
	StoreFile   = "file"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Redis holds the connection URL shared by the custom provider store and
	// the rate limiter.
	Redis RedisConfig

	// Dispatch controls cooldowns and per-attempt deadlines.
	Dispatch DispatchConfig

	// CustomStore selects where per-user provider overrides are persisted.
	CustomStore CustomStoreConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string

	// HTTPPooling keeps idle upstream connections alive between calls.
	// Default: true.
	HTTPPooling bool

	v *viper.Viper
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// DispatchConfig controls the failover engine.
type DispatchConfig struct {
	// CooldownWindow is how long a failed provider is skipped. Default: 60s.
	CooldownWindow time.Duration

	// ProviderTimeout bounds one attempt against a remote provider. Default: 60s.
	ProviderTimeout time.Duration

	// LocalProviderTimeout bounds one attempt against a local model server.
	// Default: 5m.
	LocalProviderTimeout time.Duration

	// StreamTimeout bounds one streaming attempt. Default: 5m.
	StreamTimeout time.Duration
}

// CustomStoreConfig controls persistence of user overrides.
type CustomStoreConfig struct {
	// Mode selects the backend:
	//   "file"   - JSON document on local disk (default).
	//   "redis"  - one Redis key, shared across replicas (requires REDIS_URL).
	//   "memory" - process memory only, lost on restart.
	Mode string

	// Path is the JSON file used in file mode. Default: custom_providers.json.
	Path string

	// RedisKey is the key holding the mapping in redis mode.
	RedisKey string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per user (or client IP).
	// 0 disables rate limiting. Requires REDIS_URL. Default: 0.
	RPMLimit int
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

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("HTTP_POOLING", true)

	v.SetDefault("COOLDOWN_WINDOW", providers.CooldownWindow.String())
	v.SetDefault("PROVIDER_TIMEOUT", providers.ProviderTimeout.String())
	v.SetDefault("LOCAL_PROVIDER_TIMEOUT", providers.LocalProviderTimeout.String())
	v.SetDefault("STREAM_TIMEOUT", providers.StreamTimeout.String())

	v.SetDefault("CUSTOM_STORE", StoreFile)
	v.SetDefault("CUSTOM_STORE_PATH", "custom_providers.json")
	v.SetDefault("CUSTOM_STORE_KEY", "multillm:custom_providers")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Dispatch: DispatchConfig{
			CooldownWindow:       v.GetDuration("COOLDOWN_WINDOW"),
			ProviderTimeout:      v.GetDuration("PROVIDER_TIMEOUT"),
			LocalProviderTimeout: v.GetDuration("LOCAL_PROVIDER_TIMEOUT"),
			StreamTimeout:        v.GetDuration("STREAM_TIMEOUT"),
		},

		CustomStore: CustomStoreConfig{
			Mode:     strings.ToLower(v.GetString("CUSTOM_STORE")),
			Path:     v.GetString("CUSTOM_STORE_PATH"),
			RedisKey: v.GetString("CUSTOM_STORE_KEY"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		HTTPPooling: v.GetBool("HTTP_POOLING"),

		v: v,
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Env returns the lookup used for provider credentials and overrides. Every
// call consults the process environment first and config.yaml second, so
// values are never cached.
func (c *Config) Env() providers.Env {
	return func(key string) string {
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		if c.v == nil {
			return ""
		}
		return c.v.GetString(strings.ToLower(key))
	}
}

// ProviderOrder returns the LLM_PROVIDER_ORDER value as currently set.
func (c *Config) ProviderOrder() []string {
	return providers.ParseOrder(c.Env()(providers.OrderEnv))
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c *Config) NeedsRedis() bool {
	return c.CustomStore.Mode == StoreRedis || (c.RateLimit.RPMLimit > 0 && c.Redis.URL != "")
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Validate store mode value.
	switch c.CustomStore.Mode {
	case StoreFile:
		if c.CustomStore.Path == "" {
			return fmt.Errorf("config: CUSTOM_STORE_PATH is required when CUSTOM_STORE=file")
		}
	case StoreRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when CUSTOM_STORE=redis; " +
					"set CUSTOM_STORE=file to keep overrides on local disk",
			)
		}
	case StoreMemory:
	default:
		return fmt.Errorf(
			"config: invalid CUSTOM_STORE %q; must be one of: file, redis, memory",
			c.CustomStore.Mode,
		)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"COOLDOWN_WINDOW", c.Dispatch.CooldownWindow},
		{"PROVIDER_TIMEOUT", c.Dispatch.ProviderTimeout},
		{"LOCAL_PROVIDER_TIMEOUT", c.Dispatch.LocalProviderTimeout},
		{"STREAM_TIMEOUT", c.Dispatch.StreamTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration", d.name)
		}
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
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
