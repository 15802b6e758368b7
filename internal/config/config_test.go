package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func load(t *testing.T, env map[string]string) (*Config, error) {
	t.Helper()
	for k, v := range env {
		t.Setenv(k, v)
	}
	return fromViper(viper.New())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 || cfg.LogLevel != "info" {
		t.Errorf("port/level = %d/%s", cfg.Port, cfg.LogLevel)
	}
	if cfg.Dispatch.CooldownWindow != 60*time.Second {
		t.Errorf("cooldown = %v, want 60s", cfg.Dispatch.CooldownWindow)
	}
	if cfg.Dispatch.ProviderTimeout != 60*time.Second || cfg.Dispatch.LocalProviderTimeout != 5*time.Minute {
		t.Errorf("timeouts = %+v", cfg.Dispatch)
	}
	if cfg.CustomStore.Mode != StoreFile || cfg.CustomStore.Path != "custom_providers.json" {
		t.Errorf("store = %+v", cfg.CustomStore)
	}
	if !cfg.HTTPPooling {
		t.Error("pooling should default to on")
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
	if cfg.NeedsRedis() {
		t.Error("defaults should not need redis")
	}
}

func TestLoad_FromEnv(t *testing.T) {
	cfg, err := load(t, map[string]string{
		"PORT":            "9090",
		"LOG_LEVEL":       "DEBUG",
		"COOLDOWN_WINDOW": "15s",
		"STREAM_TIMEOUT":  "2m",
		"CUSTOM_STORE":    "redis",
		"REDIS_URL":       "redis://localhost:6379",
		"RPM_LIMIT":       "120",
		"HTTP_POOLING":    "false",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 9090 || cfg.LogLevel != "debug" {
		t.Errorf("port/level = %d/%s", cfg.Port, cfg.LogLevel)
	}
	if cfg.Dispatch.CooldownWindow != 15*time.Second || cfg.Dispatch.StreamTimeout != 2*time.Minute {
		t.Errorf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.RateLimit.RPMLimit != 120 || cfg.HTTPPooling {
		t.Errorf("rpm/pooling = %d/%v", cfg.RateLimit.RPMLimit, cfg.HTTPPooling)
	}
	if !cfg.NeedsRedis() {
		t.Error("redis store should need redis")
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad log level", map[string]string{"LOG_LEVEL": "verbose"}, "LOG_LEVEL"},
		{"bad store", map[string]string{"CUSTOM_STORE": "s3"}, "CUSTOM_STORE"},
		{"redis store without url", map[string]string{"CUSTOM_STORE": "redis"}, "REDIS_URL"},
		{"zero cooldown", map[string]string{"COOLDOWN_WINDOW": "0s"}, "COOLDOWN_WINDOW"},
		{"negative timeout", map[string]string{"PROVIDER_TIMEOUT": "-1s"}, "PROVIDER_TIMEOUT"},
		{"negative rpm", map[string]string{"RPM_LIMIT": "-5"}, "RPM_LIMIT"},
		{"bad port", map[string]string{"PORT": "70000"}, "PORT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.env)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestLoad_MemoryStoreNeedsNoRedis(t *testing.T) {
	cfg, err := load(t, map[string]string{"CUSTOM_STORE": "memory", "RPM_LIMIT": "10"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NeedsRedis() {
		t.Error("rate limiting without REDIS_URL should stay disabled")
	}
}

func TestEnv_ReadsAtCallTime(t *testing.T) {
	cfg, err := load(t, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	unsetenv(t, "GROQ_API_KEY")
	env := cfg.Env()

	if got := env("GROQ_API_KEY"); got != "" {
		t.Fatalf("unset key = %q", got)
	}
	t.Setenv("GROQ_API_KEY", "gsk-rotated")
	if got := env("GROQ_API_KEY"); got != "gsk-rotated" {
		t.Errorf("key = %q, want the value set after Load", got)
	}
}

func TestEnv_FallsBackToConfigFile(t *testing.T) {
	unsetenv(t, "GEMINI_API_KEY", "LLM_PROVIDER_ORDER")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "gemini_api_key: from-file\nllm_provider_order: gemini, groq\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("read config: %v", err)
	}
	cfg, err := fromViper(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := cfg.Env()("GEMINI_API_KEY"); got != "from-file" {
		t.Errorf("key = %q, want from-file", got)
	}
	order := cfg.ProviderOrder()
	if len(order) != 2 || order[0] != "gemini" || order[1] != "groq" {
		t.Errorf("order = %v", order)
	}

	t.Setenv("GEMINI_API_KEY", "from-env")
	if got := cfg.Env()("GEMINI_API_KEY"); got != "from-env" {
		t.Errorf("env should win over the file, got %q", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file should be ignored: %v", err)
	}
	if err := loadDotEnv(dir); err == nil {
		t.Error("directory should be rejected")
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("MULTILLM_DOTENV_TEST=loaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	unsetenv(t, "MULTILLM_DOTENV_TEST")

	if err := loadDotEnv(path); err != nil {
		t.Fatalf("loadDotEnv: %v", err)
	}
	if got := os.Getenv("MULTILLM_DOTENV_TEST"); got != "loaded" {
		t.Errorf("value = %q, want loaded", got)
	}
}
