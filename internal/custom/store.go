package custom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the whole userID → Config mapping. Save always receives the
// full mapping and replaces whatever was stored before.
type Store interface {
	Load(ctx context.Context) (map[string]Config, error)
	Save(ctx context.Context, configs map[string]Config) error
}

// ── File ─────────────────────────────────────────────────────────────────────

// FileStore keeps the mapping in a single JSON file. Writes go to a temp file
// in the same directory which is then renamed over the target.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns an empty mapping when the file does not exist yet.
func (s *FileStore) Load(_ context.Context) (map[string]Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("custom: read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return map[string]Config{}, nil
	}

	out := map[string]Config{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("custom: decode %s: %w", s.path, err)
	}
	return out, nil
}

func (s *FileStore) Save(_ context.Context, configs map[string]Config) error {
	data, err := json.MarshalIndent(configs, "", "  ")
	if err != nil {
		return fmt.Errorf("custom: encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("custom: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".custom-providers-*.json")
	if err != nil {
		return fmt.Errorf("custom: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("custom: write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("custom: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("custom: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("custom: rename: %w", err)
	}
	return nil
}

// ── Redis ────────────────────────────────────────────────────────────────────

const (
	defaultRedisKey     = "multillm:custom_providers"
	defaultQueryTimeout = 2 * time.Second
)

// RedisStore keeps the mapping as one JSON value under a single key so that
// several gateway replicas share the same user configuration.
type RedisStore struct {
	client       *redis.Client
	key          string
	queryTimeout time.Duration
}

// NewRedisStore wraps an existing client. The caller owns the client
// lifecycle. An empty key selects the default.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisStore{client: client, key: key, queryTimeout: defaultQueryTimeout}
}

func (s *RedisStore) Load(ctx context.Context) (map[string]Config, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("custom: GET %s: %w", s.key, err)
	}

	out := map[string]Config{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("custom: decode %s: %w", s.key, err)
	}
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, configs map[string]Config) error {
	data, err := json.Marshal(configs)
	if err != nil {
		return fmt.Errorf("custom: encode: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("custom: SET %s: %w", s.key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable. Used by the readiness probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// ── Memory ───────────────────────────────────────────────────────────────────

// MemoryStore keeps the mapping in process memory only. Configurations are
// lost on restart; intended for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]Config
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: map[string]Config{}}
}

func (s *MemoryStore) Load(_ context.Context) (map[string]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConfigs(s.configs), nil
}

func (s *MemoryStore) Save(_ context.Context, configs map[string]Config) error {
	s.mu.Lock()
	s.configs = cloneConfigs(configs)
	s.saves++
	s.mu.Unlock()
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func cloneConfigs(in map[string]Config) map[string]Config {
	out := make(map[string]Config, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
