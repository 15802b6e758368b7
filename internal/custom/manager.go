package custom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/providers/rest"
)

var (
	ErrUnknownProvider = errors.New("unknown custom provider")
	ErrBaseURLRequired = errors.New("base_url is required for this provider")
	ErrAPIKeyRequired  = errors.New("api_key is required")
	ErrModelRequired   = errors.New("model is required")
	ErrNotConfigured   = errors.New("no custom provider configured")
	ErrDisabled        = errors.New("custom provider is disabled")
	ErrNoStreamSupport = errors.New("custom provider does not support streaming")
)

// Config is one user's override. APIKey is only ever returned by the manager
// for its own upstream calls; copies handed out are masked.
type Config struct {
	ProviderID        string           `json:"provider_id"`
	ProviderName      string           `json:"provider_name"`
	APIKey            string           `json:"api_key,omitempty"`
	MaskedKey         string           `json:"masked_key"`
	Model             string           `json:"model"`
	BaseURL           string           `json:"base_url"`
	Format            providers.Format `json:"format"`
	MaxTokens         int              `json:"max_tokens"`
	SupportsStreaming bool             `json:"supports_streaming"`
	SupportsVision    bool             `json:"supports_vision"`
	ConfiguredAt      time.Time        `json:"configured_at"`
	TotalCalls        int64            `json:"total_calls"`
	TotalTokens       int64            `json:"total_tokens"`
	LastUsed          *time.Time       `json:"last_used,omitempty"`
	Enabled           bool             `json:"enabled"`
}

// Setup is the input of SetupProvider. Model and BaseURL are optional except
// for the generic entry, which requires BaseURL and Model.
type Setup struct {
	ProviderID string `json:"provider_id"`
	APIKey     string `json:"api_key"`
	Model      string `json:"model,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
}

// CallOptions tunes one upstream call. Zero MaxTokens means the catalog
// ceiling; nil Temperature means providers.DefaultTemperature.
type CallOptions struct {
	MaxTokens   int
	Temperature *float64
}

// AdapterSource resolves a wire format to its adapter. *providers.Registry
// satisfies it.
type AdapterSource interface {
	Adapter(f providers.Format) (providers.Adapter, error)
}

// Options holds optional Manager settings.
type Options struct {
	Logger *slog.Logger

	// HTTPClient is used by ValidateAPIKey. Defaults to a pooled client.
	HTTPClient *http.Client

	// Clock replaces time.Now in tests.
	Clock func() time.Time
}

// Manager owns every user's override. Mutations are serialized and each one
// rewrites the whole mapping through the Store.
type Manager struct {
	mu       sync.RWMutex
	configs  map[string]*Config
	store    Store
	adapters AdapterSource
	log      *slog.Logger
	rest     *resty.Client
	now      func() time.Time
}

// NewManager loads the persisted mapping and returns a ready Manager.
func NewManager(ctx context.Context, store Store, adapters AdapterSource, opts Options) (*Manager, error) {
	if ctx == nil {
		panic("custom: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		configs:  make(map[string]*Config, len(loaded)),
		store:    store,
		adapters: adapters,
		log:      log,
		rest:     rest.New(opts.HTTPClient),
		now:      now,
	}
	for user, cfg := range loaded {
		c := cfg
		m.configs[user] = &c
	}

	log.InfoContext(ctx, "custom_providers_loaded", slog.Int("users", len(loaded)))
	return m, nil
}

// MaskKey renders a key as "abcd...wxyz", or "****" when it is too short to
// reveal anything.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// SetupProvider validates the setup against the catalog, stores the
// configuration enabled and returns a masked copy.
func (m *Manager) SetupProvider(ctx context.Context, userID string, s Setup) (*Config, error) {
	info, ok := GetProviderInfo(s.ProviderID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, s.ProviderID)
	}
	apiKey := strings.TrimSpace(s.APIKey)
	if apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	baseURL := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if baseURL == "" {
		if info.RequiresBaseURL {
			return nil, ErrBaseURLRequired
		}
		baseURL = info.BaseURL
	}

	model := strings.TrimSpace(s.Model)
	if model == "" {
		model = info.DefaultModel
	}
	if model == "" {
		return nil, ErrModelRequired
	}

	cfg := &Config{
		ProviderID:        info.ID,
		ProviderName:      info.Name,
		APIKey:            apiKey,
		MaskedKey:         MaskKey(apiKey),
		Model:             model,
		BaseURL:           baseURL,
		Format:            info.Format,
		MaxTokens:         info.MaxTokens,
		SupportsStreaming: info.SupportsStreaming,
		SupportsVision:    info.SupportsVision,
		ConfiguredAt:      m.now().UTC(),
		Enabled:           true,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.replaceLocked(ctx, userID, cfg); err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "custom_provider_configured",
		slog.String("user_id", userID),
		slog.String("provider", cfg.ProviderID),
		slog.String("model", cfg.Model),
	)
	return masked(cfg), nil
}

// RemoveProvider deletes the user's configuration.
func (m *Manager) RemoveProvider(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.configs[userID]; !ok {
		return ErrNotConfigured
	}
	return m.replaceLocked(ctx, userID, nil)
}

// ToggleProvider flips Enabled and returns the new state.
func (m *Manager) ToggleProvider(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[userID]
	if !ok {
		return false, ErrNotConfigured
	}
	next := *cfg
	next.Enabled = !cfg.Enabled
	if err := m.replaceLocked(ctx, userID, &next); err != nil {
		return false, err
	}
	return next.Enabled, nil
}

// SetModel changes the model used for the user's override.
func (m *Manager) SetModel(ctx context.Context, userID, model string) error {
	model = strings.TrimSpace(model)
	if model == "" {
		return ErrModelRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[userID]
	if !ok {
		return ErrNotConfigured
	}
	next := *cfg
	next.Model = model
	return m.replaceLocked(ctx, userID, &next)
}

// HasCustomProvider reports whether the user has an enabled override.
func (m *Manager) HasCustomProvider(userID string) bool {
	if userID == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[userID]
	return ok && cfg.Enabled
}

// SupportsStreaming reports whether the user's enabled override can stream.
func (m *Manager) SupportsStreaming(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[userID]
	return ok && cfg.Enabled && cfg.SupportsStreaming
}

// GetCustomProvider returns a masked copy of the user's configuration,
// enabled or not.
func (m *Manager) GetCustomProvider(userID string) (*Config, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[userID]
	if !ok {
		return nil, false
	}
	return masked(cfg), true
}

// TrackUsage records one successful call and its token count.
func (m *Manager) TrackUsage(ctx context.Context, userID string, tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[userID]
	if !ok {
		return ErrNotConfigured
	}
	now := m.now().UTC()
	next := *cfg
	next.TotalCalls++
	next.TotalTokens += int64(tokens)
	next.LastUsed = &now
	return m.replaceLocked(ctx, userID, &next)
}

// CallCustomProvider runs one non-streaming request against the user's
// enabled override.
func (m *Manager) CallCustomProvider(
	ctx context.Context,
	userID string,
	msgs []providers.Message,
	opts CallOptions,
) (*providers.Result, error) {
	call, adapter, err := m.prepare(userID, msgs, opts)
	if err != nil {
		return nil, err
	}
	res, err := adapter.Chat(ctx, call)
	return tagCustom(res, call), err
}

// StreamCustomProvider runs one streaming request against the user's
// enabled override.
func (m *Manager) StreamCustomProvider(
	ctx context.Context,
	userID string,
	msgs []providers.Message,
	opts CallOptions,
	onToken func(string),
) (*providers.Result, error) {
	call, adapter, err := m.prepare(userID, msgs, opts)
	if err != nil {
		return nil, err
	}
	sa, ok := adapter.(providers.StreamAdapter)
	if !ok || !call.Descriptor.SupportsStreaming {
		return nil, ErrNoStreamSupport
	}
	res, err := sa.Stream(ctx, call, onToken)
	return tagCustom(res, call), err
}

func (m *Manager) prepare(
	userID string,
	msgs []providers.Message,
	opts CallOptions,
) (*providers.Call, providers.Adapter, error) {
	m.mu.RLock()
	cfg, ok := m.configs[userID]
	var snapshot Config
	if ok {
		snapshot = *cfg
	}
	m.mu.RUnlock()

	if !ok {
		return nil, nil, ErrNotConfigured
	}
	if !snapshot.Enabled {
		return nil, nil, ErrDisabled
	}

	adapter, err := m.adapters.Adapter(snapshot.Format)
	if err != nil {
		return nil, nil, err
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 || maxTokens > snapshot.MaxTokens {
		maxTokens = snapshot.MaxTokens
	}
	temperature := providers.DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	call := &providers.Call{
		Descriptor: providers.Descriptor{
			ID:                "custom:" + snapshot.ProviderID,
			Name:              snapshot.ProviderName,
			BaseURL:           snapshot.BaseURL,
			Model:             snapshot.Model,
			MaxTokens:         snapshot.MaxTokens,
			SupportsStreaming: snapshot.SupportsStreaming,
			SupportsVision:    snapshot.SupportsVision,
			Format:            snapshot.Format,
		},
		APIKey:      snapshot.APIKey,
		Messages:    msgs,
		Model:       snapshot.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	return call, adapter, nil
}

func tagCustom(res *providers.Result, call *providers.Call) *providers.Result {
	if res == nil {
		return nil
	}
	res.Custom = true
	res.Provider = strings.TrimPrefix(call.Descriptor.ID, "custom:")
	return res
}

// replaceLocked installs next for userID (nil removes it) and persists the
// mapping. The previous entry is restored when the save fails.
func (m *Manager) replaceLocked(ctx context.Context, userID string, next *Config) error {
	prev, had := m.configs[userID]
	if next == nil {
		delete(m.configs, userID)
	} else {
		m.configs[userID] = next
	}
	if err := m.persistLocked(ctx); err != nil {
		if had {
			m.configs[userID] = prev
		} else {
			delete(m.configs, userID)
		}
		return err
	}
	return nil
}

// persistLocked writes the whole mapping. The caller holds m.mu.
func (m *Manager) persistLocked(ctx context.Context) error {
	out := make(map[string]Config, len(m.configs))
	for user, cfg := range m.configs {
		out[user] = *cfg
	}
	if err := m.store.Save(ctx, out); err != nil {
		m.log.ErrorContext(ctx, "custom_providers_save_failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

func masked(cfg *Config) *Config {
	cp := *cfg
	cp.APIKey = ""
	if cfg.LastUsed != nil {
		t := *cfg.LastUsed
		cp.LastUsed = &t
	}
	return &cp
}
