package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/multillm/internal/providers"
)

// CBConfig holds cooldown tuning parameters. Zero values fall back to the
// package-level defaults defined in providers/provider.go.
type CBConfig struct {
	// Window is how long a failed provider is skipped by automatic
	// selection. Default: providers.CooldownWindow (60s).
	Window time.Duration

	// SweepInterval is how often expired entries are purged.
	// Default: Window.
	SweepInterval time.Duration

	// Clock replaces time.Now in tests.
	Clock func() time.Time
}

func (c *CBConfig) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return providers.CooldownWindow
}

func (c *CBConfig) sweepInterval() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	return c.window()
}

func (c *CBConfig) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// CircuitBreaker is the cooldown ledger: a provider that fails is excluded
// from automatic selection until its cooldown expires. There is no failure
// threshold and no half-open probe; one failure is enough and expiry is the
// only recovery path. It is safe for concurrent use.
type CircuitBreaker struct {
	mu      sync.Mutex
	expires map[string]time.Time
	cfg     CBConfig

	done chan struct{}
	once sync.Once
}

// NewCircuitBreaker creates a ledger and starts the background sweep. The
// sweep stops when ctx is cancelled or Close is called.
func NewCircuitBreaker(ctx context.Context, cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		expires: make(map[string]time.Time),
		cfg:     cfg,
		done:    make(chan struct{}),
	}
	go cb.sweep(ctx)
	return cb
}

// SetCooldown marks provider unavailable for one window starting now.
// A repeated failure extends the cooldown.
func (cb *CircuitBreaker) SetCooldown(provider string) {
	cb.mu.Lock()
	cb.expires[provider] = cb.cfg.now().Add(cb.cfg.window())
	cb.mu.Unlock()
}

// IsInCooldown reports whether provider is currently skipped. Expired
// entries are removed lazily.
func (cb *CircuitBreaker) IsInCooldown(provider string) bool {
	return cb.Remaining(provider) > 0
}

// Remaining returns the time left on provider's cooldown, or 0.
func (cb *CircuitBreaker) Remaining(provider string) time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	exp, ok := cb.expires[provider]
	if !ok {
		return 0
	}
	left := exp.Sub(cb.cfg.now())
	if left <= 0 {
		delete(cb.expires, provider)
		return 0
	}
	return left
}

// Clear lifts provider's cooldown.
func (cb *CircuitBreaker) Clear(provider string) {
	cb.mu.Lock()
	delete(cb.expires, provider)
	cb.mu.Unlock()
}

// Active returns the providers currently in cooldown.
func (cb *CircuitBreaker) Active() []string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.cfg.now()
	out := make([]string, 0, len(cb.expires))
	for id, exp := range cb.expires {
		if exp.After(now) {
			out = append(out, id)
		}
	}
	return out
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (cb *CircuitBreaker) Close() {
	cb.once.Do(func() { close(cb.done) })
}

func (cb *CircuitBreaker) sweep(ctx context.Context) {
	ticker := time.NewTicker(cb.cfg.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cb.done:
			return
		case <-ticker.C:
			cb.purge()
		}
	}
}

// purge drops expired entries.
func (cb *CircuitBreaker) purge() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Entries are dropped once expired for a further full window.
	cutoff := cb.cfg.now().Add(-cb.cfg.window())
	for id, exp := range cb.expires {
		if !exp.After(cutoff) {
			delete(cb.expires, id)
		}
	}
}
