// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     - external connections (Redis when needed)
//  2. initProviders - provider registry and format adapters
//  3. initServices  - metrics registry, usage log
//  4. initCustom    - per-user override store and manager
//  5. initGateway   - dispatch engine + HTTP routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/multillm/internal/config"
	"github.com/nulpointcorp/multillm/internal/custom"
	"github.com/nulpointcorp/multillm/internal/logger"
	"github.com/nulpointcorp/multillm/internal/metrics"
	"github.com/nulpointcorp/multillm/internal/providers"
	anthropicprov "github.com/nulpointcorp/multillm/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/multillm/internal/providers/gemini"
	hfprov "github.com/nulpointcorp/multillm/internal/providers/huggingface"
	ollamaprov "github.com/nulpointcorp/multillm/internal/providers/ollama"
	openaiprov "github.com/nulpointcorp/multillm/internal/providers/openai"
	"github.com/nulpointcorp/multillm/internal/proxy"
)

const shutdownTimeout = 10 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections, nil when not configured.
	rdb *redis.Client

	httpClient *http.Client
	registry   *providers.Registry

	reqLogger *logger.Logger
	prom      *metrics.Registry

	store  custom.Store
	custom *custom.Manager

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"custom", a.initCustom},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Gateway returns the dispatch engine.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	configured := 0
	for _, s := range a.gw.GetProvidersStatus() {
		if s.Configured {
			configured++
		}
	}

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("custom_store", a.cfg.CustomStore.Mode),
		slog.Int("providers_configured", configured),
		slog.Any("order", a.cfg.ProviderOrder()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.gw != nil {
			a.gw.Close()
		}
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("logger close error", slog.String("error", err.Error()))
			}
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
		if a.httpClient != nil {
			a.httpClient.CloseIdleConnections()
		}
	})
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Callers decide whether to fatal or degrade on error.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// HealthChecker. Reuses the existing client.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildRegistry registers the built-in providers and one adapter per wire
// format, all sharing hc.
func buildRegistry(hc *http.Client) *providers.Registry {
	return providers.NewDefaultRegistry(
		openaiprov.New(openaiprov.WithHTTPClient(hc)),
		anthropicprov.New(anthropicprov.WithHTTPClient(hc)),
		geminiprov.New(geminiprov.WithHTTPClient(hc)),
		hfprov.New(hfprov.WithHTTPClient(hc)),
		ollamaprov.New(ollamaprov.WithHTTPClient(hc)),
	)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
