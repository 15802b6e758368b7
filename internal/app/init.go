package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/multillm/internal/config"
	"github.com/nulpointcorp/multillm/internal/custom"
	"github.com/nulpointcorp/multillm/internal/logger"
	"github.com/nulpointcorp/multillm/internal/metrics"
	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/proxy"
	"github.com/nulpointcorp/multillm/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required for CUSTOM_STORE=redis or RPM_LIMIT>0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.RPMLimit > 0 && a.cfg.Redis.URL == "" {
		a.log.Warn("rate limiting disabled: REDIS_URL not set",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}
	if !a.cfg.NeedsRedis() {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProviders builds the provider registry. Providers without credentials
// stay registered and are skipped at dispatch time, so a key set later is
// picked up without a restart.
func (a *App) initProviders(_ context.Context) error {
	a.httpClient = providers.NewHTTPClient(a.cfg.HTTPPooling)
	a.registry = buildRegistry(a.httpClient)

	env := a.cfg.Env()
	var configured []string
	for _, id := range a.registry.IDs() {
		if d, ok := a.registry.Lookup(id, env); ok && providers.Configured(d, env) {
			configured = append(configured, id)
		}
	}
	if len(configured) == 0 {
		a.log.Warn("no provider credentials configured; every request will be answered with the fallback text")
	}
	a.log.Info("providers loaded",
		slog.Any("registered", a.registry.IDs()),
		slog.Any("configured", configured),
		slog.Bool("http_pooling", a.cfg.HTTPPooling),
	)

	return nil
}

// initServices creates the Prometheus metrics registry and the usage log.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	l, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("usage log: %w", err)
	}
	a.reqLogger = l

	return nil
}

// initCustom opens the override store and loads every user's mapping.
func (a *App) initCustom(ctx context.Context) error {
	switch a.cfg.CustomStore.Mode {
	case config.StoreRedis:
		a.store = custom.NewRedisStore(a.rdb, a.cfg.CustomStore.RedisKey)
		a.log.Info("custom store: redis", slog.String("key", a.cfg.CustomStore.RedisKey))
	case config.StoreFile:
		a.store = custom.NewFileStore(a.cfg.CustomStore.Path)
		a.log.Info("custom store: file", slog.String("path", a.cfg.CustomStore.Path))
	case config.StoreMemory:
		a.store = custom.NewMemoryStore()
		a.log.Info("custom store: memory (in-process)")
	default:
		return fmt.Errorf("unknown custom store: %s", a.cfg.CustomStore.Mode)
	}

	m, err := custom.NewManager(ctx, a.store, a.registry, custom.Options{
		Logger:     a.log,
		HTTPClient: a.httpClient,
	})
	if err != nil {
		return fmt.Errorf("load overrides: %w", err)
	}
	a.custom = m

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:               a.log,
		Metrics:              a.prom,
		Env:                  a.cfg.Env(),
		ProviderTimeout:      a.cfg.Dispatch.ProviderTimeout,
		LocalProviderTimeout: a.cfg.Dispatch.LocalProviderTimeout,
		StreamTimeout:        a.cfg.Dispatch.StreamTimeout,
		CBConfig: proxy.CBConfig{
			Window: a.cfg.Dispatch.CooldownWindow,
		},
	}

	gw := proxy.NewGateway(a.baseCtx, a.registry, opts)

	gw.SetCustomProviders(a.custom)
	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Rate limiting only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	if a.cfg.CustomStore.Mode == config.StoreRedis {
		gw.SetStoreProbe(redisPinger(a.baseCtx, a.rdb))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}
