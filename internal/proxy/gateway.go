// Package proxy is the dispatch engine of the gateway.
//
// A Gateway answers a chat request from the first backend that can serve
// it: the caller's own provider override when one is enabled, then an
// explicitly requested provider, then every configured provider in priority
// order. A backend that fails is put into cooldown and skipped by automatic
// selection until the cooldown expires.
//
// Key design constraints:
//   - Provider failures never reach the caller as errors; exhaustion yields
//     a Result with Success=false and a short user-facing text.
//   - Each attempt runs under its own deadline; caller cancellation stops
//     the loop without penalising the interrupted provider.
//   - Logger, metrics, rate limiter and custom providers are optional and
//     nil-safe.
package proxy

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/multillm/internal/custom"
	"github.com/nulpointcorp/multillm/internal/logger"
	"github.com/nulpointcorp/multillm/internal/metrics"
	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/ratelimit"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for dispatch events.
	// Defaults to slog.Default() when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Env looks up credentials and overrides on every call.
	// Default: os.Getenv.
	Env providers.Env

	// Order overrides LLM_PROVIDER_ORDER when non-empty.
	Order []string

	// ProviderTimeout bounds one attempt against a remote backend.
	// Default: providers.ProviderTimeout (60s).
	ProviderTimeout time.Duration

	// LocalProviderTimeout bounds one attempt against a local backend.
	// Default: providers.LocalProviderTimeout (5m).
	LocalProviderTimeout time.Duration

	// StreamTimeout bounds one streaming attempt.
	// Default: providers.StreamTimeout (5m).
	StreamTimeout time.Duration

	// CBConfig configures the cooldown ledger.
	CBConfig CBConfig
}

// Gateway is the dispatcher. All dependencies are injected so they can be
// replaced with doubles in unit tests.
type Gateway struct {
	registry *providers.Registry
	cb       *CircuitBreaker
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry
	env      providers.Env
	order    []string

	providerTimeout      time.Duration
	localProviderTimeout time.Duration
	streamTimeout        time.Duration

	// Optional dependencies, nil-safe when not configured.
	custom     *custom.Manager
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger
	storeReady func() bool

	// CORS allowed origins. Empty slice means deny all; ["*"] means allow all.
	corsOrigins []string

	srvMu sync.Mutex
	srv   *fasthttp.Server
}

// NewGateway creates a Gateway dispatching over reg. The cooldown sweep and
// health probe stop when ctx is cancelled or Close is called.
func NewGateway(ctx context.Context, reg *providers.Registry, opts GatewayOptions) *Gateway {
	if ctx == nil {
		panic("gateway: context must not be nil")
	}
	if reg == nil {
		reg = providers.NewRegistry()
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	env := opts.Env
	if env == nil {
		env = os.Getenv
	}

	gw := &Gateway{
		registry:             reg,
		cb:                   NewCircuitBreaker(ctx, opts.CBConfig),
		baseCtx:              ctx,
		log:                  log,
		metrics:              opts.Metrics,
		env:                  env,
		order:                opts.Order,
		providerTimeout:      orDefault(opts.ProviderTimeout, providers.ProviderTimeout),
		localProviderTimeout: orDefault(opts.LocalProviderTimeout, providers.LocalProviderTimeout),
		streamTimeout:        orDefault(opts.StreamTimeout, providers.StreamTimeout),
	}

	gw.health = NewHealthChecker(ctx, gw.GetProvidersStatus, gw.readiness, gw.metrics)

	return gw
}

// SetCustomProviders enables the per-user override.
func (g *Gateway) SetCustomProviders(m *custom.Manager) {
	g.custom = m
}

// SetRateLimiter injects the per-user RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async usage logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// SetStoreProbe sets the readiness probe of the override store
// (used by GET /readiness).
func (g *Gateway) SetStoreProbe(ready func() bool) {
	g.storeReady = ready
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// Custom returns the override manager, or nil when overrides are disabled.
func (g *Gateway) Custom() *custom.Manager { return g.custom }

// Close stops the background goroutines owned by the gateway.
func (g *Gateway) Close() {
	g.health.Close()
	g.cb.Close()
}

func (g *Gateway) readiness() bool {
	return g.storeReady == nil || g.storeReady()
}

// setCooldown records a failure of provider.
func (g *Gateway) setCooldown(ctx context.Context, provider string, err error) {
	g.cb.SetCooldown(provider)
	if g.metrics != nil {
		g.metrics.RecordCooldownSet(provider)
		g.metrics.SetProviderAvailable(provider, false)
	}
	g.log.WarnContext(ctx, "cooldown_set",
		slog.String("provider", provider),
		slog.String("reason", providers.Classify(err)),
		slog.Duration("window", g.cb.cfg.window()),
	)
}

func (g *Gateway) attemptTimeout(d providers.Descriptor) time.Duration {
	if d.Local() {
		return g.localProviderTimeout
	}
	return g.providerTimeout
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, userID string,
	res *providers.Result,
	latency time.Duration,
	status int,
	stream bool,
) {
	if g.reqLogger == nil || res == nil {
		return
	}

	reqUUID, err := uuid.Parse(requestID)
	if err != nil {
		reqUUID = uuid.New()
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:        reqUUID,
		UserID:    userID,
		Provider:  res.Provider,
		Model:     res.Model,
		Tokens:    uint32(res.Tokens.Total()),
		LatencyMs: uint32(latency.Milliseconds()),
		Status:    uint16(status),
		Success:   res.Success,
		Custom:    res.Custom,
		Stream:    stream,
		CreatedAt: time.Now(),
	})
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
