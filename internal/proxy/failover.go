package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/multillm/internal/custom"
	"github.com/nulpointcorp/multillm/internal/providers"
)

// ExhaustedText is the user-facing answer when no backend could serve a
// request.
const ExhaustedText = "Desculpe, nenhum provider de IA está disponível no momento. " +
	"Tente novamente em alguns instantes."

// Options tunes one Chat or ChatStream call. The zero value dispatches over
// the default chain with each backend's own model and token ceiling.
type Options struct {
	// MaxTokens of 0 means the backend ceiling; larger values are clamped.
	MaxTokens int

	// Temperature defaults to providers.DefaultTemperature when nil.
	Temperature *float64

	// Model applies to the attempt against Provider only.
	Model string

	// Provider is tried first regardless of order or cooldown.
	Provider string

	// UserID selects the caller's provider override.
	UserID string
}

// dispatchState carries what a streaming dispatch already tried, so the
// synchronous fallback does not repeat a round trip.
type dispatchState struct {
	skipCustom bool
	tried      map[string]bool
	route      string
}

// Chat answers msgs from the first backend that succeeds. Provider failures
// are absorbed: when every candidate fails the Result has Success=false and
// Text=ExhaustedText. The returned error is reserved for programming errors
// (ErrUnknownProvider, ErrUnknownFormat).
func (g *Gateway) Chat(ctx context.Context, msgs []providers.Message, opts Options) (*providers.Result, error) {
	return g.dispatch(ctx, msgs, opts, dispatchState{route: "chat"})
}

func (g *Gateway) dispatch(
	ctx context.Context,
	msgs []providers.Message,
	opts Options,
	st dispatchState,
) (*providers.Result, error) {
	// 1. Per-user override.
	if !st.skipCustom && g.custom != nil && g.custom.HasCustomProvider(opts.UserID) {
		if res, ok := g.callCustom(ctx, msgs, opts); ok {
			return res, nil
		}
	}

	// 2. Explicitly requested provider.
	explicit := ""
	if opts.Provider != "" {
		d, ok := g.registry.Lookup(opts.Provider, g.env)
		if !ok {
			return nil, fmt.Errorf("%w: %q", providers.ErrUnknownProvider, opts.Provider)
		}
		explicit = d.ID

		switch {
		case st.tried[d.ID]:
		case !providers.Configured(d, g.env):
			g.log.WarnContext(ctx, "provider_not_configured",
				slog.String("provider", d.ID),
				slog.String("error", (&providers.ConfigurationError{Provider: d.ID, Env: d.CredentialEnv}).Error()),
			)
		default:
			model := d.Model
			if opts.Model != "" {
				model = opts.Model
			}
			res, err := g.attempt(ctx, d, msgs, opts, model, st.route)
			if err == nil {
				return res, nil
			}
			if errors.Is(err, providers.ErrUnknownFormat) {
				return nil, err
			}
			if ctx.Err() != nil {
				return g.exhausted(ctx, st.route, ctx.Err()), nil
			}
			g.setCooldown(ctx, d.ID, err)
		}
	}

	// 3. Priority chain.
	for _, d := range g.registry.Resolve(g.order, g.env) {
		if d.ID == explicit || st.tried[d.ID] {
			continue
		}
		if g.cb.IsInCooldown(d.ID) {
			g.skipCooldown(ctx, d.ID)
			continue
		}

		res, err := g.attempt(ctx, d, msgs, opts, d.Model, st.route)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, providers.ErrUnknownFormat) {
			return nil, err
		}
		if ctx.Err() != nil {
			return g.exhausted(ctx, st.route, ctx.Err()), nil
		}
		g.setCooldown(ctx, d.ID, err)
	}

	return g.exhausted(ctx, st.route, providers.ErrExhausted), nil
}

// attempt makes one synchronous call against d. A nil error means a
// non-empty answer.
func (g *Gateway) attempt(
	ctx context.Context,
	d providers.Descriptor,
	msgs []providers.Message,
	opts Options,
	model string,
	route string,
) (*providers.Result, error) {
	adapter, err := g.registry.Adapter(d.Format)
	if err != nil {
		return nil, err
	}

	call := g.buildCall(d, msgs, opts, model)

	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout(d))
	defer cancel()

	start := time.Now()
	res, err := adapter.Chat(attemptCtx, call)
	dur := time.Since(start)

	if err == nil && (res == nil || res.Text == "") {
		err = fmt.Errorf("%s: %w", d.ID, providers.ErrEmptyResponse)
	}
	if err != nil {
		reason := providers.Classify(err)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(d.ID, route, reason, dur)
		}
		g.log.WarnContext(ctx, "provider_attempt_failed",
			slog.String("provider", d.ID),
			slog.String("model", model),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	res.Success = true
	res.Provider = d.ID
	if res.Model == "" {
		res.Model = model
	}
	g.cb.Clear(d.ID)
	g.noteDowngrade(ctx, d, model, res.Model)

	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(d.ID, route, "success", dur)
		g.metrics.RecordServed(d.ID, route, false)
		g.metrics.AddTokens(d.ID, route, res.Tokens.Total())
	}
	g.log.DebugContext(ctx, "provider_attempt_ok",
		slog.String("provider", d.ID),
		slog.String("model", res.Model),
		slog.Int("tokens", res.Tokens.Total()),
		slog.Int64("latency_ms", dur.Milliseconds()),
	)
	return res, nil
}

// callCustom runs the caller's override. ok is false when the dispatch must
// fall through to the built-in chain.
func (g *Gateway) callCustom(ctx context.Context, msgs []providers.Message, opts Options) (*providers.Result, bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	start := time.Now()
	res, err := g.custom.CallCustomProvider(attemptCtx, opts.UserID, msgs, customOptions(opts))
	if err == nil && (res == nil || res.Text == "") {
		err = providers.ErrEmptyResponse
	}
	if err != nil {
		g.customFailed(ctx, opts.UserID, err, time.Since(start))
		return nil, false
	}

	res.Success = true
	g.customSucceeded(ctx, opts.UserID, res, "chat", time.Since(start))
	return res, true
}

func (g *Gateway) customSucceeded(ctx context.Context, userID string, res *providers.Result, route string, dur time.Duration) {
	if err := g.custom.TrackUsage(ctx, userID, res.Tokens.Total()); err != nil {
		g.log.WarnContext(ctx, "custom_usage_not_tracked",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	if g.metrics != nil {
		g.metrics.RecordCustomCall(res.Provider, "success")
		g.metrics.RecordServed(res.Provider, route, true)
		g.metrics.AddTokens(res.Provider, route, res.Tokens.Total())
	}
	g.log.InfoContext(ctx, "custom_provider_used",
		slog.String("user_id", userID),
		slog.String("provider", res.Provider),
		slog.String("model", res.Model),
		slog.Int64("latency_ms", dur.Milliseconds()),
	)
}

func (g *Gateway) customFailed(ctx context.Context, userID string, err error, dur time.Duration) {
	provider := "unknown"
	if cfg, ok := g.custom.GetCustomProvider(userID); ok {
		provider = cfg.ProviderID
	}
	if g.metrics != nil {
		g.metrics.RecordCustomCall(provider, providers.Classify(err))
	}
	g.log.WarnContext(ctx, "custom_provider_failed",
		slog.String("user_id", userID),
		slog.String("provider", provider),
		slog.Int64("latency_ms", dur.Milliseconds()),
		slog.String("error", err.Error()),
	)
}

func (g *Gateway) skipCooldown(ctx context.Context, provider string) {
	if g.metrics != nil {
		g.metrics.RecordCooldownSkip(provider)
	}
	g.log.DebugContext(ctx, "provider_in_cooldown",
		slog.String("provider", provider),
		slog.Duration("remaining", g.cb.Remaining(provider)),
	)
}

func (g *Gateway) noteDowngrade(ctx context.Context, d providers.Descriptor, requested, served string) {
	if d.FallbackModel == "" || requested == d.FallbackModel || served != d.FallbackModel {
		return
	}
	if g.metrics != nil {
		g.metrics.RecordDowngrade(d.ID, requested, served)
	}
	g.log.InfoContext(ctx, "model_downgraded",
		slog.String("provider", d.ID),
		slog.String("from", requested),
		slog.String("to", served),
	)
}

func (g *Gateway) exhausted(ctx context.Context, route string, cause error) *providers.Result {
	if g.metrics != nil {
		g.metrics.RecordExhausted(route)
	}
	g.log.ErrorContext(ctx, "providers_exhausted",
		slog.String("route", route),
		slog.String("reason", cause.Error()),
		slog.Any("cooling_down", g.cb.Active()),
	)
	return &providers.Result{
		Success: false,
		Text:    ExhaustedText,
		Error:   cause.Error(),
	}
}

func (g *Gateway) buildCall(d providers.Descriptor, msgs []providers.Message, opts Options, model string) *providers.Call {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 || (d.MaxTokens > 0 && maxTokens > d.MaxTokens) {
		maxTokens = d.MaxTokens
	}
	temperature := providers.DefaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	apiKey := ""
	if !d.Local() {
		apiKey = g.env(d.CredentialEnv)
	}
	return &providers.Call{
		Descriptor:  d,
		APIKey:      apiKey,
		Messages:    msgs,
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
}

func customOptions(opts Options) custom.CallOptions {
	return custom.CallOptions{MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}
}
