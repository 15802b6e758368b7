package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/multillm/internal/providers"
)

// StreamMeta describes how a stream ended. It is passed to onDone exactly
// once.
type StreamMeta struct {
	Provider string           `json:"provider,omitempty"`
	Model    string           `json:"model,omitempty"`
	Tokens   providers.Tokens `json:"tokens,omitempty"`
	Custom   bool             `json:"custom,omitempty"`

	// Synthetic is set when no streaming attempt succeeded and the text came
	// from a synchronous Chat, delivered as a single token.
	Synthetic bool `json:"synthetic,omitempty"`

	// Error is set when the stream broke after tokens were delivered, or
	// when the synchronous fallback was exhausted.
	Error string `json:"error,omitempty"`

	Success bool `json:"success"`
}

// ChatStream delivers the answer to msgs incrementally. onToken is called
// synchronously for every delta and onDone exactly once with the full text.
//
// Candidates are tried in the same order as Chat, restricted to backends
// that can stream; an explicitly requested backend that cannot stream is
// called synchronously. A failure before the first token moves on to the next
// candidate; a failure after tokens were delivered ends the stream with the
// partial text and StreamMeta.Error, since replaying on another backend
// would duplicate output. When no streaming attempt succeeds the synchronous
// Chat result is delivered as one synthetic token.
//
// Like Chat, the returned error is reserved for programming errors.
func (g *Gateway) ChatStream(
	ctx context.Context,
	msgs []providers.Message,
	onToken func(string),
	onDone func(string, StreamMeta),
	opts Options,
) error {
	st := dispatchState{tried: make(map[string]bool), route: "chat_stream"}

	// 1. Per-user override.
	if g.custom != nil && g.custom.HasCustomProvider(opts.UserID) {
		st.skipCustom = true
		if g.custom.SupportsStreaming(opts.UserID) {
			if done := g.streamCustom(ctx, msgs, onToken, onDone, opts); done {
				return nil
			}
		} else if res, ok := g.callCustom(ctx, msgs, opts); ok {
			g.deliverSynthetic(ctx, res, onToken, onDone)
			return nil
		}
	}

	// 2. Explicitly requested provider.
	explicit := ""
	if opts.Provider != "" {
		d, ok := g.registry.Lookup(opts.Provider, g.env)
		if !ok {
			return fmt.Errorf("%w: %q", providers.ErrUnknownProvider, opts.Provider)
		}
		explicit = d.ID
		if providers.Configured(d, g.env) {
			model := d.Model
			if opts.Model != "" {
				model = opts.Model
			}
			st.tried[d.ID] = true
			if d.SupportsStreaming {
				done, err := g.streamAttempt(ctx, d, msgs, opts, model, onToken, onDone)
				if done || err != nil {
					return err
				}
			} else {
				res, err := g.attempt(ctx, d, msgs, opts, model, st.route)
				switch {
				case err == nil:
					g.deliverSynthetic(ctx, res, onToken, onDone)
					return nil
				case errors.Is(err, providers.ErrUnknownFormat):
					return err
				case ctx.Err() == nil:
					g.setCooldown(ctx, d.ID, err)
				}
			}
		}
	}

	// 3. Streaming-capable chain.
	for _, d := range g.registry.Resolve(g.order, g.env) {
		if ctx.Err() != nil {
			break
		}
		if d.ID == explicit || !d.SupportsStreaming {
			continue
		}
		if g.cb.IsInCooldown(d.ID) {
			g.skipCooldown(ctx, d.ID)
			continue
		}
		st.tried[d.ID] = true
		done, err := g.streamAttempt(ctx, d, msgs, opts, d.Model, onToken, onDone)
		if done || err != nil {
			return err
		}
	}

	// 4. Synchronous fallback.
	if ctx.Err() != nil {
		res := g.exhausted(ctx, st.route, ctx.Err())
		onDone("", StreamMeta{Error: res.Error})
		return nil
	}

	res, err := g.dispatch(ctx, msgs, opts, st)
	if err != nil {
		return err
	}
	g.deliverSynthetic(ctx, res, onToken, onDone)
	return nil
}

// deliverSynthetic hands a synchronous result to stream callbacks as one
// token.
func (g *Gateway) deliverSynthetic(
	ctx context.Context,
	res *providers.Result,
	onToken func(string),
	onDone func(string, StreamMeta),
) {
	if g.metrics != nil {
		g.metrics.RecordSyntheticStream()
	}
	g.log.InfoContext(ctx, "stream_synthetic",
		slog.String("provider", res.Provider),
		slog.Bool("success", res.Success),
	)
	if res.Text != "" {
		onToken(res.Text)
	}
	onDone(res.Text, StreamMeta{
		Provider:  res.Provider,
		Model:     res.Model,
		Tokens:    res.Tokens,
		Custom:    res.Custom,
		Synthetic: true,
		Error:     res.Error,
		Success:   res.Success,
	})
}

// tokenCounter wraps onToken and remembers whether anything was delivered.
type tokenCounter struct {
	next  func(string)
	count int
}

func (c *tokenCounter) onToken(s string) {
	if s == "" {
		return
	}
	c.count++
	c.next(s)
}

// streamAttempt runs one streaming call against d. done reports that onDone
// was called and the dispatch must stop.
func (g *Gateway) streamAttempt(
	ctx context.Context,
	d providers.Descriptor,
	msgs []providers.Message,
	opts Options,
	model string,
	onToken func(string),
	onDone func(string, StreamMeta),
) (done bool, err error) {
	adapter, err := g.registry.Adapter(d.Format)
	if err != nil {
		return false, err
	}
	sa, ok := adapter.(providers.StreamAdapter)
	if !ok {
		return false, nil
	}

	call := g.buildCall(d, msgs, opts, model)
	counter := &tokenCounter{next: onToken}

	attemptCtx, cancel := context.WithTimeout(ctx, g.streamTimeout)
	defer cancel()

	start := time.Now()
	res, serr := sa.Stream(attemptCtx, call, counter.onToken)
	dur := time.Since(start)

	if res != nil && g.metrics != nil {
		g.metrics.AddMalformedFrames(d.ID, res.DroppedFrames)
	}
	if g.metrics != nil {
		g.metrics.AddStreamTokens(d.ID, counter.count)
	}

	if serr == nil && (res == nil || res.Text == "") {
		serr = fmt.Errorf("%s: %w", d.ID, providers.ErrEmptyResponse)
	}

	if serr == nil {
		g.cb.Clear(d.ID)
		g.noteDowngrade(ctx, d, model, res.Model)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(d.ID, "chat_stream", "success", dur)
			g.metrics.RecordServed(d.ID, "chat_stream", false)
			g.metrics.AddTokens(d.ID, "chat_stream", res.Tokens.Total())
		}
		onDone(res.Text, StreamMeta{
			Provider: d.ID,
			Model:    res.Model,
			Tokens:   res.Tokens,
			Success:  true,
		})
		return true, nil
	}

	reason := providers.Classify(serr)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(d.ID, "chat_stream", reason, dur)
	}
	g.log.WarnContext(ctx, "stream_attempt_failed",
		slog.String("provider", d.ID),
		slog.String("model", model),
		slog.String("reason", reason),
		slog.Int("tokens_delivered", counter.count),
		slog.String("error", serr.Error()),
	)

	interrupted := ctx.Err() != nil
	if !interrupted {
		g.setCooldown(ctx, d.ID, serr)
	}

	if counter.count > 0 || interrupted {
		partial := ""
		if res != nil {
			partial = res.Text
		}
		meta := StreamMeta{Provider: d.ID, Model: model, Error: serr.Error()}
		if res != nil {
			meta.Tokens = res.Tokens
		}
		onDone(partial, meta)
		return true, nil
	}
	return false, nil
}

// streamCustom streams from the caller's override. It reports whether
// onDone was called.
func (g *Gateway) streamCustom(
	ctx context.Context,
	msgs []providers.Message,
	onToken func(string),
	onDone func(string, StreamMeta),
	opts Options,
) bool {
	counter := &tokenCounter{next: onToken}

	attemptCtx, cancel := context.WithTimeout(ctx, g.streamTimeout)
	defer cancel()

	start := time.Now()
	res, err := g.custom.StreamCustomProvider(attemptCtx, opts.UserID, msgs, customOptions(opts), counter.onToken)
	if err == nil && (res == nil || res.Text == "") {
		err = providers.ErrEmptyResponse
	}

	if err == nil {
		res.Success = true
		g.customSucceeded(ctx, opts.UserID, res, "chat_stream", time.Since(start))
		if g.metrics != nil {
			g.metrics.AddStreamTokens(res.Provider, counter.count)
		}
		onDone(res.Text, StreamMeta{
			Provider: res.Provider,
			Model:    res.Model,
			Tokens:   res.Tokens,
			Custom:   true,
			Success:  true,
		})
		return true
	}

	g.customFailed(ctx, opts.UserID, err, time.Since(start))
	if counter.count == 0 && ctx.Err() == nil {
		return false
	}

	meta := StreamMeta{Custom: true, Error: err.Error()}
	partial := ""
	if res != nil {
		partial = res.Text
		meta.Provider = res.Provider
		meta.Model = res.Model
	}
	onDone(partial, meta)
	return true
}
