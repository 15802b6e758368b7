package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/multillm/internal/custom"
	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/pkg/apierr"
)

const userIDHeader = "X-User-ID"

type (
	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// chatRequest is the body of POST /v1/chat and /v1/chat/stream.
	chatRequest struct {
		Messages    []chatMessage `json:"messages"`
		Provider    string        `json:"provider,omitempty"`
		Model       string        `json:"model,omitempty"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
		Temperature *float64      `json:"temperature,omitempty"`
		UserID      string        `json:"user_id,omitempty"`
	}

	tokenEvent struct {
		Text string `json:"text"`
	}

	doneEvent struct {
		Text string `json:"text"`
		StreamMeta
	}

	validateRequest struct {
		APIKey  string `json:"api_key"`
		BaseURL string `json:"base_url,omitempty"`
		Model   string `json:"model,omitempty"`
	}

	modelRequest struct {
		Model string `json:"model"`
	}
)

// instrument wraps h with in-flight and request metrics. Streaming routes
// are observed when the handler returns, before the body is written.
func (g *Gateway) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.metrics == nil {
			h(ctx)
			return
		}
		start := time.Now()
		reqBytes := len(ctx.PostBody())
		g.metrics.IncInFlight()
		defer func() {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes)
		}()
		h(ctx)
	}
}

// handleChat answers POST /v1/chat with the dispatch Result. An exhausted
// dispatch is answered with 503 and the same body.
func (g *Gateway) handleChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestIDFrom(ctx)

	var req chatRequest
	if !decodeJSON(ctx, &req) {
		return
	}
	msgs, err := toMessages(req.Messages)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	userID := userIDFrom(ctx, req.UserID)
	if !g.allow(ctx, userID) {
		return
	}

	res, err := g.Chat(ctx, msgs, req.options(userID))
	if err != nil {
		g.writeDispatchError(ctx, err)
		return
	}

	status := fasthttp.StatusOK
	if !res.Success {
		status = fasthttp.StatusServiceUnavailable
		ctx.Response.Header.Set("Retry-After", "60")
	}
	writeJSONStatus(ctx, status, res)
	g.logRequest(reqID, userID, res, time.Since(start), status, false)
}

// handleChatStream answers POST /v1/chat/stream as Server-Sent Events:
// one "token" event per delta and a final "done" event carrying the full
// text and StreamMeta.
func (g *Gateway) handleChatStream(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestIDFrom(ctx)

	var req chatRequest
	if !decodeJSON(ctx, &req) {
		return
	}
	msgs, err := toMessages(req.Messages)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	if req.Provider != "" {
		if _, ok := g.registry.Lookup(req.Provider, g.env); !ok {
			g.writeDispatchError(ctx, fmt.Errorf("%w: %q", providers.ErrUnknownProvider, req.Provider))
			return
		}
	}
	userID := userIDFrom(ctx, req.UserID)
	if !g.allow(ctx, userID) {
		return
	}
	opts := req.options(userID)

	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		streamCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)
		defer cancel()

		sse := &sseWriter{w: w, cancel: cancel}
		err := g.ChatStream(streamCtx, msgs,
			func(tok string) { sse.event("token", tokenEvent{Text: tok}) },
			func(text string, meta StreamMeta) {
				sse.event("done", doneEvent{Text: text, StreamMeta: meta})
				g.logStream(reqID, userID, text, meta, time.Since(start))
			},
			opts,
		)
		if err != nil {
			g.log.ErrorContext(streamCtx, "stream_dispatch_error",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
			sse.event("error", apierr.APIError{Message: err.Error(), Type: apierr.TypeServerError, Code: apierr.CodeInternalError})
		}
	})
}

func (g *Gateway) handleProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"providers": g.GetProvidersStatus()})
}

// handleActiveProvider reports the backend automatic selection would try
// first; "provider" is null when none is available.
func (g *Gateway) handleActiveProvider(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"provider": g.GetActiveProvider()})
}

func (g *Gateway) handleCustomCatalog(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"providers": custom.ListAvailableProviders()})
}

func (g *Gateway) handleCustomInfo(ctx *fasthttp.RequestCtx) {
	id := pathParam(ctx, "id")
	info, ok := custom.GetProviderInfo(id)
	if !ok {
		apierr.WriteNotFound(ctx, fmt.Sprintf("unknown custom provider %q", id))
		return
	}
	writeJSON(ctx, info)
}

func (g *Gateway) handleValidateKey(ctx *fasthttp.RequestCtx) {
	if !g.customEnabled(ctx) {
		return
	}
	var req validateRequest
	if !decodeJSON(ctx, &req) {
		return
	}
	v, err := g.custom.ValidateAPIKey(ctx, pathParam(ctx, "id"), req.APIKey, req.BaseURL, req.Model)
	if err != nil {
		writeCustomError(ctx, err)
		return
	}
	writeJSON(ctx, v)
}

func (g *Gateway) handleGetUserProvider(ctx *fasthttp.RequestCtx) {
	if !g.customEnabled(ctx) {
		return
	}
	cfg, ok := g.custom.GetCustomProvider(pathParam(ctx, "user"))
	if !ok {
		writeCustomError(ctx, custom.ErrNotConfigured)
		return
	}
	writeJSON(ctx, cfg)
}

// handleSetupUserProvider validates the key upstream before storing it. A
// rate-limited key is accepted.
func (g *Gateway) handleSetupUserProvider(ctx *fasthttp.RequestCtx) {
	if !g.customEnabled(ctx) {
		return
	}
	var setup custom.Setup
	if !decodeJSON(ctx, &setup) {
		return
	}
	userID := pathParam(ctx, "user")

	v, err := g.custom.ValidateAPIKey(ctx, setup.ProviderID, setup.APIKey, setup.BaseURL, setup.Model)
	if err != nil {
		writeCustomError(ctx, err)
		return
	}
	if !v.Valid {
		apierr.Write(ctx, fasthttp.StatusBadRequest, v.Message, apierr.TypeInvalidRequest, apierr.CodeInvalidAPIKey)
		return
	}

	cfg, err := g.custom.SetupProvider(ctx, userID, setup)
	if err != nil {
		writeCustomError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]any{"provider": cfg, "validation": v})
}

func (g *Gateway) handleRemoveUserProvider(ctx *fasthttp.RequestCtx) {
	if !g.customEnabled(ctx) {
		return
	}
	if err := g.custom.RemoveProvider(ctx, pathParam(ctx, "user")); err != nil {
		writeCustomError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (g *Gateway) handleToggleUserProvider(ctx *fasthttp.RequestCtx) {
	if !g.customEnabled(ctx) {
		return
	}
	enabled, err := g.custom.ToggleProvider(ctx, pathParam(ctx, "user"))
	if err != nil {
		writeCustomError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]bool{"enabled": enabled})
}

func (g *Gateway) handleSetUserModel(ctx *fasthttp.RequestCtx) {
	if !g.customEnabled(ctx) {
		return
	}
	var req modelRequest
	if !decodeJSON(ctx, &req) {
		return
	}
	userID := pathParam(ctx, "user")
	if err := g.custom.SetModel(ctx, userID, req.Model); err != nil {
		writeCustomError(ctx, err)
		return
	}
	cfg, _ := g.custom.GetCustomProvider(userID)
	writeJSON(ctx, cfg)
}

// allow applies the per-user RPM limit. It writes the 429 itself and
// reports whether the request may proceed. Limiter errors fail open.
func (g *Gateway) allow(ctx *fasthttp.RequestCtx, userID string) bool {
	if g.rpmLimiter == nil {
		return true
	}
	key := userID
	if key == "" {
		key = ctx.RemoteIP().String()
	}
	allowed, err := g.rpmLimiter.Allow(ctx, key)
	result := "allowed"
	switch {
	case err != nil:
		result = "error"
		g.log.WarnContext(ctx, "rate_limit_error", slog.String("error", err.Error()))
	case !allowed:
		result = "blocked"
	}
	if g.metrics != nil {
		g.metrics.RecordRateLimit(result)
	}
	if !allowed {
		g.log.WarnContext(ctx, "rate_limit_exceeded",
			slog.String("request_id", requestIDFrom(ctx)),
			slog.String("key", key),
		)
		apierr.WriteRateLimit(ctx)
		return false
	}
	return true
}

func (g *Gateway) customEnabled(ctx *fasthttp.RequestCtx) bool {
	if g.custom != nil {
		return true
	}
	apierr.Write(ctx, fasthttp.StatusNotImplemented,
		"custom providers are disabled", apierr.TypeInvalidRequest, apierr.CodeNotImplemented)
	return false
}

// writeDispatchError maps the programming errors Chat and ChatStream can
// return.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, providers.ErrUnknownProvider) {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, apierr.CodeUnknownProvider)
		return
	}
	g.log.ErrorContext(ctx, "dispatch_error",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
}

func (g *Gateway) logStream(reqID, userID, text string, meta StreamMeta, latency time.Duration) {
	status := fasthttp.StatusOK
	if !meta.Success {
		status = fasthttp.StatusServiceUnavailable
	}
	g.logRequest(reqID, userID, &providers.Result{
		Success:  meta.Success,
		Text:     text,
		Provider: meta.Provider,
		Model:    meta.Model,
		Tokens:   meta.Tokens,
		Error:    meta.Error,
		Custom:   meta.Custom,
	}, latency, status, true)
}

func writeCustomError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, custom.ErrNotConfigured):
		apierr.WriteNotFound(ctx, err.Error())
	case errors.Is(err, custom.ErrUnknownProvider),
		errors.Is(err, custom.ErrAPIKeyRequired),
		errors.Is(err, custom.ErrBaseURLRequired),
		errors.Is(err, custom.ErrModelRequired):
		apierr.WriteBadRequest(ctx, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		var sc providers.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func (r chatRequest) options(userID string) Options {
	return Options{
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		Model:       r.Model,
		Provider:    r.Provider,
		UserID:      userID,
	}
}

func toMessages(in []chatMessage) ([]providers.Message, error) {
	if len(in) == 0 {
		return nil, errors.New("field 'messages' is required")
	}
	out := make([]providers.Message, len(in))
	for i, m := range in {
		switch m.Role {
		case providers.RoleSystem, providers.RoleUser, providers.RoleAssistant:
		default:
			return nil, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out, nil
}

func decodeJSON(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	id, _ := ctx.UserValue(requestIDKey).(string)
	return id
}

// userIDFrom prefers the X-User-ID header over the body field.
func userIDFrom(ctx *fasthttp.RequestCtx, fromBody string) string {
	if h := string(ctx.Request.Header.Peek(userIDHeader)); h != "" {
		return h
	}
	return fromBody
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}

func setSSEHeaders(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)
}

// sseWriter writes events until the client goes away, then cancels the
// upstream stream and drops further writes.
type sseWriter struct {
	w      *bufio.Writer
	cancel context.CancelFunc
	broken bool
}

func (s *sseWriter) event(name string, v any) {
	data, _ := json.Marshal(v)
	if name == "" {
		s.write("data: %s\n\n", data)
		return
	}
	s.write("event: "+name+"\ndata: %s\n\n", data)
}

func (s *sseWriter) write(format string, args ...any) {
	if s.broken {
		return
	}
	if _, err := fmt.Fprintf(s.w, format, args...); err != nil {
		s.fail()
		return
	}
	if err := s.w.Flush(); err != nil {
		s.fail()
	}
}

func (s *sseWriter) fail() {
	s.broken = true
	s.cancel()
}
