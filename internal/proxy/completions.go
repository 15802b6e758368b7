package proxy

import (
	"bufio"
	"context"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/pkg/apierr"
)

// OpenAI-compatible wire types for POST /v1/chat/completions.
type (
	inboundRequest struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Stream      bool          `json:"stream"`
		Temperature *float64      `json:"temperature,omitempty"`
		MaxTokens   int           `json:"max_tokens,omitempty"`
		User        string        `json:"user,omitempty"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}

	chunkDelta struct {
		Role    string `json:"role,omitempty"`
		Content string `json:"content,omitempty"`
	}

	chunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}

	outboundChunk struct {
		ID      string        `json:"id"`
		Object  string        `json:"object"`
		Created int64         `json:"created"`
		Model   string        `json:"model"`
		Choices []chunkChoice `json:"choices"`
	}
)

// handleChatCompletions serves OpenAI SDK clients. The model field selects
// the backend: "auto" or empty for automatic selection, "provider" or
// "provider/model" to target one.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID := requestIDFrom(ctx)

	var req inboundRequest
	if !decodeJSON(ctx, &req) {
		return
	}
	msgs, err := toMessages(req.Messages)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}
	provider, model, err := g.resolveTarget(req.Model)
	if err != nil {
		g.writeDispatchError(ctx, err)
		return
	}
	userID := userIDFrom(ctx, req.User)
	if !g.allow(ctx, userID) {
		return
	}

	opts := Options{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Model:       model,
		Provider:    provider,
		UserID:      userID,
	}

	if req.Stream {
		g.streamCompletions(ctx, reqID, userID, start, msgs, opts)
		return
	}

	res, err := g.Chat(ctx, msgs, opts)
	if err != nil {
		g.writeDispatchError(ctx, err)
		return
	}
	if !res.Success {
		apierr.WriteUnavailable(ctx, res.Text)
		g.logRequest(reqID, userID, res, time.Since(start), fasthttp.StatusServiceUnavailable, false)
		return
	}

	writeJSON(ctx, outboundResponse{
		ID:      "chatcmpl-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   servedModel(res.Provider, res.Model),
		Choices: []outboundChoice{{
			Message:      outboundMessage{Role: providers.RoleAssistant, Content: res.Text},
			FinishReason: "stop",
		}},
		Usage: usageFrom(res.Tokens),
	})
	g.logRequest(reqID, userID, res, time.Since(start), fasthttp.StatusOK, false)
}

// streamCompletions writes chat.completion.chunk events terminated by
// "data: [DONE]".
func (g *Gateway) streamCompletions(
	ctx *fasthttp.RequestCtx,
	reqID, userID string,
	start time.Time,
	msgs []providers.Message,
	opts Options,
) {
	setSSEHeaders(ctx)
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		streamCtx, cancel := context.WithTimeout(g.baseCtx, g.streamTimeout)
		defer cancel()

		sse := &sseWriter{w: w, cancel: cancel}
		id := "chatcmpl-" + reqID
		created := time.Now().Unix()
		chunk := func(model string, delta chunkDelta, finish *string) outboundChunk {
			return outboundChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []chunkChoice{{Delta: delta, FinishReason: finish}},
			}
		}

		first := true
		err := g.ChatStream(streamCtx, msgs,
			func(tok string) {
				delta := chunkDelta{Content: tok}
				if first {
					delta.Role = providers.RoleAssistant
					first = false
				}
				sse.event("", chunk(autoModel, delta, nil))
			},
			func(text string, meta StreamMeta) {
				stop := "stop"
				sse.event("", chunk(servedModel(meta.Provider, meta.Model), chunkDelta{}, &stop))
				g.logStream(reqID, userID, text, meta, time.Since(start))
			},
			opts,
		)
		if err != nil {
			sse.event("", map[string]any{"error": apierr.APIError{
				Message: err.Error(), Type: apierr.TypeServerError, Code: apierr.CodeInternalError,
			}})
		}
		sse.write("data: [DONE]\n\n")
	})
}

func servedModel(provider, model string) string {
	switch {
	case provider == "":
		return autoModel
	case model == "":
		return provider
	default:
		return provider + "/" + model
	}
}

// usageFrom maps the vendor-shaped token map to OpenAI usage fields.
func usageFrom(t providers.Tokens) outboundUsage {
	pick := func(keys ...string) int {
		for _, k := range keys {
			if v, ok := t[k]; ok {
				return v
			}
		}
		return 0
	}
	u := outboundUsage{
		PromptTokens:     pick("prompt_tokens", "input_tokens", "promptTokenCount", "prompt_eval_count"),
		CompletionTokens: pick("completion_tokens", "output_tokens", "candidatesTokenCount", "eval_count"),
		TotalTokens:      t.Total(),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
