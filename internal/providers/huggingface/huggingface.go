// Package huggingface implements the Hugging Face Inference API text
// generation format. Conversations are flattened into a single prompt with
// chat-template markers. Streaming is not supported.
package huggingface

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/providers/rest"
)

type Adapter struct {
	rest *resty.Client
}

type Option func(*adapterOptions)

type adapterOptions struct {
	httpClient *http.Client
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *adapterOptions) { o.httpClient = c }
}

func New(opts ...Option) *Adapter {
	var o adapterOptions
	for _, fn := range opts {
		fn(&o)
	}
	return &Adapter{rest: rest.New(o.httpClient)}
}

func (a *Adapter) Format() providers.Format { return providers.FormatHuggingFace }

type (
	request struct {
		Inputs     string     `json:"inputs"`
		Parameters parameters `json:"parameters"`
	}

	parameters struct {
		MaxNewTokens   int     `json:"max_new_tokens,omitempty"`
		Temperature    float64 `json:"temperature"`
		ReturnFullText bool    `json:"return_full_text"`
	}

	generation struct {
		GeneratedText string `json:"generated_text"`
	}
)

// Chat posts the flattened prompt. A 429 is retried once with the
// fallback model.
func (a *Adapter) Chat(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	return providers.ChatWithFallback(ctx, call, providers.IsRateLimited,
		func(ctx context.Context, model string) (*providers.Result, error) {
			return a.generate(ctx, call, model)
		})
}

func (a *Adapter) generate(ctx context.Context, call *providers.Call, model string) (*providers.Result, error) {
	id := call.Descriptor.ID
	endpoint := strings.TrimRight(call.Descriptor.BaseURL, "/") + "/models/" + escapeModel(model)

	resp, err := a.rest.R().
		SetContext(ctx).
		SetAuthToken(call.APIKey).
		SetHeader("Content-Type", "application/json").
		SetBody(request{
			Inputs: Prompt(call.Messages),
			Parameters: parameters{
				MaxNewTokens: call.MaxTokens,
				Temperature:  call.Temperature,
			},
		}).
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if err := rest.CheckResponse(id, resp); err != nil {
		return nil, err
	}

	text, err := parseGeneratedText(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", id, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", id, providers.ErrEmptyResponse)
	}

	return &providers.Result{
		Success:  true,
		Text:     text,
		Provider: id,
		Model:    model,
		Tokens:   providers.Tokens{},
	}, nil
}

// Prompt flattens a conversation into the Zephyr-style chat template
// understood by most instruction-tuned models on the Inference API.
func Prompt(msgs []providers.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		switch strings.ToLower(m.Role) {
		case providers.RoleSystem, "developer":
			sb.WriteString("<|system|>\n")
		case providers.RoleAssistant:
			sb.WriteString("<|assistant|>\n")
		default:
			sb.WriteString("<|user|>\n")
		}
		sb.WriteString(m.Content)
		sb.WriteString("</s>\n")
	}
	sb.WriteString("<|assistant|>\n")
	return sb.String()
}

// parseGeneratedText accepts both [{"generated_text":..}] and
// {"generated_text":..}.
func parseGeneratedText(body []byte) (string, error) {
	var list []generation
	if err := json.Unmarshal(body, &list); err == nil {
		if len(list) == 0 {
			return "", nil
		}
		return list[0].GeneratedText, nil
	}
	var single generation
	if err := json.Unmarshal(body, &single); err != nil {
		return "", err
	}
	return single.GeneratedText, nil
}

// escapeModel keeps the owner/name separator while escaping each segment.
func escapeModel(model string) string {
	parts := strings.Split(model, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
