// Package ollama implements the local Ollama /api/chat format, both
// buffered and NDJSON streaming.
package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/providers/rest"
	"github.com/nulpointcorp/multillm/internal/stream"
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

func (a *Adapter) Format() providers.Format { return providers.FormatOllama }

type (
	chatRequest struct {
		Model    string              `json:"model"`
		Messages []providers.Message `json:"messages"`
		Stream   bool                `json:"stream"`
		Options  options             `json:"options"`
	}

	options struct {
		NumPredict  int     `json:"num_predict,omitempty"`
		Temperature float64 `json:"temperature"`
	}

	chatResponse struct {
		Model   string `json:"model"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		Done            bool   `json:"done"`
		PromptEvalCount int    `json:"prompt_eval_count"`
		EvalCount       int    `json:"eval_count"`
		Error           string `json:"error"`
	}
)

func buildRequest(call *providers.Call, model string, streaming bool) chatRequest {
	return chatRequest{
		Model:    model,
		Messages: call.Messages,
		Stream:   streaming,
		Options: options{
			NumPredict:  call.MaxTokens,
			Temperature: call.Temperature,
		},
	}
}

func endpoint(call *providers.Call) string {
	return strings.TrimRight(call.Descriptor.BaseURL, "/") + "/api/chat"
}

// Chat posts a non-streaming request. Any non-2xx answer (usually a missing
// model) is retried once with the fallback model.
func (a *Adapter) Chat(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	return providers.ChatWithFallback(ctx, call, providers.IsNotOK,
		func(ctx context.Context, model string) (*providers.Result, error) {
			return a.chat(ctx, call, model)
		})
}

func (a *Adapter) chat(ctx context.Context, call *providers.Call, model string) (*providers.Result, error) {
	id := call.Descriptor.ID

	var out chatResponse
	resp, err := a.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(buildRequest(call, model, false)).
		Post(endpoint(call))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if err := rest.CheckResponse(id, resp); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", id, err)
	}
	if out.Error != "" {
		return nil, &providers.ProviderError{Provider: id, Message: out.Error, Type: "ollama_error"}
	}

	text := out.Message.Content
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", id, providers.ErrEmptyResponse)
	}

	return &providers.Result{
		Success:  true,
		Text:     text,
		Provider: id,
		Model:    model,
		Tokens: providers.Tokens{
			"prompt_eval_count": out.PromptEvalCount,
			"eval_count":        out.EvalCount,
		},
	}, nil
}

// Stream posts with stream=true and reads one JSON object per line.
func (a *Adapter) Stream(
	ctx context.Context,
	call *providers.Call,
	onToken func(string),
) (*providers.Result, error) {
	return providers.ChatWithFallback(ctx, call, providers.IsNotOK,
		func(ctx context.Context, model string) (*providers.Result, error) {
			return a.stream(ctx, call, model, onToken)
		})
}

func (a *Adapter) stream(
	ctx context.Context,
	call *providers.Call,
	model string,
	onToken func(string),
) (*providers.Result, error) {
	id := call.Descriptor.ID
	body, err := rest.PostStream(ctx, a.rest, id, endpoint(call), nil, buildRequest(call, model, true))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var (
		text   strings.Builder
		tokens = providers.Tokens{}
	)
	st, err := stream.ReadNDJSON(body, func(f *chatResponse) error {
		if f.Error != "" {
			return &providers.ProviderError{Provider: id, Message: f.Error, Type: "ollama_error"}
		}
		if f.Done {
			tokens["prompt_eval_count"] = f.PromptEvalCount
			tokens["eval_count"] = f.EvalCount
		}
		if f.Message.Content == "" {
			return nil
		}
		text.WriteString(f.Message.Content)
		onToken(f.Message.Content)
		return nil
	})

	res := &providers.Result{
		Success:       err == nil,
		Text:          text.String(),
		Provider:      id,
		Model:         model,
		Tokens:        tokens,
		DroppedFrames: st.Malformed,
	}
	if err != nil {
		return res, fmt.Errorf("%s: stream: %w", id, err)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("%s: %w", id, providers.ErrEmptyResponse)
	}
	return res, nil
}
