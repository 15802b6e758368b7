// Package openai implements the OpenAI-compatible chat-completions format
// used by Groq, OpenRouter, Cerebras, Mistral and most custom backends.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/providers/rest"
	"github.com/nulpointcorp/multillm/internal/stream"
)

const topP = 0.9

type Adapter struct {
	httpClient *http.Client
	rest       *resty.Client
}

type Option func(*Adapter)

// WithHTTPClient sets the client used for both SDK and streaming requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, o := range opts {
		o(a)
	}
	if a.httpClient == nil {
		a.httpClient = providers.NewHTTPClient(true)
	}
	a.rest = rest.New(a.httpClient)
	return a
}

func (a *Adapter) Format() providers.Format { return providers.FormatOpenAI }

// Chat sends a non-streaming completion. A 429 is retried once with the
// descriptor's fallback model.
func (a *Adapter) Chat(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	return providers.ChatWithFallback(ctx, call, providers.IsRateLimited,
		func(ctx context.Context, model string) (*providers.Result, error) {
			return a.complete(ctx, call, model)
		})
}

func (a *Adapter) complete(ctx context.Context, call *providers.Call, model string) (*providers.Result, error) {
	client := openaiSDK.NewClient(
		option.WithBaseURL(call.Descriptor.BaseURL),
		option.WithAPIKey(call.APIKey),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(0),
	)

	resp, err := client.Chat.Completions.New(ctx, buildParams(call, model))
	if err != nil {
		return nil, toProviderError(call.Descriptor.ID, err)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", call.Descriptor.ID, providers.ErrEmptyResponse)
	}

	return &providers.Result{
		Success:  true,
		Text:     text,
		Provider: call.Descriptor.ID,
		Model:    model,
		Tokens: providers.Tokens{
			"prompt_tokens":     int(resp.Usage.PromptTokens),
			"completion_tokens": int(resp.Usage.CompletionTokens),
			"total_tokens":      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func buildParams(call *providers.Call, model string) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(call.Messages))
	for _, m := range call.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       model,
		Temperature: openaiSDK.Float(call.Temperature),
		TopP:        openaiSDK.Float(topP),
	}
	if call.MaxTokens > 0 {
		params.MaxTokens = openaiSDK.Int(int64(call.MaxTokens))
	}
	return params
}

type (
	streamRequest struct {
		Model       string              `json:"model"`
		Messages    []providers.Message `json:"messages"`
		MaxTokens   int                 `json:"max_tokens,omitempty"`
		Temperature float64             `json:"temperature"`
		TopP        float64             `json:"top_p"`
		Stream      bool                `json:"stream"`
	}

	streamChunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
)

// Stream posts with stream=true and decodes choices[0].delta.content from
// every SSE frame. A 429 before the first byte falls back like Chat.
func (a *Adapter) Stream(
	ctx context.Context,
	call *providers.Call,
	onToken func(string),
) (*providers.Result, error) {
	return providers.ChatWithFallback(ctx, call, providers.IsRateLimited,
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
	body, err := rest.PostStream(ctx, a.rest, id,
		strings.TrimRight(call.Descriptor.BaseURL, "/")+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + call.APIKey},
		streamRequest{
			Model:       model,
			Messages:    call.Messages,
			MaxTokens:   call.MaxTokens,
			Temperature: call.Temperature,
			TopP:        topP,
			Stream:      true,
		})
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var (
		text   strings.Builder
		tokens = providers.Tokens{}
	)
	st, err := stream.ReadSSE(body, func(c *streamChunk) error {
		if c.Error != nil {
			return &providers.ProviderError{Provider: id, Message: c.Error.Message, Type: c.Error.Type}
		}
		if c.Usage != nil {
			tokens["prompt_tokens"] = c.Usage.PromptTokens
			tokens["completion_tokens"] = c.Usage.CompletionTokens
			tokens["total_tokens"] = c.Usage.TotalTokens
		}
		if len(c.Choices) == 0 || c.Choices[0].Delta.Content == "" {
			return nil
		}
		delta := c.Choices[0].Delta.Content
		text.WriteString(delta)
		onToken(delta)
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

func toProviderError(provider string, err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider:   provider,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "openai_error",
		}
	}
	return fmt.Errorf("%s: %w", provider, err)
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case providers.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case providers.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
