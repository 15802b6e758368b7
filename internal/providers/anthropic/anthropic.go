// Package anthropic implements the Anthropic Messages format. It is only
// reachable through user-configured custom backends.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/multillm/internal/providers"
)

const defaultMaxTokens = 4096

// Adapter implements providers.StreamAdapter for Anthropic (official SDK).
type Adapter struct {
	httpClient *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates an Anthropic adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, o := range opts {
		o(a)
	}
	if a.httpClient == nil {
		a.httpClient = providers.NewHTTPClient(true)
	}
	return a
}

func (a *Adapter) Format() providers.Format { return providers.FormatAnthropic }

func (a *Adapter) client(call *providers.Call) anthropic.Client {
	return anthropic.NewClient(
		option.WithAPIKey(call.APIKey),
		option.WithBaseURL(sdkBaseURL(call.Descriptor.BaseURL)),
		option.WithHTTPClient(a.httpClient),
		option.WithMaxRetries(0),
	)
}

// sdkBaseURL drops a trailing /v1 because SDK paths already start with it.
func sdkBaseURL(raw string) string {
	raw = strings.TrimRight(raw, "/")
	return strings.TrimSuffix(raw, "/v1") + "/"
}

// Chat sends one Messages request. There is no fallback model.
func (a *Adapter) Chat(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	id := call.Descriptor.ID
	c := a.client(call)
	msg, err := c.Messages.New(ctx, buildParams(call))
	if err != nil {
		return nil, toProviderError(id, err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return nil, fmt.Errorf("%s: %w", id, providers.ErrEmptyResponse)
	}

	return &providers.Result{
		Success:  true,
		Text:     sb.String(),
		Provider: id,
		Model:    call.Model,
		Tokens: providers.Tokens{
			"input_tokens":  int(msg.Usage.InputTokens),
			"output_tokens": int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Stream emits every text delta of a streaming Messages request.
func (a *Adapter) Stream(
	ctx context.Context,
	call *providers.Call,
	onToken func(string),
) (*providers.Result, error) {
	id := call.Descriptor.ID
	c := a.client(call)
	stream := c.Messages.NewStreaming(ctx, buildParams(call))
	defer stream.Close()

	var (
		text   strings.Builder
		tokens = providers.Tokens{}
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			tokens["input_tokens"] = int(ev.Message.Usage.InputTokens)
		case anthropic.MessageDeltaEvent:
			tokens["output_tokens"] = int(ev.Usage.OutputTokens)
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok && d.Text != "" {
				text.WriteString(d.Text)
				onToken(d.Text)
			}
		}
	}

	res := &providers.Result{
		Success:  true,
		Text:     text.String(),
		Provider: id,
		Model:    call.Model,
		Tokens:   tokens,
	}
	if err := stream.Err(); err != nil {
		res.Success = false
		return res, toProviderError(id, err)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, fmt.Errorf("%s: %w", id, providers.ErrEmptyResponse)
	}
	return res, nil
}

func buildParams(call *providers.Call) anthropic.MessageNewParams {
	system, turns := providers.SplitSystem(call.Messages)

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	maxTokens := call.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(call.Model),
		MaxTokens:   int64(maxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(call.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.EqualFold(role, providers.RoleAssistant) {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func toProviderError(provider string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.ProviderError{
			Provider:   provider,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Type:       "anthropic_error",
		}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
