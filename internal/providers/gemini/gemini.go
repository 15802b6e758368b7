// Package gemini implements the Google Gemini generateContent format.
// Non-streaming calls go through the official GenAI SDK; streaming reads the
// alt=sse endpoint directly so partial frames can be decoded incrementally.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"google.golang.org/genai"

	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/providers/rest"
	"github.com/nulpointcorp/multillm/internal/stream"
)

const topP = 0.9

// Adapter implements providers.StreamAdapter for Gemini.
type Adapter struct {
	httpClient *http.Client
	rest       *resty.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New creates a Gemini adapter.
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

func (a *Adapter) Format() providers.Format { return providers.FormatGemini }

// Chat calls generateContent. A 429 is retried once with the fallback model.
func (a *Adapter) Chat(ctx context.Context, call *providers.Call) (*providers.Result, error) {
	return providers.ChatWithFallback(ctx, call, providers.IsRateLimited,
		func(ctx context.Context, model string) (*providers.Result, error) {
			return a.generate(ctx, call, model)
		})
}

func (a *Adapter) generate(ctx context.Context, call *providers.Call, model string) (*providers.Result, error) {
	id := call.Descriptor.ID
	base, ver := splitBaseURLAndVersion(call.Descriptor.BaseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      call.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  a.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: client: %w", id, err)
	}

	contents, cfg := buildContentsAndConfig(call)
	resp, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, toProviderError(id, err)
	}

	text := ""
	if resp != nil && len(resp.Candidates) > 0 {
		text = firstCandidateText(resp.Candidates[0])
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%s: %w", id, providers.ErrEmptyResponse)
	}

	tokens := providers.Tokens{}
	if resp.UsageMetadata != nil {
		tokens["promptTokenCount"] = int(resp.UsageMetadata.PromptTokenCount)
		tokens["candidatesTokenCount"] = int(resp.UsageMetadata.CandidatesTokenCount)
		tokens["totalTokenCount"] = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &providers.Result{
		Success:  true,
		Text:     text,
		Provider: id,
		Model:    model,
		Tokens:   tokens,
	}, nil
}

// buildContentsAndConfig lifts system turns into SystemInstruction and maps
// assistant turns to the "model" role.
func buildContentsAndConfig(call *providers.Call) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := providers.SplitSystem(call.Messages)

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		contents = append(contents, genai.NewContentFromText(m.Content, roleFor(m.Role)))
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](float32(call.Temperature)),
		TopP:        genai.Ptr[float32](topP),
	}
	if call.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(call.MaxTokens)
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	return contents, cfg
}

func roleFor(role string) genai.Role {
	switch strings.ToLower(role) {
	case providers.RoleAssistant, "model":
		return genai.RoleModel
	default:
		return genai.RoleUser
	}
}

// Stream reads streamGenerateContent?alt=sse and emits the text of the first
// candidate of every frame.
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
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		strings.TrimRight(call.Descriptor.BaseURL, "/"),
		url.PathEscape(model),
		url.QueryEscape(call.APIKey))

	body, err := rest.PostStream(ctx, a.rest, id, endpoint, nil, buildWireRequest(call))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var (
		text   strings.Builder
		tokens = providers.Tokens{}
	)
	st, err := stream.ReadSSE(body, func(f *generateResponse) error {
		if f.UsageMetadata.TotalTokenCount > 0 {
			tokens["promptTokenCount"] = f.UsageMetadata.PromptTokenCount
			tokens["candidatesTokenCount"] = f.UsageMetadata.CandidatesTokenCount
			tokens["totalTokenCount"] = f.UsageMetadata.TotalTokenCount
		}
		if len(f.Candidates) == 0 || len(f.Candidates[0].Content.Parts) == 0 {
			return nil
		}
		delta := f.Candidates[0].Content.Parts[0].Text
		if delta == "" {
			return nil
		}
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

func buildWireRequest(call *providers.Call) generateRequest {
	system, turns := providers.SplitSystem(call.Messages)

	req := generateRequest{
		Contents: make([]content, 0, len(turns)),
		GenerationConfig: &generationConfig{
			Temperature: genai.Ptr[float32](float32(call.Temperature)),
			TopP:        genai.Ptr[float32](topP),
		},
	}
	if call.MaxTokens > 0 {
		req.GenerationConfig.MaxOutputTokens = genai.Ptr[int32](int32(call.MaxTokens))
	}
	for _, m := range turns {
		req.Contents = append(req.Contents, content{
			Role:  string(roleFor(m.Role)),
			Parts: []part{{Text: m.Content}},
		})
	}
	if system != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: system}}}
	}
	return req
}

// firstCandidateText reads parts[0] only, as the streaming path does.
func firstCandidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	if c.Content.Parts[0] == nil {
		return ""
	}
	return c.Content.Parts[0].Text
}

// splitBaseURLAndVersion separates a trailing "/vN..." path segment from the
// base URL because the SDK takes them as separate options.
func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(provider string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Provider:   provider,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return fmt.Errorf("%s: %w", provider, err)
}
