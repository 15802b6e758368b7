package custom

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nulpointcorp/multillm/internal/providers"
	"github.com/nulpointcorp/multillm/internal/providers/rest"
)

const anthropicVersion = "2023-06-01"

// Validation is the outcome of probing a key with a one-token completion.
type Validation struct {
	Valid       bool   `json:"valid"`
	RateLimited bool   `json:"rate_limited,omitempty"`
	Status      int    `json:"status"`
	Message     string `json:"message,omitempty"`
}

// ValidateAPIKey sends the smallest possible completion to classify apiKey:
// 401/403 is invalid, 429 is valid but rate-limited, 2xx is valid and any
// other status is reported with the upstream message. A transport failure is
// returned as an error. An empty model probes with the catalog default.
func (m *Manager) ValidateAPIKey(ctx context.Context, providerID, apiKey, baseURL, model string) (Validation, error) {
	info, ok := GetProviderInfo(providerID)
	if !ok {
		return Validation{}, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	if strings.TrimSpace(apiKey) == "" {
		return Validation{}, ErrAPIKeyRequired
	}

	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		if info.RequiresBaseURL {
			return Validation{}, ErrBaseURLRequired
		}
		baseURL = info.BaseURL
	}

	model = strings.TrimSpace(model)
	if model == "" {
		model = info.DefaultModel
	}
	if model == "" {
		return Validation{}, ErrModelRequired
	}
	probe := []providers.Message{{Role: providers.RoleUser, Content: "hi"}}

	req := m.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json")

	var endpoint string
	switch info.Format {
	case providers.FormatAnthropic:
		endpoint = strings.TrimSuffix(baseURL, "/v1") + "/v1/messages"
		req.SetHeader("x-api-key", apiKey).
			SetHeader("anthropic-version", anthropicVersion).
			SetBody(map[string]any{"model": model, "max_tokens": 1, "messages": probe})
	default:
		endpoint = baseURL + "/chat/completions"
		req.SetAuthToken(apiKey).
			SetBody(map[string]any{"model": model, "max_tokens": 1, "messages": probe})
	}

	resp, err := req.Post(endpoint)
	if err != nil {
		return Validation{}, fmt.Errorf("custom: validate %s: %w", providerID, err)
	}

	v := Validation{Status: resp.StatusCode()}
	switch {
	case resp.IsSuccess():
		v.Valid = true
	case v.Status == http.StatusTooManyRequests:
		v.Valid = true
		v.RateLimited = true
		v.Message = "key is valid but currently rate-limited"
	case v.Status == http.StatusUnauthorized || v.Status == http.StatusForbidden:
		v.Message = "invalid API key"
	default:
		v.Message = rest.ErrorFromBody(providerID, v.Status, resp.Body()).Error()
	}

	m.log.InfoContext(ctx, "custom_provider_key_validated",
		slog.String("provider", providerID),
		slog.Int("status", v.Status),
		slog.Bool("valid", v.Valid),
	)
	return v, nil
}
