// Package rest holds the resty plumbing shared by the adapters that speak
// plain JSON over HTTP: client construction, streaming POSTs and mapping of
// non-2xx bodies onto providers.ProviderError.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/nulpointcorp/multillm/internal/providers"
)

const maxErrorBody = 4 << 10

// New wraps httpClient in a resty client with retries disabled. A nil
// httpClient gets a pooled default.
func New(httpClient *http.Client) *resty.Client {
	if httpClient == nil {
		httpClient = providers.NewHTTPClient(true)
	}
	return resty.NewWithClient(httpClient).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
}

// PostStream sends body as JSON and returns the raw response body for
// incremental decoding. The caller must close it. Non-2xx answers are
// converted to *providers.ProviderError.
func PostStream(
	ctx context.Context,
	c *resty.Client,
	provider, url string,
	headers map[string]string,
	body any,
) (io.ReadCloser, error) {
	resp, err := c.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream, application/x-ndjson").
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}

	raw := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		defer raw.Close()
		data, _ := io.ReadAll(io.LimitReader(raw, maxErrorBody))
		return nil, ErrorFromBody(provider, resp.StatusCode(), data)
	}
	return raw, nil
}

// CheckResponse converts a buffered resty response into an error when the
// status is not 2xx.
func CheckResponse(provider string, resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return ErrorFromBody(provider, resp.StatusCode(), resp.Body())
}

// ErrorFromBody builds a ProviderError from a vendor error payload. It
// understands {"error":"msg"} and {"error":{"message":..,"type"|"status":..}}
// and falls back to the truncated raw body.
func ErrorFromBody(provider string, status int, body []byte) error {
	pe := &providers.ProviderError{
		Provider:   provider,
		StatusCode: status,
		Type:       "provider_error",
		Message:    fmt.Sprintf("unexpected status %d", status),
	}

	var env struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil && len(env.Error) > 0 {
		var msg string
		if json.Unmarshal(env.Error, &msg) == nil && msg != "" {
			pe.Message = msg
			return pe
		}
		var obj struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Status  string `json:"status"`
		}
		if json.Unmarshal(env.Error, &obj) == nil && obj.Message != "" {
			pe.Message = obj.Message
			switch {
			case obj.Type != "":
				pe.Type = obj.Type
			case obj.Status != "":
				pe.Type = obj.Status
			}
			return pe
		}
	}

	if s := strings.TrimSpace(string(body)); s != "" {
		pe.Message = providers.Truncate(s, 300)
	}
	return pe
}
