// Package providers defines the canonical chat types shared by every backend,
// the provider registry with its availability resolver, and the error
// taxonomy the dispatch engine uses to classify upstream failures.
//
// Each wire format lives in its own sub-package and implements Adapter.
// Adapters that can stream additionally implement StreamAdapter.
package providers

import (
	"context"
	"time"
)

// Format identifies the wire protocol spoken by a backend.
type Format string

const (
	FormatOpenAI      Format = "openai"
	FormatGemini      Format = "gemini"
	FormatHuggingFace Format = "huggingface"
	FormatOllama      Format = "ollama"
	FormatAnthropic   Format = "anthropic"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Descriptor is the static description of one backend. Descriptors are
	// owned by the Registry and never mutated after registration.
	Descriptor struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		BaseURL       string `json:"base_url"`
		CredentialEnv string `json:"credential_env,omitempty"`
		Model         string `json:"model"`
		FallbackModel string `json:"fallback_model,omitempty"`
		MaxTokens     int    `json:"max_tokens"`
		// BaseURLEnv and ModelEnv name variables that override BaseURL and
		// Model when set. They are read on every call.
		BaseURLEnv        string `json:"-"`
		ModelEnv          string `json:"-"`
		SupportsStreaming bool   `json:"supports_streaming"`
		SupportsVision    bool   `json:"supports_vision"`
		Format            Format `json:"format"`
	}

	// Call is everything an adapter needs for one upstream request.
	Call struct {
		Descriptor  Descriptor
		APIKey      string
		Messages    []Message
		Model       string
		MaxTokens   int
		Temperature float64
	}

	// Result is the normalized outcome of a chat request.
	Result struct {
		Success  bool   `json:"success"`
		Text     string `json:"text"`
		Provider string `json:"provider"`
		Model    string `json:"model,omitempty"`
		Tokens   Tokens `json:"tokens,omitempty"`
		Error    string `json:"error,omitempty"`
		Custom   bool   `json:"custom,omitempty"`

		// DroppedFrames counts malformed stream frames skipped while reading.
		DroppedFrames int `json:"-"`
	}
)

// Local reports whether the backend runs without a credential.
func (d Descriptor) Local() bool { return d.CredentialEnv == "" }

// Tokens is the backend-shaped usage map. Keys differ per vendor, so it is
// only used for display and accounting.
type Tokens map[string]int

// Total returns a best-effort total token count across vendor shapes.
func (t Tokens) Total() int {
	if len(t) == 0 {
		return 0
	}
	for _, k := range []string{"total_tokens", "totalTokenCount"} {
		if v, ok := t[k]; ok {
			return v
		}
	}
	if in, ok := t["input_tokens"]; ok {
		return in + t["output_tokens"]
	}
	if in, ok := t["prompt_tokens"]; ok {
		return in + t["completion_tokens"]
	}
	if in, ok := t["prompt_eval_count"]; ok {
		return in + t["eval_count"]
	}
	return 0
}

// Adapter translates the canonical request into one wire format.
type Adapter interface {
	Format() Format
	Chat(ctx context.Context, call *Call) (*Result, error)
}

// StreamAdapter is implemented by adapters that can deliver incremental
// tokens. onToken is invoked synchronously for every non-empty delta. The
// returned Result carries the full concatenated text on success.
type StreamAdapter interface {
	Adapter
	Stream(ctx context.Context, call *Call, onToken func(string)) (*Result, error)
}

// Env looks up a configuration variable. It is consulted on every call so
// credentials added at runtime are picked up without a restart.
type Env func(key string) string

// DefaultOrder is the provider priority used when LLM_PROVIDER_ORDER is unset.
var DefaultOrder = []string{
	"groq",
	"gemini",
	"openrouter",
	"cerebras",
	"mistral",
	"huggingface",
	"ollama",
}

// Default dispatch constants.
const (
	DefaultTemperature   = 0.7
	CooldownWindow       = 60 * time.Second
	ProviderTimeout      = 60 * time.Second
	LocalProviderTimeout = 5 * time.Minute
	StreamTimeout        = 5 * time.Minute
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
