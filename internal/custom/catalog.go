// Package custom implements the per-user provider override: a user brings
// their own API key for a paid backend, and that backend is consulted before
// the built-in chain for every request the user makes.
package custom

import "github.com/nulpointcorp/multillm/internal/providers"

// GenericID is the catalog entry for any OpenAI-compatible endpoint.
const GenericID = "custom"

// Info describes one backend a user may configure.
type Info struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	BaseURL           string           `json:"base_url,omitempty"`
	Format            providers.Format `json:"format"`
	DefaultModel      string           `json:"default_model,omitempty"`
	Models            []string         `json:"models,omitempty"`
	MaxTokens         int              `json:"max_tokens"`
	SupportsStreaming bool             `json:"supports_streaming"`
	SupportsVision    bool             `json:"supports_vision"`
	RequiresBaseURL   bool             `json:"requires_base_url,omitempty"`
}

var catalog = []Info{
	{
		ID:                "openai",
		Name:              "OpenAI",
		BaseURL:           "https://api.openai.com/v1",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "gpt-4o-mini",
		Models:            []string{"gpt-4o-mini", "gpt-4o", "gpt-4.1-mini", "gpt-4.1"},
		MaxTokens:         16384,
		SupportsStreaming: true,
		SupportsVision:    true,
	},
	{
		ID:                "anthropic",
		Name:              "Anthropic",
		BaseURL:           "https://api.anthropic.com/v1",
		Format:            providers.FormatAnthropic,
		DefaultModel:      "claude-3-5-sonnet-latest",
		Models:            []string{"claude-3-5-sonnet-latest", "claude-3-5-haiku-latest", "claude-3-opus-latest"},
		MaxTokens:         8192,
		SupportsStreaming: true,
		SupportsVision:    true,
	},
	{
		ID:                "gemini",
		Name:              "Google Gemini",
		BaseURL:           "https://generativelanguage.googleapis.com/v1beta/openai",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "gemini-2.0-flash",
		Models:            []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"},
		MaxTokens:         8192,
		SupportsStreaming: true,
		SupportsVision:    true,
	},
	{
		ID:                "groq",
		Name:              "Groq",
		BaseURL:           "https://api.groq.com/openai/v1",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "llama-3.3-70b-versatile",
		Models:            []string{"llama-3.3-70b-versatile", "llama-3.1-8b-instant", "mixtral-8x7b-32768"},
		MaxTokens:         8192,
		SupportsStreaming: true,
	},
	{
		ID:                "openrouter",
		Name:              "OpenRouter",
		BaseURL:           "https://openrouter.ai/api/v1",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "openai/gpt-4o-mini",
		Models:            []string{"openai/gpt-4o-mini", "anthropic/claude-3.5-sonnet", "google/gemini-2.0-flash-001"},
		MaxTokens:         8192,
		SupportsStreaming: true,
		SupportsVision:    true,
	},
	{
		ID:                "deepseek",
		Name:              "DeepSeek",
		BaseURL:           "https://api.deepseek.com/v1",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "deepseek-chat",
		Models:            []string{"deepseek-chat", "deepseek-reasoner"},
		MaxTokens:         8192,
		SupportsStreaming: true,
	},
	{
		ID:                "mistral",
		Name:              "Mistral AI",
		BaseURL:           "https://api.mistral.ai/v1",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "mistral-large-latest",
		Models:            []string{"mistral-large-latest", "mistral-small-latest", "codestral-latest"},
		MaxTokens:         8192,
		SupportsStreaming: true,
	},
	{
		ID:                "xai",
		Name:              "xAI Grok",
		BaseURL:           "https://api.x.ai/v1",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "grok-2-latest",
		Models:            []string{"grok-2-latest", "grok-2-vision-latest"},
		MaxTokens:         8192,
		SupportsStreaming: true,
	},
	{
		ID:                "together",
		Name:              "Together AI",
		BaseURL:           "https://api.together.xyz/v1",
		Format:            providers.FormatOpenAI,
		DefaultModel:      "meta-llama/Llama-3.3-70B-Instruct-Turbo",
		Models:            []string{"meta-llama/Llama-3.3-70B-Instruct-Turbo", "Qwen/Qwen2.5-72B-Instruct-Turbo"},
		MaxTokens:         8192,
		SupportsStreaming: true,
	},
	{
		ID:                GenericID,
		Name:              "Custom (OpenAI-compatible)",
		Format:            providers.FormatOpenAI,
		MaxTokens:         4096,
		SupportsStreaming: true,
		RequiresBaseURL:   true,
	},
}

// ListAvailableProviders returns the catalog in display order.
func ListAvailableProviders() []Info {
	out := make([]Info, len(catalog))
	copy(out, catalog)
	return out
}

// GetProviderInfo looks up a catalog entry by id.
func GetProviderInfo(id string) (Info, bool) {
	for _, info := range catalog {
		if info.ID == id {
			return info, true
		}
	}
	return Info{}, false
}
