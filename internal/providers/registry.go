package providers

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// OrderEnv holds the comma-separated provider priority override.
const OrderEnv = "LLM_PROVIDER_ORDER"

// DefaultDescriptors is the built-in backend catalog, in DefaultOrder.
var DefaultDescriptors = []Descriptor{
	{
		ID:                "groq",
		Name:              "Groq",
		BaseURL:           "https://api.groq.com/openai/v1",
		CredentialEnv:     "GROQ_API_KEY",
		BaseURLEnv:        "GROQ_BASE_URL",
		Model:             "llama-3.3-70b-versatile",
		FallbackModel:     "llama-3.1-8b-instant",
		MaxTokens:         8192,
		SupportsStreaming: true,
		Format:            FormatOpenAI,
	},
	{
		ID:                "gemini",
		Name:              "Google Gemini",
		BaseURL:           "https://generativelanguage.googleapis.com/v1beta",
		CredentialEnv:     "GEMINI_API_KEY",
		BaseURLEnv:        "GEMINI_BASE_URL",
		Model:             "gemini-2.0-flash",
		FallbackModel:     "gemini-1.5-flash",
		MaxTokens:         8192,
		SupportsStreaming: true,
		SupportsVision:    true,
		Format:            FormatGemini,
	},
	{
		ID:                "openrouter",
		Name:              "OpenRouter",
		BaseURL:           "https://openrouter.ai/api/v1",
		CredentialEnv:     "OPENROUTER_API_KEY",
		BaseURLEnv:        "OPENROUTER_BASE_URL",
		Model:             "meta-llama/llama-3.3-70b-instruct:free",
		FallbackModel:     "mistralai/mistral-7b-instruct:free",
		MaxTokens:         4096,
		SupportsStreaming: true,
		Format:            FormatOpenAI,
	},
	{
		ID:                "cerebras",
		Name:              "Cerebras",
		BaseURL:           "https://api.cerebras.ai/v1",
		CredentialEnv:     "CEREBRAS_API_KEY",
		BaseURLEnv:        "CEREBRAS_BASE_URL",
		Model:             "llama3.3-70b",
		FallbackModel:     "llama3.1-8b",
		MaxTokens:         8192,
		SupportsStreaming: true,
		Format:            FormatOpenAI,
	},
	{
		ID:                "mistral",
		Name:              "Mistral AI",
		BaseURL:           "https://api.mistral.ai/v1",
		CredentialEnv:     "MISTRAL_API_KEY",
		BaseURLEnv:        "MISTRAL_BASE_URL",
		Model:             "mistral-small-latest",
		FallbackModel:     "open-mistral-nemo",
		MaxTokens:         8192,
		SupportsStreaming: true,
		Format:            FormatOpenAI,
	},
	{
		ID:            "huggingface",
		Name:          "HuggingFace Inference",
		BaseURL:       "https://api-inference.huggingface.co",
		CredentialEnv: "HF_API_KEY",
		BaseURLEnv:    "HF_BASE_URL",
		Model:         "mistralai/Mistral-7B-Instruct-v0.3",
		FallbackModel: "HuggingFaceH4/zephyr-7b-beta",
		MaxTokens:     2048,
		Format:        FormatHuggingFace,
	},
	{
		ID:                "ollama",
		Name:              "Ollama (local)",
		BaseURL:           "http://localhost:11434",
		Model:             "llama3.2",
		FallbackModel:     "llama3.2:1b",
		MaxTokens:         4096,
		BaseURLEnv:        "OLLAMA_URL",
		ModelEnv:          "OLLAMA_MODEL",
		SupportsStreaming: true,
		Format:            FormatOllama,
	},
}

// Registry holds backend descriptors in registration order together with
// the adapter for each wire format. It is safe for concurrent reads once
// populated.
type Registry struct {
	mu          sync.RWMutex
	order       []string
	descriptors map[string]Descriptor
	adapters    map[Format]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		adapters:    make(map[Format]Adapter),
	}
}

// NewDefaultRegistry creates a Registry populated with DefaultDescriptors
// and the given adapters.
func NewDefaultRegistry(adapters ...Adapter) *Registry {
	r := NewRegistry()
	for _, d := range DefaultDescriptors {
		r.Register(d)
	}
	for _, a := range adapters {
		r.RegisterAdapter(a)
	}
	return r
}

// Register adds or replaces a descriptor. New ids are appended to the order.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[d.ID]; !ok {
		r.order = append(r.order, d.ID)
	}
	r.descriptors[d.ID] = d
}

// RegisterAdapter binds an adapter to its wire format.
func (r *Registry) RegisterAdapter(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Format()] = a
	r.mu.Unlock()
}

// Adapter returns the adapter for format f.
func (r *Registry) Adapter(f Format) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[f]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	return a, nil
}

// IDs returns all registered ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the descriptor for id with call-time overrides from env
// applied.
func (r *Registry) Lookup(id string, env Env) (Descriptor, bool) {
	r.mu.RLock()
	d, ok := r.descriptors[id]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, false
	}
	return applyOverrides(d, envOrOS(env)), true
}

// Configured reports whether d can be called: local backends always can,
// others need a non-empty credential.
func Configured(d Descriptor, env Env) bool {
	return d.Local() || envOrOS(env)(d.CredentialEnv) != ""
}

// Resolve returns the descriptors that can be called right now, in priority
// order. orderHint wins over LLM_PROVIDER_ORDER, which wins over the
// registration order. Unknown ids in the order are ignored. Resolve does not
// consult cooldown state.
func (r *Registry) Resolve(orderHint []string, env Env) []Descriptor {
	env = envOrOS(env)

	order := orderHint
	if len(order) == 0 {
		order = ParseOrder(env(OrderEnv))
	}
	if len(order) == 0 {
		order = r.IDs()
	}

	seen := make(map[string]bool, len(order))
	out := make([]Descriptor, 0, len(order))
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		d, ok := r.Lookup(id, env)
		if !ok || !Configured(d, env) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// ParseOrder splits a comma-separated id list, trimming blanks.
func ParseOrder(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyOverrides(d Descriptor, env Env) Descriptor {
	if d.BaseURLEnv != "" {
		if v := strings.TrimSpace(env(d.BaseURLEnv)); v != "" {
			d.BaseURL = strings.TrimRight(v, "/")
		}
	}
	if d.ModelEnv != "" {
		if v := strings.TrimSpace(env(d.ModelEnv)); v != "" {
			d.Model = v
		}
	}
	return d
}

func envOrOS(env Env) Env {
	if env == nil {
		return os.Getenv
	}
	return env
}
