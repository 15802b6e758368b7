package proxy

import (
	"fmt"
	"strings"

	"github.com/nulpointcorp/multillm/internal/providers"
)

// autoModel lets the gateway pick the backend.
const autoModel = "auto"

// resolveTarget maps the OpenAI-style model field to dispatch options:
//
//	"" or "auto"        → automatic selection
//	"groq"              → provider groq, its own model
//	"groq/llama-3.1-8b" → provider groq, model llama-3.1-8b
//
// The model part may itself contain slashes (OpenRouter ids).
func (g *Gateway) resolveTarget(model string) (provider, providerModel string, err error) {
	model = strings.TrimSpace(model)
	if model == "" || strings.EqualFold(model, autoModel) {
		return "", "", nil
	}

	id, rest, _ := strings.Cut(model, "/")
	id = strings.ToLower(id)
	if _, ok := g.registry.Lookup(id, g.env); !ok {
		return "", "", fmt.Errorf("%w: %q", providers.ErrUnknownProvider, id)
	}
	return id, rest, nil
}
