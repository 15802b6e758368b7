package proxy

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/multillm/internal/providers"
)

func TestResolveTarget(t *testing.T) {
	gw := NewGateway(context.Background(), providers.NewDefaultRegistry(), GatewayOptions{Env: envMap{}.lookup})
	defer gw.Close()

	tests := []struct {
		model        string
		wantProvider string
		wantModel    string
	}{
		{"", "", ""},
		{"auto", "", ""},
		{"AUTO", "", ""},
		{"groq", "groq", ""},
		{"Gemini/gemini-1.5-pro", "gemini", "gemini-1.5-pro"},
		{"openrouter/meta-llama/llama-3.3-70b-instruct:free", "openrouter", "meta-llama/llama-3.3-70b-instruct:free"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p, m, err := gw.resolveTarget(tt.model)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p != tt.wantProvider || m != tt.wantModel {
				t.Errorf("resolveTarget(%q) = (%q, %q), want (%q, %q)", tt.model, p, m, tt.wantProvider, tt.wantModel)
			}
		})
	}
}

func TestResolveTarget_UnknownProvider(t *testing.T) {
	gw := NewGateway(context.Background(), providers.NewDefaultRegistry(), GatewayOptions{Env: envMap{}.lookup})
	defer gw.Close()

	if _, _, err := gw.resolveTarget("gpt-4o"); !errors.Is(err, providers.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
