package proxy

import (
	"github.com/nulpointcorp/multillm/internal/providers"
)

// ProviderStatus is a point-in-time view of one registered backend.
type ProviderStatus struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Format            providers.Format `json:"format"`
	Model             string           `json:"model"`
	Configured        bool             `json:"configured"`
	Available         bool             `json:"available"`
	InCooldown        bool             `json:"in_cooldown"`
	CooldownRemaining float64          `json:"cooldown_remaining_seconds,omitempty"`
	Local             bool             `json:"local"`
	Streaming         bool             `json:"supports_streaming"`
	Vision            bool             `json:"supports_vision"`
}

// GetProvidersStatus reports every registered backend in registration
// order. Available means configured and not cooling down.
func (g *Gateway) GetProvidersStatus() []ProviderStatus {
	ids := g.registry.IDs()
	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		d, ok := g.registry.Lookup(id, g.env)
		if !ok {
			continue
		}
		configured := providers.Configured(d, g.env)
		remaining := g.cb.Remaining(id)
		out = append(out, ProviderStatus{
			ID:                d.ID,
			Name:              d.Name,
			Format:            d.Format,
			Model:             d.Model,
			Configured:        configured,
			Available:         configured && remaining == 0,
			InCooldown:        remaining > 0,
			CooldownRemaining: remaining.Seconds(),
			Local:             d.Local(),
			Streaming:         d.SupportsStreaming,
			Vision:            d.SupportsVision,
		})
	}
	return out
}

// GetActiveProvider returns the backend automatic selection would try first,
// or nil when none is available.
func (g *Gateway) GetActiveProvider() *providers.Descriptor {
	for _, d := range g.registry.Resolve(g.order, g.env) {
		if !g.cb.IsInCooldown(d.ID) {
			d := d
			return &d
		}
	}
	return nil
}
