package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/multillm/internal/metrics"
)

const healthProbeInterval = 30 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker periodically samples provider availability and the override
// store, and exposes the latest results. Provider probes are passive: they
// read configuration and cooldown state and never call an upstream.
type HealthChecker struct {
	statuses   func() []ProviderStatus
	storeReady func() bool
	metrics    *metrics.Registry

	mu        sync.RWMutex
	providers map[string]string
	store     componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. It stops when ctx is cancelled or Close is called.
func NewHealthChecker(
	ctx context.Context,
	statuses func() []ProviderStatus,
	storeReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		statuses:   statuses,
		storeReady: storeReady,
		metrics:    met,
		providers:  make(map[string]string),
		startTime:  time.Now(),
		done:       make(chan struct{}),
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run(ctx)

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Store         string            `json:"store"`
}

// Snapshot builds a snapshot from the latest probe results. The gateway is
// "ok" while at least one provider is available and the store answers.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	hc.mu.RLock()
	provs := make(map[string]string, len(hc.providers))
	anyOK := false
	for id, st := range hc.providers {
		provs[id] = st
		if st == "ok" {
			anyOK = true
		}
	}
	hc.mu.RUnlock()

	store := hc.store.get()
	overall := "ok"
	if !anyOK || store == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Store:         store,
	}
}

// ReadinessOK returns true when the override store is reachable
// (used by GET /readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.store.get() == "ok"
}

// Refresh runs one probe immediately.
func (hc *HealthChecker) Refresh() { hc.probe() }

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run(ctx context.Context) {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-ctx.Done():
			return
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	next := make(map[string]string)
	if hc.statuses != nil {
		for _, s := range hc.statuses() {
			st := "ok"
			switch {
			case !s.Configured:
				st = "unconfigured"
			case s.InCooldown:
				st = "cooldown"
			}
			next[s.ID] = st
			if hc.metrics != nil {
				hc.metrics.SetProviderAvailable(s.ID, s.Available)
			}
		}
	}
	hc.mu.Lock()
	hc.providers = next
	hc.mu.Unlock()

	// Store probe: nil probe means "not configured" → ok.
	if hc.storeReady == nil || hc.storeReady() {
		hc.store.set("ok")
	} else {
		hc.store.set("down")
	}
}
