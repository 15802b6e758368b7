package proxy

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/multillm/internal/providers"
)

func newTestBreaker(t *testing.T, window time.Duration) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	cb := NewCircuitBreaker(context.Background(), CBConfig{Window: window, Clock: clock.now})
	t.Cleanup(cb.Close)
	return cb, clock
}

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb, _ := newTestBreaker(t, 0)

	for _, id := range providers.DefaultOrder {
		if cb.IsInCooldown(id) {
			t.Errorf("provider %s should start available", id)
		}
	}
	if len(cb.Active()) != 0 {
		t.Error("no provider should be cooling down")
	}
}

func TestCircuitBreaker_DefaultWindow(t *testing.T) {
	cb, clock := newTestBreaker(t, 0)

	cb.SetCooldown("groq")
	if got := cb.Remaining("groq"); got != providers.CooldownWindow {
		t.Errorf("remaining = %v, want %v", got, providers.CooldownWindow)
	}

	clock.advance(providers.CooldownWindow - time.Second)
	if !cb.IsInCooldown("groq") {
		t.Error("should still cool down one second before expiry")
	}

	clock.advance(time.Second)
	if cb.IsInCooldown("groq") {
		t.Error("should be available once the window elapsed")
	}
}

func TestCircuitBreaker_RepeatedFailureExtends(t *testing.T) {
	cb, clock := newTestBreaker(t, 10*time.Second)

	cb.SetCooldown("gemini")
	clock.advance(8 * time.Second)
	cb.SetCooldown("gemini")
	clock.advance(8 * time.Second)

	if !cb.IsInCooldown("gemini") {
		t.Error("second failure should restart the window")
	}
	if got := cb.Remaining("gemini"); got != 2*time.Second {
		t.Errorf("remaining = %v, want 2s", got)
	}
}

func TestCircuitBreaker_Clear(t *testing.T) {
	cb, _ := newTestBreaker(t, time.Minute)

	cb.SetCooldown("mistral")
	cb.Clear("mistral")
	if cb.IsInCooldown("mistral") {
		t.Error("Clear should lift the cooldown")
	}
	cb.Clear("never-set")
}

func TestCircuitBreaker_IndependentProviders(t *testing.T) {
	cb, _ := newTestBreaker(t, time.Minute)

	cb.SetCooldown("groq")
	cb.SetCooldown("cerebras")

	if cb.IsInCooldown("gemini") {
		t.Error("gemini should be unaffected")
	}
	got := cb.Active()
	sort.Strings(got)
	if !equalIDs(got, []string{"cerebras", "groq"}) {
		t.Errorf("active = %v", got)
	}
}

func TestCircuitBreaker_PurgeTwiceExpired(t *testing.T) {
	cb, clock := newTestBreaker(t, time.Second)

	entries := func() int {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return len(cb.expires)
	}

	cb.SetCooldown("groq")
	clock.advance(1500 * time.Millisecond)
	cb.purge()
	if n := entries(); n != 1 {
		t.Errorf("entry expired for less than a window should be kept, %d left", n)
	}

	clock.advance(500 * time.Millisecond)
	cb.purge()
	if n := entries(); n != 0 {
		t.Errorf("twice-expired entries should be purged, %d left", n)
	}
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb, _ := newTestBreaker(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := providers.DefaultOrder[i%len(providers.DefaultOrder)]
			cb.SetCooldown(id)
			_ = cb.IsInCooldown(id)
			_ = cb.Active()
			if i%3 == 0 {
				cb.Clear(id)
			}
		}(i)
	}
	wg.Wait()
}

func TestCircuitBreaker_CloseIdempotent(t *testing.T) {
	cb := NewCircuitBreaker(context.Background(), CBConfig{SweepInterval: time.Millisecond})
	cb.Close()
	cb.Close()
}
