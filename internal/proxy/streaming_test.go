package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/multillm/internal/custom"
	"github.com/nulpointcorp/multillm/internal/providers"
)

// streamRecorder collects callback invocations.
type streamRecorder struct {
	mu     sync.Mutex
	tokens []string
	dones  int
	text   string
	meta   StreamMeta
}

func (r *streamRecorder) onToken(s string) {
	r.mu.Lock()
	r.tokens = append(r.tokens, s)
	r.mu.Unlock()
}

func (r *streamRecorder) onDone(text string, meta StreamMeta) {
	r.mu.Lock()
	r.dones++
	r.text = text
	r.meta = meta
	r.mu.Unlock()
}

func (r *streamRecorder) joined() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.tokens, "")
}

func runStream(t *testing.T, tg *testGateway, ctx context.Context, opts Options) *streamRecorder {
	t.Helper()
	rec := &streamRecorder{}
	if err := tg.ChatStream(ctx, userMsg("hi"), rec.onToken, rec.onDone, opts); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if rec.dones != 1 {
		t.Fatalf("onDone called %d times, want 1", rec.dones)
	}
	return rec
}

func TestChatStream_DeliversTokens(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	tg.openai.set("alpha", reply{tokens: []string{"Hel", "lo", "!"}})

	rec := runStream(t, tg, context.Background(), Options{})
	if len(rec.tokens) != 3 {
		t.Fatalf("tokens = %v", rec.tokens)
	}
	if rec.text != "Hello!" || rec.joined() != rec.text {
		t.Errorf("text = %q, joined = %q", rec.text, rec.joined())
	}
	if !rec.meta.Success || rec.meta.Provider != "alpha" || rec.meta.Synthetic {
		t.Errorf("meta = %+v", rec.meta)
	}
}

func TestChatStream_MatchesChat(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	tg.openai.set("alpha", reply{err: upstreamErr("alpha", http.StatusInternalServerError)})
	tg.openai.set("beta", reply{text: "same answer"})

	res, _ := tg.Chat(context.Background(), userMsg("hi"), Options{})
	tg.cb.Clear("alpha")
	rec := runStream(t, tg, context.Background(), Options{})

	if rec.text != res.Text || rec.joined() != res.Text || rec.meta.Provider != res.Provider {
		t.Errorf("stream (%q via %s) differs from chat (%q via %s)",
			rec.text, rec.meta.Provider, res.Text, res.Provider)
	}
}

func TestChatStream_FailoverBeforeFirstToken(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	tg.openai.set("alpha", reply{err: upstreamErr("alpha", http.StatusTooManyRequests)})

	rec := runStream(t, tg, context.Background(), Options{})
	if rec.meta.Provider != "beta" || rec.text != "hello from beta" {
		t.Fatalf("unexpected stream end: %q %+v", rec.text, rec.meta)
	}
	if !tg.cb.IsInCooldown("alpha") {
		t.Error("alpha should be cooled down")
	}
}

func TestChatStream_MidStreamFailureKeepsPartial(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	tg.openai.set("alpha", reply{
		tokens: []string{"par", "tial"},
		err:    upstreamErr("alpha", http.StatusBadGateway),
	})

	rec := runStream(t, tg, context.Background(), Options{})
	if rec.text != "partial" {
		t.Errorf("text = %q, want partial", rec.text)
	}
	if rec.meta.Success || rec.meta.Error == "" || rec.meta.Provider != "alpha" {
		t.Errorf("meta = %+v", rec.meta)
	}
	if got := tg.openai.called(); !equalIDs(got, []string{"alpha"}) {
		t.Errorf("no failover after tokens were delivered, called = %v", got)
	}
	if !tg.cb.IsInCooldown("alpha") {
		t.Error("alpha should be cooled down")
	}
}

func TestChatStream_SyntheticFallback(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	for _, id := range []string{"alpha", "beta"} {
		tg.openai.set(id, reply{err: upstreamErr(id, http.StatusServiceUnavailable)})
	}
	tg.hf.set("gamma", reply{text: "from the sync path"})

	rec := runStream(t, tg, context.Background(), Options{})
	if !rec.meta.Synthetic || !rec.meta.Success || rec.meta.Provider != "gamma" {
		t.Fatalf("meta = %+v", rec.meta)
	}
	if len(rec.tokens) != 1 || rec.tokens[0] != "from the sync path" {
		t.Errorf("tokens = %v", rec.tokens)
	}
	// alpha and beta were each tried once, by the streaming pass.
	if got := tg.openai.called(); !equalIDs(got, []string{"alpha", "beta"}) {
		t.Errorf("openai called = %v", got)
	}
}

func TestChatStream_Exhausted(t *testing.T) {
	tg := newTestGateway(t, envMap{})

	rec := runStream(t, tg, context.Background(), Options{})
	if rec.meta.Success || rec.text != ExhaustedText {
		t.Fatalf("unexpected end: %q %+v", rec.text, rec.meta)
	}
	if rec.meta.Error != providers.ErrExhausted.Error() {
		t.Errorf("error = %q", rec.meta.Error)
	}
}

func TestChatStream_ExplicitNonStreamingProvider(t *testing.T) {
	tg := newTestGateway(t, allKeys)

	rec := runStream(t, tg, context.Background(), Options{Provider: "gamma"})
	if rec.meta.Provider != "gamma" || !rec.meta.Synthetic {
		t.Fatalf("meta = %+v", rec.meta)
	}
	if got := tg.openai.called(); len(got) != 0 {
		t.Errorf("explicit provider should be served before the chain, openai called = %v", got)
	}
}

func TestChatStream_UnknownProvider(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	err := tg.ChatStream(context.Background(), userMsg("hi"), func(string) {}, func(string, StreamMeta) {}, Options{Provider: "nope"})
	if !errors.Is(err, providers.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestChatStream_CallerCancel(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	tg.openai.set("alpha", reply{wait: true})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	rec := runStream(t, tg, ctx, Options{})
	if rec.meta.Success || rec.meta.Error == "" {
		t.Fatalf("meta = %+v", rec.meta)
	}
	if tg.cb.IsInCooldown("alpha") {
		t.Error("an interrupted provider must not be cooled down")
	}
	if got := tg.openai.called(); !equalIDs(got, []string{"alpha"}) {
		t.Errorf("called = %v", got)
	}
}

func TestChatStream_CustomProvider(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	m := tg.withCustom(t)
	if _, err := m.SetupProvider(context.Background(), "u1", custom.Setup{ProviderID: "groq", APIKey: "gsk-user-key-123"}); err != nil {
		t.Fatal(err)
	}
	tg.openai.set("custom:groq", reply{tokens: []string{"mine"}})

	rec := runStream(t, tg, context.Background(), Options{UserID: "u1"})
	if !rec.meta.Custom || rec.meta.Provider != "groq" || rec.text != "mine" {
		t.Fatalf("unexpected end: %q %+v", rec.text, rec.meta)
	}
}

func TestChatStream_CustomProviderFailsOver(t *testing.T) {
	tg := newTestGateway(t, allKeys)
	m := tg.withCustom(t)
	if _, err := m.SetupProvider(context.Background(), "u1", custom.Setup{ProviderID: "groq", APIKey: "gsk-user-key-123"}); err != nil {
		t.Fatal(err)
	}
	tg.openai.set("custom:groq", reply{err: upstreamErr("groq", http.StatusUnauthorized)})

	rec := runStream(t, tg, context.Background(), Options{UserID: "u1"})
	if rec.meta.Custom || rec.meta.Provider != "alpha" {
		t.Fatalf("meta = %+v", rec.meta)
	}
	// The override is not retried by the synchronous fallback.
	if got := tg.openai.called(); !equalIDs(got, []string{"custom:groq", "alpha"}) {
		t.Errorf("called = %v", got)
	}
}
