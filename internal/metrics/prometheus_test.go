package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"
)

func TestRegistry_CountersRegistered(t *testing.T) {
	r := New()

	r.RecordCooldownSet("groq")
	r.RecordCooldownSet("groq")
	r.RecordCooldownSkip("groq")
	r.RecordDowngrade("gemini", "gemini-2.0-flash", "gemini-1.5-flash")
	r.RecordCustomCall("openai", "success")
	r.AddStreamTokens("ollama", 3)
	r.AddStreamTokens("ollama", 0)
	r.AddMalformedFrames("ollama", 1)
	r.RecordExhausted("chat")
	r.ObserveUpstreamAttempt("groq", "chat", "success", 20*time.Millisecond)

	if got := testutil.ToFloat64(r.cooldownSet.WithLabelValues("groq")); got != 2 {
		t.Errorf("cooldown_set = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.streamTokens.WithLabelValues("ollama")); got != 3 {
		t.Errorf("stream_tokens = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.exhausted.WithLabelValues("chat")); got != 1 {
		t.Errorf("exhausted = %v, want 1", got)
	}

	n, err := testutil.GatherAndCount(r.PromRegistry(), "gateway_model_downgrades_total")
	if err != nil || n != 1 {
		t.Errorf("downgrade series = %d, err=%v", n, err)
	}
}

func TestRegistry_ProviderAvailableGauge(t *testing.T) {
	r := New()
	r.SetProviderAvailable("groq", true)
	r.SetProviderAvailable("gemini", false)

	if got := testutil.ToFloat64(r.providerAvailable.WithLabelValues("groq")); got != 1 {
		t.Errorf("groq = %v", got)
	}
	if got := testutil.ToFloat64(r.providerAvailable.WithLabelValues("gemini")); got != 0 {
		t.Errorf("gemini = %v", got)
	}
}

func TestRegistry_Handler(t *testing.T) {
	r := New()
	r.SetBuildInfo("1.2.3")
	r.ObserveHTTP("chat", 200, time.Millisecond, 128)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetRequestURI("/metrics")
	r.Handler()(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	for _, want := range []string{`gateway_build_info{version="1.2.3"} 1`, "gateway_http_requests_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
