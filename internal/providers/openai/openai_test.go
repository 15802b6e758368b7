package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/nulpointcorp/multillm/internal/providers"
)

func newCall(srv *httptest.Server) *providers.Call {
	return &providers.Call{
		Descriptor: providers.Descriptor{
			ID:            "groq",
			BaseURL:       srv.URL + "/openai/v1",
			Model:         "big",
			FallbackModel: "small",
			Format:        providers.FormatOpenAI,
		},
		APIKey:      "mock-api-key",
		Messages:    []providers.Message{{Role: "system", Content: "be brief"}, {Role: "user", Content: "Hello"}},
		Model:       "big",
		MaxTokens:   128,
		Temperature: 0.7,
	}
}

func completion(model, content string) map[string]any {
	return map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}
}

func TestAdapter_Format(t *testing.T) {
	if New().Format() != providers.FormatOpenAI {
		t.Fatal("unexpected format")
	}
}

func TestAdapter_Chat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/openai/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "big" || body["max_tokens"] != float64(128) || body["top_p"] != topP {
			t.Errorf("unexpected body: %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("big", "Hello, world!"))
	}))
	defer srv.Close()

	res, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.Text != "Hello, world!" || res.Provider != "groq" || res.Model != "big" {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Tokens.Total() != 15 {
		t.Errorf("tokens = %v", res.Tokens)
	}
}

func TestAdapter_Chat_RateLimitFallsBackToSmallModel(t *testing.T) {
	var (
		mu     sync.Mutex
		models []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		models = append(models, body.Model)
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if body.Model == "big" {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit"}}`)
			return
		}
		_ = json.NewEncoder(w).Encode(completion(body.Model, "ok"))
	}))
	defer srv.Close()

	res, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "small" {
		t.Errorf("model = %q, want small", res.Model)
	}
	if strings.Join(models, ",") != "big,small" {
		t.Errorf("attempts = %v", models)
	}
}

func TestAdapter_Chat_ServerErrorNoFallback(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	_, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if providers.StatusOf(err) != http.StatusInternalServerError {
		t.Fatalf("expected 500 provider error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestAdapter_Chat_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completion("big", "  "))
	}))
	defer srv.Close()

	_, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestAdapter_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("stream flag missing: %v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, frame := range []string{
			`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{not json`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var tokens []string
	res, err := New(WithHTTPClient(srv.Client())).Stream(context.Background(), newCall(srv), func(s string) {
		tokens = append(tokens, s)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(tokens, "|") != "Hel|lo" || res.Text != "Hello" {
		t.Errorf("tokens=%q text=%q", tokens, res.Text)
	}
	if res.DroppedFrames != 1 || res.Tokens.Total() != 5 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestAdapter_Stream_EmptyIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	_, err := New(WithHTTPClient(srv.Client())).Stream(context.Background(), newCall(srv), func(string) {})
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestAdapter_StreamMatchesChat(t *testing.T) {
	deltas := []string{" Hello", " world", "\n"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(completion("big", strings.Join(deltas, "")))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			frame, _ := json.Marshal(map[string]any{
				"choices": []any{map[string]any{"delta": map[string]any{"content": d}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", frame)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	a := New(WithHTTPClient(srv.Client()))
	chat, err := a.Chat(context.Background(), newCall(srv))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	var tokens []string
	if _, err := a.Stream(context.Background(), newCall(srv), func(s string) {
		tokens = append(tokens, s)
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if joined := strings.Join(tokens, ""); joined != chat.Text {
		t.Errorf("stream %q != chat %q", joined, chat.Text)
	}
}

func TestAdapter_Stream_WhitespaceIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" \\n \"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	_, err := New(WithHTTPClient(srv.Client())).Stream(context.Background(), newCall(srv), func(string) {})
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}
