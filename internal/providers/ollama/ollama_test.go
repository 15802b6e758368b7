package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nulpointcorp/multillm/internal/providers"
)

func newCall(srv *httptest.Server) *providers.Call {
	return &providers.Call{
		Descriptor: providers.Descriptor{
			ID:            "ollama",
			BaseURL:       srv.URL + "/",
			Model:         "llama3.2",
			FallbackModel: "llama3.2:1b",
			Format:        providers.FormatOllama,
		},
		Messages:    []providers.Message{{Role: "user", Content: "Hi"}},
		Model:       "llama3.2",
		MaxTokens:   64,
		Temperature: 0.7,
	}
}

func TestAdapter_Chat_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Stream || body.Options.NumPredict != 64 || body.Model != "llama3.2" {
			t.Errorf("unexpected body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"llama3.2","message":{"role":"assistant","content":"hey"},"done":true,"prompt_eval_count":4,"eval_count":2}`)
	}))
	defer srv.Close()

	res, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "hey" || res.Tokens.Total() != 6 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestAdapter_Chat_MissingModelFallsBack(t *testing.T) {
	var models []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		models = append(models, body.Model)
		w.Header().Set("Content-Type", "application/json")
		if body.Model == "llama3.2" {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model \"llama3.2\" not found, try pulling it first"}`)
			return
		}
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"small"},"done":true}`)
	}))
	defer srv.Close()

	res, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "llama3.2:1b" || strings.Join(models, ",") != "llama3.2,llama3.2:1b" {
		t.Errorf("model=%q attempts=%v", res.Model, models)
	}
}

func TestAdapter_Chat_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	_, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestAdapter_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			t.Errorf("stream flag missing")
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		for _, line := range []string{
			`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
			`{"message":{"role":"assistant","content":"lo"},"done":false}`,
			`oops`,
			`{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":3,"eval_count":2}`,
		} {
			fmt.Fprintln(w, line)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	var got []string
	res, err := New(WithHTTPClient(srv.Client())).Stream(context.Background(), newCall(srv), func(s string) {
		got = append(got, s)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(got, "|") != "Hel|lo" || res.Text != "Hello" {
		t.Errorf("tokens=%q text=%q", got, res.Text)
	}
	if res.DroppedFrames != 1 || res.Tokens.Total() != 5 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestAdapter_Stream_MidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"par"},"done":false}`)
		fmt.Fprintln(w, `{"error":"out of memory"}`)
	}))
	defer srv.Close()

	res, err := New(WithHTTPClient(srv.Client())).Stream(context.Background(), newCall(srv), func(string) {})
	if err == nil || !strings.Contains(err.Error(), "out of memory") {
		t.Fatalf("expected mid-stream error, got %v", err)
	}
	if res == nil || res.Text != "par" || res.Success {
		t.Errorf("partial result = %+v", res)
	}
}

func TestAdapter_StreamMatchesChat(t *testing.T) {
	deltas := []string{" Hello", " world\n"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		msg := func(content string, done bool) string {
			b, _ := json.Marshal(map[string]any{
				"message": map[string]string{"role": "assistant", "content": content},
				"done":    done,
			})
			return string(b)
		}
		if !body.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, msg(strings.Join(deltas, ""), true))
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, d := range deltas {
			fmt.Fprintln(w, msg(d, false))
		}
		fmt.Fprintln(w, msg("", true))
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
	if joined := strings.Join(tokens, ""); joined != chat.Text || chat.Text != " Hello world\n" {
		t.Errorf("stream %q, chat %q", joined, chat.Text)
	}
}

func TestAdapter_Chat_WhitespaceIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":{"role":"assistant","content":"  \n"},"done":true}`)
	}))
	defer srv.Close()

	_, err := New(WithHTTPClient(srv.Client())).Chat(context.Background(), newCall(srv))
	if !errors.Is(err, providers.ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}
