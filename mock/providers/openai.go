package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// newOpenAIHandler returns an http.Handler that simulates the OpenAI chat
// completions API spoken by Groq, OpenRouter, Cerebras and Mistral.
// Point any of them here with e.g. GROQ_BASE_URL=http://localhost:19001/v1.
func newOpenAIHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if keyRejected(bearer(r)) {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if fault(w, cfg, writeError) {
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(req.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "messages must not be empty")
			return
		}

		model := req.Model
		if model == "" {
			model = "llama-3.3-70b-versatile"
		}

		id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
		content := fakeSentence(cfg.StreamWords)
		inTokens := 10
		outTokens := cfg.StreamWords

		if req.Stream {
			serveOpenAIStream(w, id, model, content)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"id":      id,
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"message": map[string]string{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     inTokens,
				"completion_tokens": outTokens,
				"total_tokens":      inTokens + outTokens,
			},
		})
	})

	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "llama-3.3-70b-versatile", "object": "model", "owned_by": "mock"},
				{"id": "llama-3.1-8b-instant", "object": "model", "owned_by": "mock"},
				{"id": "mistral-small-latest", "object": "model", "owned_by": "mock"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

// serveOpenAIStream writes an SSE stream of chat completion chunks, one per
// word, followed by a finish chunk and [DONE].
func serveOpenAIStream(w http.ResponseWriter, id, model, content string) {
	sse := newSSEWriter(w)

	chunk := func(delta map[string]string, finish any) map[string]any {
		return map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": delta, "finish_reason": finish},
			},
		}
	}

	sse.event("", chunk(map[string]string{"role": "assistant"}, nil))
	for _, word := range strings.Fields(content) {
		sse.event("", chunk(map[string]string{"content": word + " "}, nil))
	}
	sse.event("", chunk(map[string]string{}, "stop"))
	sse.raw("data: [DONE]")
}
