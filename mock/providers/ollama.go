package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// newOllamaHandler returns an http.Handler simulating a local Ollama server.
// POST /api/chat streams NDJSON unless the request sets "stream": false.
// Point the gateway here with OLLAMA_URL=http://localhost:19005.
func newOllamaHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", func(w http.ResponseWriter, r *http.Request) {
		if fault(w, cfg, writeOllamaError) {
			return
		}

		var req struct {
			Model    string `json:"model"`
			Stream   *bool  `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOllamaError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Model == "" {
			writeOllamaError(w, http.StatusBadRequest, "model is required")
			return
		}

		content := fakeSentence(cfg.StreamWords)
		inTokens := 10

		if req.Stream != nil && !*req.Stream {
			writeJSON(w, http.StatusOK, ollamaMessage(req.Model, content, true, inTokens, cfg.StreamWords))
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		words := strings.Fields(content)
		for _, word := range words {
			_ = enc.Encode(ollamaMessage(req.Model, word+" ", false, 0, 0))
			if flusher != nil {
				flusher.Flush()
			}
		}
		_ = enc.Encode(ollamaMessage(req.Model, "", true, inTokens, len(words)))
		if flusher != nil {
			flusher.Flush()
		}
	})

	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]string{
				{"name": "llama3.2:latest"},
				{"name": "llama3.2:1b"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeOllamaError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func ollamaMessage(model, content string, done bool, inTokens, outTokens int) map[string]any {
	msg := map[string]any{
		"model":      model,
		"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		"message":    map[string]string{"role": "assistant", "content": content},
		"done":       done,
	}
	if done {
		msg["done_reason"] = "stop"
		msg["prompt_eval_count"] = inTokens
		msg["eval_count"] = outTokens
	}
	return msg
}

func writeOllamaError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
