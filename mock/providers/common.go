package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate an error.
func shouldError(cfg Config) bool {
	return roll(cfg.ErrorRate)
}

// shouldRateLimit returns true if this request should simulate a 429.
func shouldRateLimit(cfg Config) bool {
	return roll(cfg.RateLimitRate)
}

func roll(rate float64) bool {
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

// fault writes a simulated 429 or 500 and reports whether it did.
func fault(w http.ResponseWriter, cfg Config, write func(w http.ResponseWriter, status int, msg string)) bool {
	applyLatency(cfg)
	switch {
	case shouldRateLimit(cfg):
		write(w, http.StatusTooManyRequests, "mock rate limit exceeded")
		return true
	case shouldError(cfg):
		write(w, http.StatusInternalServerError, "mock internal server error")
		return true
	}
	return false
}

// bearer returns the token of an "Authorization: Bearer" header.
func bearer(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}

// keyRejected reports whether key is empty or explicitly marked invalid.
// Keys starting with "invalid" are refused so key validation can be tried
// against the mocks.
func keyRejected(key string) bool {
	return key == "" || strings.HasPrefix(key, "invalid")
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	return &sseWriter{w: w, f: f}
}

func (s *sseWriter) event(name string, v any) {
	data, _ := json.Marshal(v)
	if name != "" {
		_, _ = s.w.Write([]byte("event: " + name + "\n"))
	}
	_, _ = s.w.Write([]byte("data: " + string(data) + "\n\n"))
	s.flush()
}

func (s *sseWriter) raw(line string) {
	_, _ = s.w.Write([]byte(line + "\n\n"))
	s.flush()
}

func (s *sseWriter) flush() {
	if s.f != nil {
		s.f.Flush()
	}
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	typ := "server_error"
	switch status {
	case http.StatusTooManyRequests:
		typ = "rate_limit_exceeded"
	case http.StatusUnauthorized:
		typ = "invalid_api_key"
	case http.StatusBadRequest:
		typ = "invalid_request_error"
	case http.StatusNotFound:
		typ = "not_found"
	}
	writeJSON(w, status, errorResponse{Error: errorDetail{Message: msg, Type: typ, Code: typ}})
}
