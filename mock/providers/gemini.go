package main

import (
	"fmt"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Google Gemini API:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent?alt=sse
//
// where {base} is /v1beta. Point the gateway here with
// GEMINI_BASE_URL=http://localhost:19003/v1beta.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			key = r.Header.Get("x-goog-api-key")
		}
		if keyRejected(key) {
			writeGeminiError(w, http.StatusUnauthorized, "API key not valid")
			return
		}

		path := r.URL.Path
		model := extractModel(path)

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if fault(w, cfg, writeGeminiError) {
				return
			}
			writeJSON(w, http.StatusOK, geminiResponse(fakeSentence(cfg.StreamWords), model, 10, cfg.StreamWords))

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if fault(w, cfg, writeGeminiError) {
				return
			}
			serveGeminiStream(w, model, fakeSentence(cfg.StreamWords))

		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func geminiResponse(text, model string, inTokens, outTokens int) map[string]any {
	resp := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": text}},
				},
				"index": 0,
			},
		},
		"modelVersion": model,
	}
	if outTokens > 0 {
		resp["usageMetadata"] = map[string]int{
			"promptTokenCount":     inTokens,
			"candidatesTokenCount": outTokens,
			"totalTokenCount":      inTokens + outTokens,
		}
	}
	return resp
}

// serveGeminiStream writes one alt=sse frame per word; the last frame
// carries finishReason and usage.
func serveGeminiStream(w http.ResponseWriter, model, content string) {
	sse := newSSEWriter(w)

	words := strings.Fields(content)
	for i, word := range words {
		frame := geminiResponse(word+" ", model, 0, 0)
		if i == len(words)-1 {
			frame = geminiResponse(word, model, 10, len(words))
			frame["candidates"].([]map[string]any)[0]["finishReason"] = "STOP"
		}
		sse.event("", frame)
	}
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	st := "INTERNAL"
	switch status {
	case http.StatusTooManyRequests:
		st = "RESOURCE_EXHAUSTED"
	case http.StatusUnauthorized:
		st = "UNAUTHENTICATED"
	case http.StatusNotFound:
		st = "NOT_FOUND"
	}
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  st,
		},
	})
}

// extractModel pulls the model name out of a path like
// /v1beta/models/gemini-2.0-flash:generateContent
func extractModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.0-flash"
}
