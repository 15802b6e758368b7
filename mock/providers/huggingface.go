package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// newHuggingFaceHandler returns an http.Handler simulating the HuggingFace
// Inference API text-generation task:
//
//	POST /models/{owner}/{name}
//
// Point the gateway here with HF_BASE_URL=http://localhost:19004.
// MOCK_HF_COLD_START makes the first request per model answer 503 the way a
// cold model does while loading.
func newHuggingFaceHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	warm := newWarmSet()

	mux.HandleFunc("POST /models/", func(w http.ResponseWriter, r *http.Request) {
		if keyRejected(bearer(r)) {
			writeHFError(w, http.StatusUnauthorized, "Invalid credentials in Authorization header")
			return
		}

		model := strings.TrimPrefix(r.URL.Path, "/models/")
		if model == "" {
			writeHFError(w, http.StatusNotFound, "model not specified")
			return
		}
		if cfg.HFColdStart && !warm.touch(model) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":          fmt.Sprintf("Model %s is currently loading", model),
				"estimated_time": 20.0,
			})
			return
		}
		if fault(w, cfg, writeHFError) {
			return
		}

		var req struct {
			Inputs string `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Inputs == "" {
			writeHFError(w, http.StatusBadRequest, "inputs must be a non-empty string")
			return
		}

		writeJSON(w, http.StatusOK, []map[string]string{
			{"generated_text": fakeSentence(cfg.StreamWords)},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeHFError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func writeHFError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
