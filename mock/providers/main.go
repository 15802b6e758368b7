// Command providers runs lightweight HTTP mock servers that simulate each
// upstream wire format. It is used for E2E/load testing without real
// credentials.
//
// Each format listens on its own port:
//
//	OpenAI chat completions (groq, openrouter, cerebras, mistral)  :19001
//	Anthropic Messages                                             :19002
//	Gemini generateContent                                         :19003
//	HuggingFace Inference                                          :19004
//	Ollama                                                         :19005
//
// Environment overrides (PORT_<FORMAT>):
//
//	PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI, PORT_HUGGINGFACE, PORT_OLLAMA
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS         - artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE         - fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_RATE_LIMIT_RATE    - fraction [0,1] of requests that return HTTP 429 (default 0)
//	MOCK_STREAM_WORDS       - words in every response (default 10)
//	MOCK_HF_COLD_START      - first HuggingFace request per model returns 503 (default false)
//
// API keys starting with "invalid" are rejected with 401.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS     int
	ErrorRate     float64
	RateLimitRate float64
	StreamWords   int
	HFColdStart   bool
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	c.ErrorRate = rateFromEnv("MOCK_ERROR_RATE")
	c.RateLimitRate = rateFromEnv("MOCK_RATE_LIMIT_RATE")
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	if v := os.Getenv("MOCK_HF_COLD_START"); v != "" {
		c.HFColdStart, _ = strconv.ParseBool(v)
	}
	return c
}

func rateFromEnv(key string) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return 0
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock provider listening", slog.String("format", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("format", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

// warmSet remembers which models have been requested at least once.
type warmSet struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newWarmSet() *warmSet { return &warmSet{seen: make(map[string]bool)} }

// touch marks model warm and reports whether it already was.
func (s *warmSet) touch(model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.seen[model]
	s.seen[model] = true
	return was
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock providers",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Float64("rate_limit_rate", cfg.RateLimitRate),
		slog.Int("stream_words", cfg.StreamWords),
	)

	servers := []*http.Server{
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19001), newOpenAIHandler(cfg), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19002), newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19003), newGeminiHandler(cfg), log),
		startServer("huggingface", ":"+portFromEnv("PORT_HUGGINGFACE", 19004), newHuggingFaceHandler(cfg), log),
		startServer("ollama", ":"+portFromEnv("PORT_OLLAMA", 19005), newOllamaHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock providers")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock providers stopped")
}
