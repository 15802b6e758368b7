package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestTokens_Total(t *testing.T) {
	cases := []struct {
		name string
		in   Tokens
		want int
	}{
		{"nil", nil, 0},
		{"openai", Tokens{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}, 7},
		{"openai without total", Tokens{"prompt_tokens": 3, "completion_tokens": 4}, 7},
		{"gemini", Tokens{"promptTokenCount": 2, "totalTokenCount": 9}, 9},
		{"anthropic", Tokens{"input_tokens": 5, "output_tokens": 6}, 11},
		{"ollama", Tokens{"prompt_eval_count": 1, "eval_count": 2}, 3},
		{"unknown", Tokens{"weird": 42}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.in.Total(); got != tc.want {
				t.Errorf("Total() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestChatWithFallback_RetriesOnceWithFallbackModel(t *testing.T) {
	call := &Call{
		Descriptor: Descriptor{ID: "a", FallbackModel: "small"},
		Model:      "big",
	}
	var models []string
	res, err := ChatWithFallback(context.Background(), call, IsRateLimited,
		func(_ context.Context, model string) (*Result, error) {
			models = append(models, model)
			if model == "big" {
				return nil, &ProviderError{Provider: "a", StatusCode: http.StatusTooManyRequests}
			}
			return &Result{Success: true, Text: "hi", Model: model}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Model != "small" {
		t.Errorf("model = %q, want small", res.Model)
	}
	if fmt.Sprint(models) != "[big small]" {
		t.Errorf("attempts = %v", models)
	}
}

func TestChatWithFallback_NoRetryForOtherErrors(t *testing.T) {
	call := &Call{Descriptor: Descriptor{FallbackModel: "small"}, Model: "big"}
	calls := 0
	_, err := ChatWithFallback(context.Background(), call, IsRateLimited,
		func(context.Context, string) (*Result, error) {
			calls++
			return nil, &ProviderError{StatusCode: http.StatusInternalServerError}
		})
	if err == nil || calls != 1 {
		t.Fatalf("expected one failing attempt, got calls=%d err=%v", calls, err)
	}
}

func TestChatWithFallback_SecondFailureSurfaces(t *testing.T) {
	call := &Call{Descriptor: Descriptor{FallbackModel: "small"}, Model: "big"}
	calls := 0
	_, err := ChatWithFallback(context.Background(), call, IsRateLimited,
		func(context.Context, string) (*Result, error) {
			calls++
			return nil, &ProviderError{StatusCode: http.StatusTooManyRequests}
		})
	if !IsRateLimited(err) || calls != 2 {
		t.Fatalf("expected two 429 attempts, got calls=%d err=%v", calls, err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), "timeout"},
		{ErrEmptyResponse, "empty"},
		{&ConfigurationError{Provider: "groq", Env: "GROQ_API_KEY"}, "unconfigured"},
		{&ProviderError{StatusCode: 503}, "http_503"},
		{errors.New("boom"), "unknown"},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestSplitSystem(t *testing.T) {
	sys, rest := SplitSystem([]Message{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "hi"},
		{Role: "System", Content: "b"},
		{Role: "assistant", Content: "yo"},
	})
	if sys != "a\nb" {
		t.Errorf("system = %q", sys)
	}
	if len(rest) != 2 || rest[0].Role != "user" || rest[1].Role != "assistant" {
		t.Errorf("rest = %+v", rest)
	}
}
