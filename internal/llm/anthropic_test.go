package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func newTestAnthropicProvider(t *testing.T, handler http.HandlerFunc) *AnthropicProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := anthropic.NewClient(
		option.WithAPIKey("test-key"),
		option.WithBaseURL(server.URL),
		option.WithMaxRetries(0),
	)
	return &AnthropicProvider{
		client: &client,
		model:  "claude-haiku-4-5-20251001",
	}
}

func TestAnthropicProvider_ContinuesPrefill(t *testing.T) {
	var seen struct {
		Messages []struct {
			Role    string `json:"role"`
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"messages"`
		TopK int `json:"top_k"`
	}
	handler := func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&seen)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":   "msg_test",
			"type": "message",
			"role": "assistant",
			"content": []map[string]any{
				{"type": "text", "text": " time, a dragon"},
			},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "max_tokens",
			"usage": map[string]any{
				"input_tokens":  20,
				"output_tokens": 4,
			},
		})
	}

	p := newTestAnthropicProvider(t, handler)
	resp, err := p.Generate(context.Background(), GenerateRequest{
		Prompt:    "Tell a story.",
		Prefill:   Prefill{Text: "Once upon a "},
		TopK:      40,
		MaxTokens: 4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(seen.Messages) != 2 || seen.Messages[1].Role != "assistant" {
		t.Fatalf("messages = %+v", seen.Messages)
	}
	if got := seen.Messages[1].Content[0].Text; got != "Once upon a" {
		t.Fatalf("prefill sent = %q, want trailing space trimmed", got)
	}
	if seen.TopK != 40 {
		t.Fatalf("top_k = %d", seen.TopK)
	}
	if resp.Text != "time, a dragon" {
		t.Fatalf("text = %q", resp.Text)
	}
	if !resp.Truncated || resp.Usage.TotalTokens != 24 {
		t.Fatalf("truncated=%v usage=%+v", resp.Truncated, resp.Usage)
	}
}

func TestAnthropicProvider_LogprobsUnsupported(t *testing.T) {
	p := &AnthropicProvider{model: "claude-haiku-4-5-20251001"}
	_, err := p.Generate(context.Background(), GenerateRequest{TopLogprobs: 5})
	var unsupported *ErrUnsupported
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	_, err = p.Evaluate(context.Background(), EvaluateRequest{Text: "x"})
	if !errors.As(err, &unsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestAnthropicProvider_RateLimit(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"type": "error",
			"error": map[string]any{
				"type":    "rate_limit_error",
				"message": "Rate limit exceeded",
			},
		})
	}

	p := newTestAnthropicProvider(t, handler)
	_, err := p.Generate(context.Background(), GenerateRequest{Prompt: "test", MaxTokens: 100})
	var rl *ErrRateLimit
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimit, got: %T (%v)", err, err)
	}
}

func TestAnthropicModelMapping(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"claude-sonnet", "claude-sonnet-4-20250514"},
		{"claude-haiku", "claude-haiku-4-5-20251001"},
		{"claude-haiku-4-5-20251001", "claude-haiku-4-5-20251001"}, // Pass-through
	}
	for _, tt := range tests {
		got := resolveModel(tt.input, anthropicModels)
		if got != tt.expected {
			t.Errorf("resolveModel(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
