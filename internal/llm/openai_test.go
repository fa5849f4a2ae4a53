package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/abhisek/beamtree/internal/logprobs"
)

func newTestOpenAIProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := newOpenAIProviderRaw(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: server.URL + "/v1",
		Model:   "davinci-002",
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func completionHandler(t *testing.T, seen *map[string]any, choice map[string]any) http.HandlerFunc {
	return completionHandlerWithUsage(t, seen, choice, map[string]any{
		"prompt_tokens":     12,
		"completion_tokens": 2,
		"total_tokens":      14,
	})
}

func completionHandlerWithUsage(t *testing.T, seen *map[string]any, choice, usage map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		body := map[string]any{
			"id":      "cmpl-test",
			"object":  "text_completion",
			"created": 1234567890,
			"model":   "davinci-002",
			"choices": []map[string]any{choice},
		}
		if usage != nil {
			body["usage"] = usage
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}
}

func TestOpenAIProvider_GenerateWithLogprobs(t *testing.T) {
	var seen map[string]any
	p := newTestOpenAIProvider(t, completionHandler(t, &seen, map[string]any{
		"text":          " time,",
		"index":         0,
		"finish_reason": "length",
		"logprobs": map[string]any{
			"tokens":         []string{" time", ","},
			"token_logprobs": []float64{-0.1, -0.3},
			"top_logprobs": []map[string]float64{
				{" day": -0.3, " time": -0.1},
				{",": -0.3, " there": -0.9},
			},
			"text_offset": []int{11, 16},
		},
	}))

	resp, err := p.Generate(context.Background(), GenerateRequest{
		Prompt:      "Tell a story.\n",
		Prefill:     Prefill{Text: "Once upon a"},
		MaxTokens:   2,
		TopLogprobs: 2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if seen["prompt"] != "Tell a story.\nOnce upon a" {
		t.Fatalf("prompt sent = %q", seen["prompt"])
	}
	if seen["logprobs"] != float64(2) {
		t.Fatalf("logprobs sent = %v", seen["logprobs"])
	}
	if resp.Text != " time," {
		t.Fatalf("text = %q", resp.Text)
	}
	if !resp.Truncated || resp.StopReason != "max_tokens" {
		t.Fatalf("stop=%q truncated=%v", resp.StopReason, resp.Truncated)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 2 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	lp := resp.Logprobs
	if lp == nil || len(lp.Sampled) != 2 {
		t.Fatalf("logprobs = %+v", lp)
	}
	if lp.Text() != " time," {
		t.Fatalf("logprob text = %q", lp.Text())
	}
	alts := lp.Alternatives[0]
	if len(alts) != 2 || alts[0].Text != " time" || alts[1].Text != " day" {
		t.Fatalf("alternatives not ordered by logprob: %+v", alts)
	}
}

func TestOpenAIProvider_GenerateStopAddsEOS(t *testing.T) {
	p := newTestOpenAIProvider(t, completionHandler(t, nil, map[string]any{
		"text":          ".",
		"index":         0,
		"finish_reason": "stop",
		"logprobs": map[string]any{
			"tokens":         []string{"."},
			"token_logprobs": []float64{-0.2},
			"top_logprobs":   []map[string]float64{{".": -0.2}},
		},
	}))

	resp, err := p.Generate(context.Background(), GenerateRequest{MaxTokens: 4, TopLogprobs: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != "end" {
		t.Fatalf("stop = %q", resp.StopReason)
	}
	sampled := resp.Logprobs.Sampled
	if len(sampled) != 2 || !sampled[1].IsEOS() {
		t.Fatalf("sampled = %+v", sampled)
	}
}

func TestOpenAIProvider_MissingUsage(t *testing.T) {
	p := newTestOpenAIProvider(t, completionHandlerWithUsage(t, nil, map[string]any{
		"text":          " time",
		"index":         0,
		"finish_reason": "length",
	}, nil))

	resp, err := p.Generate(context.Background(), GenerateRequest{MaxTokens: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Usage != (Usage{}) {
		t.Fatalf("usage = %+v, want zero", resp.Usage)
	}
	if resp.Text != " time" {
		t.Fatalf("text = %q", resp.Text)
	}
}

func TestOpenAIProvider_GenerateSendsPrefillTokenIDs(t *testing.T) {
	var seen map[string]any
	var auth string
	choice := map[string]any{
		"text":          " upon",
		"index":         0,
		"finish_reason": "length",
		"logprobs": map[string]any{
			"tokens":         []string{" upon"},
			"token_logprobs": []float64{-0.2},
			"top_logprobs":   []map[string]float64{{" upon": -0.2}},
		},
	}
	handler := completionHandler(t, &seen, choice)
	p := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		handler(w, r)
	}).WithCodec(wordCodec{})

	resp, err := p.Generate(context.Background(), GenerateRequest{
		Prompt: "Tell a story.",
		Prefill: Prefill{
			Text: "Once",
			Tokens: []logprobs.Token{
				logprobs.NewToken(11, "On", -0.1),
				logprobs.NewToken(12, "ce", -0.1),
			},
		},
		MaxTokens:   1,
		TopLogprobs: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt, ok := seen["prompt"].([]any)
	if !ok {
		t.Fatalf("prompt sent = %#v, want token ids", seen["prompt"])
	}
	want := []float64{4, 1, 6, 11, 12}
	if len(prompt) != len(want) {
		t.Fatalf("prompt ids = %v, want %v", prompt, want)
	}
	for i, id := range want {
		if prompt[i] != id {
			t.Fatalf("prompt ids = %v, want %v", prompt, want)
		}
	}
	if seen["model"] != "davinci-002" || seen["logprobs"] != float64(1) {
		t.Fatalf("request = %v", seen)
	}
	if auth != "Bearer test-key" {
		t.Fatalf("authorization = %q", auth)
	}
	if resp.Text != " upon" || resp.Usage.TotalTokens != 14 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestOpenAIProvider_PrefillWithoutIDsSentAsText(t *testing.T) {
	var seen map[string]any
	p := newTestOpenAIProvider(t, completionHandler(t, &seen, map[string]any{
		"text":          " upon",
		"index":         0,
		"finish_reason": "length",
	})).WithCodec(wordCodec{})

	_, err := p.Generate(context.Background(), GenerateRequest{
		Prompt: "P:",
		Prefill: Prefill{
			Text:   "Once",
			Tokens: []logprobs.Token{logprobs.NewToken(-1, "Once", -0.1)},
		},
		MaxTokens: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen["prompt"] != "P:Once" {
		t.Fatalf("prompt sent = %#v", seen["prompt"])
	}
}

func TestOpenAIProvider_TokenPromptError(t *testing.T) {
	p := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "tokens",
				"message": "Rate limit exceeded",
			},
		})
	}).WithCodec(wordCodec{})

	_, err := p.Generate(context.Background(), GenerateRequest{
		Prefill:   Prefill{Text: "Once", Tokens: []logprobs.Token{logprobs.NewToken(4, "Once", -0.1)}},
		MaxTokens: 1,
	})
	var rl *ErrRateLimit
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimit, got: %T (%v)", err, err)
	}
}

func TestOpenAIProvider_EvaluateEcho(t *testing.T) {
	var seen map[string]any
	p := newTestOpenAIProvider(t, completionHandler(t, &seen, map[string]any{
		"text":          "Tell: café The",
		"index":         0,
		"finish_reason": "length",
		"logprobs": map[string]any{
			"tokens":         []string{"Tell", ":", " caf", `bytes:\xc3`, `bytes:\xa9`, " The"},
			"token_logprobs": []any{nil, -1.0, -0.5, -0.7, -0.01, -0.2},
			"top_logprobs": []any{
				nil,
				map[string]float64{":": -1.0},
				map[string]float64{" caf": -0.5, " cat": -0.9},
				map[string]float64{`bytes:\xc3`: -0.7},
				map[string]float64{`bytes:\xa9`: -0.01},
				map[string]float64{" The": -0.2, " A": -1.5},
			},
		},
	}))

	resp, err := p.Evaluate(context.Background(), EvaluateRequest{
		Prompt:      "Tell:",
		Text:        " café",
		TopLogprobs: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen["echo"] != true || seen["max_tokens"] != float64(1) {
		t.Fatalf("request = %v", seen)
	}

	lp := resp.Logprobs
	if len(lp.Sampled) != 3 {
		t.Fatalf("sampled = %+v", lp.Sampled)
	}
	if lp.Sampled[1].Bytes[0] != 0xc3 || lp.Sampled[2].Bytes[0] != 0xa9 {
		t.Fatalf("raw bytes not decoded: %x %x", lp.Sampled[1].Bytes, lp.Sampled[2].Bytes)
	}
	if got := logprobs.Text(logprobs.Stitch(lp.Sampled)); got != " café" {
		t.Fatalf("stitched text = %q", got)
	}
	next := lp.NextAlternatives()
	if len(next) != 2 || next[0].Text != " The" {
		t.Fatalf("next alternatives = %+v", next)
	}
}

func TestOpenAIProvider_RateLimit(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "tokens",
				"message": "Rate limit exceeded",
				"code":    "rate_limit_exceeded",
			},
		})
	}

	p := newTestOpenAIProvider(t, handler)
	_, err := p.Generate(context.Background(), GenerateRequest{MaxTokens: 100})
	if err == nil {
		t.Fatal("expected error")
	}
	var rl *ErrRateLimit
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimit, got: %T (%v)", err, err)
	}
}

func TestOpenAIProvider_ContextLengthError(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "invalid_request_error",
				"message": "This model's maximum context length is 4097 tokens.",
			},
		})
	}

	p := newTestOpenAIProvider(t, handler)
	_, err := p.Evaluate(context.Background(), EvaluateRequest{Text: "long"})
	var maxTok *ErrMaxTokensExceeded
	if !errors.As(err, &maxTok) {
		t.Fatalf("expected ErrMaxTokensExceeded, got: %T (%v)", err, err)
	}
}

func TestOpenAIProvider_ServerError(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"type":    "server_error",
				"message": "Internal server error",
			},
		})
	}

	p := newTestOpenAIProvider(t, handler)
	_, err := p.Generate(context.Background(), GenerateRequest{MaxTokens: 100})
	var unavail *ErrProviderUnavailable
	if !errors.As(err, &unavail) {
		t.Fatalf("expected ErrProviderUnavailable, got: %T (%v)", err, err)
	}
}

type wordCodec struct{}

func (wordCodec) TokenID(text string) (int, bool) { return len(text), text != "" }

func (wordCodec) Encode(text string) ([]int, error) {
	fields := strings.Fields(text)
	out := make([]int, len(fields))
	for i, f := range fields {
		out[i] = len(f)
	}
	return out, nil
}

func (wordCodec) Name() string { return "words" }

func TestOpenAIProvider_ContextCheckBeforeRequest(t *testing.T) {
	called := false
	p := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}).WithCodec(wordCodec{})

	_, err := p.Generate(context.Background(), GenerateRequest{
		Prompt:        "one two three",
		Prefill:       Prefill{Text: " four"},
		MaxTokens:     2,
		ContextLength: 5,
	})
	var maxTok *ErrMaxTokensExceeded
	if !errors.As(err, &maxTok) || maxTok.Limit != 5 {
		t.Fatalf("expected ErrMaxTokensExceeded(5), got: %v", err)
	}
	if called {
		t.Fatal("request should not reach the server")
	}
}

func TestOpenAIProvider_CodecFillsTokenIDs(t *testing.T) {
	p := (&OpenAIProvider{model: "davinci-002"}).WithCodec(wordCodec{})
	tok := p.token(" time", -0.1)
	if tok.ID != 5 {
		t.Fatalf("id = %d, want 5", tok.ID)
	}

	bare := &OpenAIProvider{model: "davinci-002"}
	if id := bare.token(" time", -0.1).ID; id != -1 {
		t.Fatalf("id without codec = %d, want -1", id)
	}
}

func TestDecodeTokenBytes(t *testing.T) {
	tests := []struct {
		in   string
		want []byte
	}{
		{"hello", []byte("hello")},
		{`bytes:\xe2\x80`, []byte{0xe2, 0x80}},
		{`bytes: \xf0`, []byte{' ', 0xf0}},
		{`bytes:\xzz`, []byte(`\xzz`)},
	}
	for _, tt := range tests {
		got := decodeTokenBytes(tt.in)
		if string(got) != string(tt.want) {
			t.Errorf("decodeTokenBytes(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}

func TestEchoBounds(t *testing.T) {
	tokens := []string{"Once", " upon", " a", " time"}

	first, next := echoBounds(tokens, len("Once"), len("Once upon a"))
	if first != 1 || next != 3 {
		t.Fatalf("bounds = %d,%d; want 1,3", first, next)
	}

	// Boundary inside a token: the token straddling it belongs to the prompt.
	first, next = echoBounds(tokens, len("On"), len("Once upon a time"))
	if first != 1 || next != 4 {
		t.Fatalf("bounds = %d,%d; want 1,4", first, next)
	}
}

func TestOpenAIModelMapping(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"davinci", "davinci-002"},
		{"gpt-3.5", "gpt-3.5-turbo-instruct"},
		{"llama-3-8b", "llama-3-8b"}, // Pass-through
	}
	for _, tt := range tests {
		got := resolveModel(tt.input, openaiModels)
		if got != tt.expected {
			t.Errorf("resolveModel(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestCompletionTemperature(t *testing.T) {
	if completionTemperature(0) <= 0 {
		t.Fatal("greedy temperature must stay positive")
	}
	if completionTemperature(0.7) != float32(0.7) {
		t.Fatalf("temperature = %v", completionTemperature(0.7))
	}
}
