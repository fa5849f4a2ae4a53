package llm

import (
	"context"

	"github.com/abhisek/beamtree/internal/logprobs"
)

// Provider is the generation/evaluation capability the exploration engine
// drives. Implementations are not expected to be reentrant: callers issue
// one request at a time per provider instance.
type Provider interface {
	// Generate continues Prompt+Prefill by up to MaxTokens tokens. When
	// TopLogprobs > 0 the response must carry per-token logprobs for the
	// generated tokens.
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)

	// Evaluate scores an already known text under Prompt. The returned
	// logprobs cover Text and include alternatives for the position right
	// after it.
	Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Prefill is the already-fixed start of the completion.
type Prefill struct {
	// Text is the prefill as plain text. Always set.
	Text string

	// Tokens is the token-faithful form of Text. Providers that can accept
	// token ids use it to avoid re-tokenizing across the join point; others
	// fall back to Text.
	Tokens []logprobs.Token
}

// HasTokens reports whether every prefill token carries a tokenizer id.
func (p Prefill) HasTokens() bool {
	if len(p.Tokens) == 0 {
		return false
	}
	for _, t := range p.Tokens {
		if t.ID < 0 {
			return false
		}
	}
	return true
}

// GenerateRequest describes one generation call.
type GenerateRequest struct {
	Prompt  string
	Prefill Prefill

	// Temperature controls randomness. 0 means greedy.
	Temperature float64

	// TopK limits sampling to the K most likely tokens. 0 disables it.
	TopK int

	// ContextLength is the model context window to request, 0 for the
	// provider default.
	ContextLength int

	MaxTokens int

	// TopLogprobs is the number of alternatives to return per position.
	TopLogprobs int
}

// GenerateResponse holds the continuation produced by a provider.
type GenerateResponse struct {
	// Text is the generated continuation only, without the prefill.
	Text string

	// Logprobs covers the generated tokens. Nil when not requested or not
	// supported.
	Logprobs *logprobs.Logprobs

	// Truncated is set when generation stopped at MaxTokens.
	Truncated bool

	// StopReason is normalized to "end", "max_tokens" or "error".
	StopReason string

	Model string
	Usage Usage
}

// EvaluateRequest describes one evaluation call.
type EvaluateRequest struct {
	Prompt string

	// Text is the completion text to score.
	Text string

	// Tokens is the token-faithful form of Text when known.
	Tokens []logprobs.Token

	ContextLength int
	TopLogprobs   int
}

// EvaluateResponse holds the logprobs for an evaluated text.
type EvaluateResponse struct {
	Logprobs *logprobs.Logprobs
	Model    string
	Usage    Usage
}

// Usage tracks token consumption for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}
