package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// openaiModels maps friendly names to completion model IDs.
var openaiModels = map[string]string{
	"davinci": "davinci-002",
	"babbage": "babbage-002",
	"gpt-3.5": "gpt-3.5-turbo-instruct",
}

// OpenAIProvider implements Provider on the OpenAI legacy completions
// endpoint, the one that reports per-token logprobs for raw text
// continuation and can echo the prompt for evaluation. vLLM, llama.cpp
// and other compatible servers are reached through BaseURL.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	codec  Codec

	// Token-id prompts bypass client, which only sends text prompts.
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai API key or base URL is required")
	}

	p, err := newOpenAIProviderRaw(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Encoding != "" {
		codec, err := NewTiktokenCodec(cfg.Encoding)
		if err != nil {
			return nil, err
		}
		p.codec = codec
	}
	return p, nil
}

func newOpenAIProviderRaw(cfg OpenAIConfig) (*OpenAIProvider, error) {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(config),
		model:      resolveModel(cfg.Model, openaiModels),
		httpClient: &http.Client{},
		baseURL:    config.BaseURL,
		apiKey:     cfg.APIKey,
	}, nil
}

// WithCodec sets the codec used to fill token ids.
func (p *OpenAIProvider) WithCodec(c Codec) *OpenAIProvider {
	p.codec = c
	return p
}

// Generate continues Prompt+Prefill. With a codec and a token-faithful
// prefill the prompt is sent as token ids, so the prefill is not
// re-tokenized across the join point. Otherwise it is sent as text.
func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var prompt any = req.Prompt + req.Prefill.Text
	if ids, ok := p.tokenPrompt(req.Prompt, req.Prefill); ok {
		if req.ContextLength > 0 && len(ids)+req.MaxTokens > req.ContextLength {
			return nil, &ErrMaxTokensExceeded{Limit: req.ContextLength}
		}
		prompt = ids
	} else if err := p.checkContext(req.Prompt+req.Prefill.Text, req.MaxTokens, req.ContextLength); err != nil {
		return nil, err
	}
	if req.TopK > 0 {
		log.Debug().Int("top_k", req.TopK).Msg("completions endpoint ignores top_k")
	}

	resp, err := p.createCompletion(ctx, openai.CompletionRequest{
		Model:       p.model,
		Prompt:      prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: completionTemperature(req.Temperature),
		LogProbs:    req.TopLogprobs,
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ErrInvalidResponse{Err: fmt.Errorf("no choices in completion response")}
	}
	choice := resp.Choices[0]

	out := &GenerateResponse{
		Text:       choice.Text,
		Truncated:  choice.FinishReason == "length",
		StopReason: mapCompletionStopReason(choice.FinishReason),
		Model:      resp.Model,
		Usage:      mapOpenAIUsage(resp.Usage),
	}

	if req.TopLogprobs > 0 {
		res := choice.LogProbs
		if len(res.Tokens) != len(res.TokenLogprobs) {
			return nil, &ErrInvalidResponse{Err: fmt.Errorf("%d tokens but %d logprobs", len(res.Tokens), len(res.TokenLogprobs))}
		}
		lp := p.convertLogprobs(res, 0, len(res.Tokens), false)
		if choice.FinishReason == "stop" {
			lp.Sampled = append(lp.Sampled, logprobs.NewEOS(-1, "", nil))
		}
		out.Logprobs = lp
	}
	return out, nil
}

// Evaluate echoes Prompt+Text with a one-token lookahead. The echoed
// tokens past the prompt are the sampled tokens of Text; the lookahead
// token's alternatives are the next-position candidates.
func (p *OpenAIProvider) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	prompt := req.Prompt + req.Text
	if err := p.checkContext(prompt, 1, req.ContextLength); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:       p.model,
		Prompt:      prompt,
		MaxTokens:   1,
		Echo:        true,
		Temperature: completionTemperature(0),
		LogProbs:    max(req.TopLogprobs, 1),
	})
	if err != nil {
		return nil, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ErrInvalidResponse{Err: fmt.Errorf("no choices in completion response")}
	}
	res := resp.Choices[0].LogProbs
	if len(res.Tokens) != len(res.TokenLogprobs) {
		return nil, &ErrInvalidResponse{Err: fmt.Errorf("%d tokens but %d logprobs", len(res.Tokens), len(res.TokenLogprobs))}
	}

	first, next := echoBounds(res.Tokens, len(req.Prompt), len(prompt))
	lp := p.convertLogprobs(res, first, next, true)
	if next < len(res.Tokens) && next < len(res.TopLogprobs) {
		lp.Alternatives = append(lp.Alternatives, p.alternatives(res.TopLogprobs[next]))
	}

	return &EvaluateResponse{
		Logprobs: lp,
		Model:    resp.Model,
		Usage:    mapOpenAIUsage(resp.Usage),
	}, nil
}

func (p *OpenAIProvider) ModelID() string {
	return p.model
}

// tokenPrompt encodes prompt and appends the prefill token ids. It reports
// false when there is no codec or the prefill lacks ids.
func (p *OpenAIProvider) tokenPrompt(prompt string, prefill Prefill) ([]int, bool) {
	if p.codec == nil || !prefill.HasTokens() {
		return nil, false
	}
	ids, err := p.codec.Encode(prompt)
	if err != nil {
		log.Warn().Err(err).Msg("encode prompt failed, sending prefill as text")
		return nil, false
	}
	for _, t := range prefill.Tokens {
		if t.IsEOS() {
			continue
		}
		ids = append(ids, t.ID)
	}
	return ids, true
}

// createCompletion sends creq. The client refuses token-id prompts, so
// those are posted to the completions endpoint directly.
func (p *OpenAIProvider) createCompletion(ctx context.Context, creq openai.CompletionRequest) (openai.CompletionResponse, error) {
	if _, ok := creq.Prompt.([]int); !ok {
		return p.client.CreateCompletion(ctx, creq)
	}

	var out openai.CompletionResponse
	body, err := json.Marshal(creq)
	if err != nil {
		return out, fmt.Errorf("encode completion request: %w", err)
	}
	url := strings.TrimRight(p.baseURL, "/") + "/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	res, err := p.httpClient.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return out, err
	}
	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusBadRequest {
		var er openai.ErrorResponse
		if json.Unmarshal(data, &er) != nil || er.Error == nil {
			er.Error = &openai.APIError{Message: string(data)}
		}
		er.Error.HTTPStatus = res.Status
		er.Error.HTTPStatusCode = res.StatusCode
		return out, er.Error
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode completion response: %w", err)
	}
	return out, nil
}

// checkContext rejects requests that cannot fit ContextLength. It needs a
// codec to count tokens and is skipped without one.
func (p *OpenAIProvider) checkContext(prompt string, maxTokens, contextLength int) error {
	if p.codec == nil || contextLength <= 0 {
		return nil
	}
	ids, err := p.codec.Encode(prompt)
	if err != nil {
		return nil
	}
	if len(ids)+maxTokens > contextLength {
		return &ErrMaxTokensExceeded{Limit: contextLength}
	}
	return nil
}

// echoBounds locates, by byte offset, the first echoed token at or after
// the prompt boundary and the first token at or after the end of text.
func echoBounds(tokens []string, promptLen, textEnd int) (first, next int) {
	first, next = len(tokens), len(tokens)
	offset := 0
	for i, tok := range tokens {
		if first == len(tokens) && offset >= promptLen {
			if offset > promptLen {
				log.Warn().
					Int("prompt_bytes", promptLen).
					Int("token_offset", offset).
					Msg("prompt boundary falls inside a token")
			}
			first = i
		}
		if offset >= textEnd {
			next = i
			break
		}
		offset += len(decodeTokenBytes(tok))
	}
	if next < first {
		next = first
	}
	return first, next
}

func (p *OpenAIProvider) convertLogprobs(res openai.LogprobResult, from, to int, echo bool) *logprobs.Logprobs {
	lp := &logprobs.Logprobs{ModelID: p.model}
	for i := from; i < to; i++ {
		tok := p.token(res.Tokens[i], float64(res.TokenLogprobs[i]))
		if echo && i == 0 {
			// The first echoed token has no conditioning context.
			tok.Logprob = nil
		}
		lp.Sampled = append(lp.Sampled, tok)
		if i < len(res.TopLogprobs) {
			lp.Alternatives = append(lp.Alternatives, p.alternatives(res.TopLogprobs[i]))
		} else {
			lp.Alternatives = append(lp.Alternatives, nil)
		}
	}
	return lp
}

// alternatives converts one top_logprobs map into candidates ordered by
// descending logprob. Map order is random, so ties break on text.
func (p *OpenAIProvider) alternatives(top map[string]float32) []logprobs.Token {
	out := make([]logprobs.Token, 0, len(top))
	for text, lp := range top {
		out = append(out, p.token(text, float64(lp)))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if *out[i].Logprob != *out[j].Logprob {
			return *out[i].Logprob > *out[j].Logprob
		}
		return out[i].Text < out[j].Text
	})
	return out
}

func (p *OpenAIProvider) token(text string, lp float64) logprobs.Token {
	b := decodeTokenBytes(text)
	t := logprobs.Token{
		ID:      -1,
		Text:    string(b),
		Bytes:   b,
		Logprob: logprobs.Float(lp),
		Span:    1,
	}
	if p.codec != nil {
		if id, ok := p.codec.TokenID(t.Text); ok {
			t.ID = id
		}
	}
	return t
}

// decodeTokenBytes returns the raw bytes of a reported token. Tokens that
// are not valid UTF-8 on their own are reported as "bytes:\xe2\x80".
func decodeTokenBytes(tok string) []byte {
	rest, ok := strings.CutPrefix(tok, "bytes:")
	if !ok {
		return []byte(tok)
	}
	var out []byte
	for len(rest) > 0 {
		if len(rest) >= 4 && rest[0] == '\\' && rest[1] == 'x' {
			if v, err := strconv.ParseUint(rest[2:4], 16, 8); err == nil {
				out = append(out, byte(v))
				rest = rest[4:]
				continue
			}
		}
		out = append(out, rest[0])
		rest = rest[1:]
	}
	return out
}

// completionTemperature maps 0 (greedy) to the smallest positive value:
// a zero temperature is dropped from the request and the server default
// applies instead.
func completionTemperature(t float64) float32 {
	if t <= 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// mapOpenAIUsage tolerates a missing usage block, which compatible
// servers often leave out.
func mapOpenAIUsage(u *openai.Usage) Usage {
	if u == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

func mapCompletionStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end"
	case "length":
		return "max_tokens"
	default:
		return "end"
	}
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return &ErrRateLimit{Err: err}
		case apiErr.HTTPStatusCode == http.StatusBadRequest && strings.Contains(apiErr.Message, "context length"):
			return &ErrMaxTokensExceeded{}
		case apiErr.HTTPStatusCode >= 500:
			return &ErrProviderUnavailable{Err: err}
		}
	}
	return &ErrProviderUnavailable{Err: err}
}

// resolveModel maps a friendly model name to a provider model ID.
func resolveModel(name string, models map[string]string) string {
	if id, ok := models[name]; ok {
		return id
	}
	// If not in the map, use as-is (allows direct model IDs).
	return name
}
