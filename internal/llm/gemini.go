package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/abhisek/beamtree/internal/logprobs"
	"google.golang.org/genai"
)

// geminiModels maps friendly names to Gemini model IDs.
var geminiModels = map[string]string{
	"gemini-flash": "gemini-2.0-flash",
	"gemini-pro":   "gemini-2.0-pro",
}

// GeminiProvider implements Provider using the Google Gemini SDK.
// Gemini reports logprobs for generated tokens but cannot score a given
// text, so Evaluate is unsupported.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a new Gemini provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		model:  resolveModel(cfg.Model, geminiModels),
	}, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	temp := float32(req.Temperature)
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
		Temperature:     &temp,
	}
	if req.TopK > 0 {
		k := float32(req.TopK)
		config.TopK = &k
	}
	if req.TopLogprobs > 0 {
		n := int32(req.TopLogprobs)
		config.ResponseLogprobs = true
		config.Logprobs = &n
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, buildGeminiContents(req), config)
	if err != nil {
		return nil, mapGeminiError(err)
	}

	resp := &GenerateResponse{
		Text:       result.Text(),
		Model:      p.model,
		StopReason: mapGeminiStopReason(result),
	}
	resp.Truncated = resp.StopReason == "max_tokens"

	if result.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(result.UsageMetadata.TotalTokenCount),
		}
	}

	if req.TopLogprobs > 0 && len(result.Candidates) > 0 && result.Candidates[0].LogprobsResult != nil {
		lp, err := convertGeminiLogprobs(p.model, result.Candidates[0].LogprobsResult)
		if err != nil {
			return nil, &ErrInvalidResponse{Err: err}
		}
		if resp.StopReason == "end" {
			lp.Sampled = append(lp.Sampled, logprobs.NewEOS(-1, "", nil))
		}
		resp.Logprobs = lp
	}

	return resp, nil
}

func (p *GeminiProvider) Evaluate(context.Context, EvaluateRequest) (*EvaluateResponse, error) {
	return nil, &ErrUnsupported{Provider: "gemini", Feature: "text evaluation"}
}

func (p *GeminiProvider) ModelID() string {
	return p.model
}

// buildGeminiContents sends the prompt as the user turn and the prefill as
// a trailing model turn to be continued.
func buildGeminiContents(req GenerateRequest) []*genai.Content {
	out := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}
	if req.Prefill.Text != "" {
		out = append(out, &genai.Content{
			Role:  "model",
			Parts: []*genai.Part{{Text: req.Prefill.Text}},
		})
	}
	return out
}

type geminiLogprobCandidate struct {
	Token          string   `json:"token"`
	TokenID        *int     `json:"tokenId"`
	LogProbability *float64 `json:"logProbability"`
}

type geminiLogprobsResult struct {
	ChosenCandidates []geminiLogprobCandidate `json:"chosenCandidates"`
	TopCandidates    []struct {
		Candidates []geminiLogprobCandidate `json:"candidates"`
	} `json:"topCandidates"`
}

// convertGeminiLogprobs goes through the JSON form of the SDK type so the
// conversion does not depend on which fields the SDK makes optional.
func convertGeminiLogprobs(model string, res *genai.LogprobsResult) (*logprobs.Logprobs, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal logprobs result: %w", err)
	}
	var parsed geminiLogprobsResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse logprobs result: %w", err)
	}

	lp := &logprobs.Logprobs{ModelID: model}
	for i, c := range parsed.ChosenCandidates {
		lp.Sampled = append(lp.Sampled, c.token())
		var alts []logprobs.Token
		if i < len(parsed.TopCandidates) {
			for _, a := range parsed.TopCandidates[i].Candidates {
				alts = append(alts, a.token())
			}
		}
		lp.Alternatives = append(lp.Alternatives, alts)
	}
	return lp, nil
}

func (c geminiLogprobCandidate) token() logprobs.Token {
	t := logprobs.Token{
		ID:      -1,
		Text:    c.Token,
		Bytes:   []byte(c.Token),
		Logprob: c.LogProbability,
		Span:    1,
	}
	if c.TokenID != nil {
		t.ID = *c.TokenID
	}
	return t
}

func mapGeminiStopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) > 0 {
		switch result.Candidates[0].FinishReason {
		case "STOP":
			return "end"
		case "MAX_TOKENS":
			return "max_tokens"
		}
	}
	return "end"
}

func mapGeminiError(err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusTooManyRequests:
			return &ErrRateLimit{Err: err}
		case apiErr.Code >= 500:
			return &ErrProviderUnavailable{Err: err}
		}
	}
	return &ErrProviderUnavailable{Err: err}
}
