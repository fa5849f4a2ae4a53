package llm

// ModelCost holds per-million-token pricing for a model.
// Prices are in USD per 1 million tokens.
type ModelCost struct {
	InputPerMTok  float64 // USD per 1M input tokens
	OutputPerMTok float64 // USD per 1M output tokens
}

// Cost calculates the total USD cost for the given token counts.
func (c ModelCost) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*c.InputPerMTok/1_000_000 +
		float64(outputTokens)*c.OutputPerMTok/1_000_000
}

// LookupCost returns the pricing for a model ID, or nil if unknown.
// Local and mock models have no entry.
func LookupCost(modelID string) *ModelCost {
	if c, ok := modelCosts[modelID]; ok {
		return &c
	}
	return nil
}

// modelCosts covers the models the adapters resolve friendly names to,
// plus the OpenRouter default.
var modelCosts = map[string]ModelCost{
	// OpenAI completions
	"davinci-002":            {2, 2},
	"babbage-002":            {0.4, 0.4},
	"gpt-3.5-turbo-instruct": {1.5, 2},

	// OpenRouter
	"meta-llama/llama-3.1-8b-instruct":  {0.02, 0.03},
	"meta-llama/llama-3.1-70b-instruct": {0.1, 0.28},
	"mistralai/mistral-7b-instruct":     {0.028, 0.054},

	// Google (Gemini)
	"gemini-2.0-flash":      {0.1, 0.4},
	"gemini-2.0-flash-lite": {0.075, 0.3},
	"gemini-2.0-pro":        {1.25, 10},
	"gemini-2.5-flash":      {0.3, 2.5},
	"gemini-2.5-pro":        {1.25, 10},

	// Anthropic
	"claude-haiku-4-5-20251001": {1, 5},
	"claude-sonnet-4-20250514":  {3, 15},
}
