package store

import (
	"context"
	"time"

	"github.com/abhisek/beamtree/internal/logprobs"
)

// QueryOpts configures event queries with filtering and pagination.
type QueryOpts struct {
	Limit   int       // max results (0 = unlimited)
	After   int64     // sequence > After
	Before  int64     // sequence < Before
	From    time.Time // timestamp >= From
	To      time.Time // timestamp <= To
	Purpose string    // exact purpose match ("" = any)
}

// CompletionRecord is a completion as persisted in the dataset.
type CompletionRecord struct {
	ID      string
	Prompt  string
	ModelID string
	Text    string

	// Prefill is the part of Text that was fixed before generation.
	Prefill string

	// BeamToken is the candidate token that opened this beam, nil for
	// completions not produced by expansion.
	BeamToken *logprobs.Token

	Temperature float64
	TopK        int
	ContentHash string
	Sequence    int64
	CreatedAt   time.Time

	// Logprobs holds evaluations keyed by model ID.
	Logprobs map[string]*logprobs.Logprobs
}

// CompletionRepo persists completions and their logprobs.
type CompletionRepo interface {
	// SaveCompletion inserts rec, assigning ID, Sequence and CreatedAt when
	// unset. A completion with the same content hash is not inserted again;
	// rec.ID is set to the stored one instead. Logprobs in rec are saved too.
	SaveCompletion(ctx context.Context, rec *CompletionRecord) error

	// GetCompletion returns the completion with the given ID, or nil.
	GetCompletion(ctx context.Context, id string) (*CompletionRecord, error)

	// ListCompletions returns every completion of prompt in insertion order.
	ListCompletions(ctx context.Context, prompt string) ([]CompletionRecord, error)

	// SaveLogprobs stores or replaces the logprobs of a completion under
	// lp.ModelID.
	SaveLogprobs(ctx context.Context, completionID string, lp *logprobs.Logprobs) error
}

// LLMRequestEventData captures the data for a single LLM request event.
type LLMRequestEventData struct {
	Provider     string
	Model        string
	Purpose      string
	Kind         string // generate or evaluate
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Success      bool
	ErrorMessage string
	RequestBody  string
	ResponseBody string
}

// LLMRequestEvent is a stored LLMRequestEventData.
type LLMRequestEvent struct {
	ID        int64
	Sequence  int64
	Timestamp time.Time
	LLMRequestEventData
}

// ModelUsage aggregates token usage for one model.
type ModelUsage struct {
	Model        string
	Calls        int
	InputTokens  int
	OutputTokens int
}

// PurposeUsage aggregates token usage for one request purpose.
type PurposeUsage struct {
	Purpose      string
	Calls        int
	InputTokens  int
	OutputTokens int
	AvgLatencyMs int64
}

// EventRepo provides append and query access to LLM request events.
type EventRepo interface {
	// AppendLLMRequest records an LLM API call event.
	AppendLLMRequest(ctx context.Context, data LLMRequestEventData) error

	// QueryLLMEvents returns events newest first.
	QueryLLMEvents(ctx context.Context, opts QueryOpts) ([]LLMRequestEvent, error)

	// GetLLMEvent returns the event with the given ID, or nil.
	GetLLMEvent(ctx context.Context, id int64) (*LLMRequestEvent, error)

	// LLMUsageByModel aggregates usage per model, most calls first.
	LLMUsageByModel(ctx context.Context) ([]ModelUsage, error)

	// LLMUsageByPurpose aggregates usage per purpose, most calls first.
	LLMUsageByPurpose(ctx context.Context) ([]PurposeUsage, error)
}
