package beam

import (
	"context"
	"fmt"
	"sort"

	"github.com/abhisek/beamtree/internal/llm"
	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/abhisek/beamtree/internal/store"
	"github.com/rs/zerolog/log"
)

// Storage is the persistence collaborator of an Engine.
type Storage interface {
	ListCompletions(ctx context.Context, prompt string) ([]store.CompletionRecord, error)
	SaveLogprobs(ctx context.Context, completionID string, lp *logprobs.Logprobs) error
}

// ExpandOptions customizes one ExpandOneLevel call.
type ExpandOptions struct {
	// ExplicitTokens replaces the provider's candidates, e.g. with a
	// continuation picked by a person.
	ExplicitTokens []logprobs.Token

	// OnBeamCompleted is called for every newly registered beam.
	OnBeamCompleted func(*Beam)

	// CheckStop is polled after each candidate; returning true ends the
	// level early.
	CheckStop func() bool
}

// GenerateOptions configures a plain generation.
type GenerateOptions struct {
	// Prefill is the raw text the completion must start with.
	Prefill string

	// MaxTokens defaults to Config.Length.
	MaxTokens int
}

// Engine grows a tree of completions for one prompt under one provider.
//
// Expansion is sequential and an Engine is not safe for concurrent use:
// the provider is treated as exclusively owned and the caches are
// unsynchronized. Use one Engine per session.
type Engine struct {
	provider llm.Provider
	storage  Storage
	prompt   string
	model    string
	cfg      Config

	cache *PrefixCache

	// index holds every known completion by content hash; order keeps
	// registration order for prefix scans.
	index map[string]Completion
	order []Completion
}

// NewEngine creates an engine for prompt. storage may be nil, in which case
// LoadCache is a no-op and persistence is unavailable.
func NewEngine(provider llm.Provider, storage Storage, prompt string, cfg Config) *Engine {
	e := &Engine{
		provider: provider,
		storage:  storage,
		prompt:   prompt,
		model:    provider.ModelID(),
		cfg:      cfg,
		index:    make(map[string]Completion),
	}
	e.cache = NewPrefixCache(provider, prompt, e.model, e.known, cfg)
	return e
}

// Prompt returns the prompt this engine explores.
func (e *Engine) Prompt() string { return e.prompt }

// ModelID returns the active model.
func (e *Engine) ModelID() string { return e.model }

// Cache returns the engine's prefix cache.
func (e *Engine) Cache() *PrefixCache { return e.cache }

func (e *Engine) known() []Completion { return e.order }

// LoadCache seeds the completion index from storage and returns the number
// of completions added.
func (e *Engine) LoadCache(ctx context.Context) (int, error) {
	if e.storage == nil {
		return 0, nil
	}
	recs, err := e.storage.ListCompletions(ctx, e.prompt)
	if err != nil {
		return 0, fmt.Errorf("load completions: %w", err)
	}
	added := 0
	for _, rec := range recs {
		if e.Register(NewPersistedCompletion(rec)) {
			added++
		}
	}
	log.Debug().Int("loaded", len(recs)).Int("added", added).Msg("completion cache seeded")
	return added, nil
}

// Register adds c to the index. It returns false when a completion with the
// same content hash is already known.
func (e *Engine) Register(c Completion) bool {
	h := hashOf(c)
	if _, ok := e.index[h]; ok {
		return false
	}
	e.index[h] = c
	e.order = append(e.order, c)
	return true
}

// Completions returns the indexed completions ordered by scored logprob
// under the active model, best first. Completions without a score follow
// in registration order.
func (e *Engine) Completions() []Completion {
	out := make([]Completion, len(e.order))
	copy(out, e.order)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := e.score(out[i]), e.score(out[j])
		switch {
		case si == nil:
			return false
		case sj == nil:
			return true
		default:
			return *si > *sj
		}
	})
	return out
}

func (e *Engine) score(c Completion) *float64 {
	lp := c.Logprobs(e.model)
	if lp == nil {
		return nil
	}
	return lp.ScoredLogprob()
}

// Generate produces one completion starting with opts.Prefill.
func (e *Engine) Generate(ctx context.Context, opts GenerateOptions) (*Beam, error) {
	prefix, err := e.cache.Resolve(ctx, opts.Prefill)
	if err != nil {
		return nil, err
	}
	b, err := e.generateFrom(ctx, prefix, nil, e.maxTokens(opts.MaxTokens), llm.PurposeGenerate)
	if err != nil {
		return nil, err
	}
	if !e.Register(b) {
		log.Debug().Str("hash", b.ContentHash()).Msg("generated completion already known")
	}
	return b, nil
}

// GenerateContinuation extends c by up to maxTokens tokens. The stored
// tokens of c under the active model are used as prefill when they
// reproduce its text; otherwise the raw text is sent.
func (e *Engine) GenerateContinuation(ctx context.Context, c Completion, maxTokens int) (*Beam, error) {
	prefix := &Prefix{Text: c.Text()}
	lp := c.Logprobs(e.model)
	if lp != nil {
		sampled := withoutEOS(logprobs.Stitch(lp.Sampled))
		if logprobs.Text(sampled) == c.Text() {
			prefix.Sampled = sampled
			prefix.Alternatives = lp.SliceTo(len(sampled)).Alternatives
		}
	}
	if !prefix.Tokenized() {
		log.Info().
			Str("completion", c.ID()).
			Str("model", e.model).
			Msg("no token data for active model; continuing from raw text")
	}

	b, err := e.generateFrom(ctx, prefix, nil, e.maxTokens(maxTokens), llm.PurposeContinue)
	if err != nil {
		return nil, err
	}
	if !e.Register(b) {
		log.Debug().Str("hash", b.ContentHash()).Msg("continuation already known")
	}
	return b, nil
}

// ExpandOneLevel forks prefixText at its next token. Each of at most width
// candidates is used as the first token of a new beam of up to length
// generated tokens. Beams whose content is already known are skipped; the
// rest are registered, passed to OnBeamCompleted and returned.
//
// Candidate order is the provider's. On error the beams completed so far
// are returned with it.
func (e *Engine) ExpandOneLevel(ctx context.Context, prefixText string, width, length int, opts ExpandOptions) ([]*Beam, error) {
	if width < 1 {
		return nil, fmt.Errorf("width must be at least 1, got %d", width)
	}
	length = e.maxTokens(length)

	ctx = llm.WithPurpose(ctx, llm.PurposeExpand)

	candidates := opts.ExplicitTokens
	if len(candidates) == 0 {
		alts, err := e.cache.NextTokenAlternatives(ctx, prefixText, width)
		if err != nil {
			return nil, fmt.Errorf("next token alternatives: %w", err)
		}
		candidates = alts
	}
	if len(candidates) > width {
		candidates = candidates[:width]
	}

	// Re-fetch by key: NextTokenAlternatives may have updated or created
	// the entry.
	prefix, err := e.cache.Resolve(ctx, prefixText)
	if err != nil {
		return nil, err
	}

	var beams []*Beam
	for _, cand := range candidates {
		if cand.IsEOS() || cand.IsContinuation() {
			log.Debug().Str("prefix", prefixText).Msg("skipping candidate that cannot start a beam")
		} else {
			b, err := e.generateFrom(ctx, prefix, &cand, length, llm.PurposeExpand)
			if err != nil {
				return beams, err
			}
			if e.Register(b) {
				if opts.OnBeamCompleted != nil {
					opts.OnBeamCompleted(b)
				}
				beams = append(beams, b)
			} else {
				log.Debug().
					Str("prefix", prefixText).
					Str("token", cand.Text).
					Msg("duplicate beam skipped")
			}
		}

		if opts.CheckStop != nil && opts.CheckStop() {
			break
		}
	}
	return beams, nil
}

// EvaluateCompletionLogprobs scores c under the active model, attaches the
// result to c and, when persist is set, saves it through storage.
func (e *Engine) EvaluateCompletionLogprobs(ctx context.Context, c Completion, persist bool) (*logprobs.Logprobs, error) {
	req := llm.EvaluateRequest{
		Prompt:        c.Prompt(),
		Text:          c.Text(),
		ContextLength: e.cfg.ContextLength,
		TopLogprobs:   e.cfg.TopLogprobs,
	}
	if lp := c.Logprobs(e.model); lp != nil {
		req.Tokens = withoutEOS(lp.Sampled)
	}

	resp, err := e.provider.Evaluate(llm.WithPurpose(ctx, llm.PurposeEvaluate), req)
	if err != nil {
		return nil, fmt.Errorf("evaluate completion: %w", err)
	}
	if resp.Logprobs == nil {
		return nil, &llm.ErrContractViolation{Model: e.model, Detail: "evaluation returned no logprobs"}
	}

	lp := resp.Logprobs.Clone()
	if lp.ModelID == "" {
		lp.ModelID = e.model
	}
	lp.Sampled = logprobs.Stitch(lp.Sampled)
	if got := logprobs.Text(lp.Sampled); got != c.Text() {
		log.Warn().
			Str("completion", c.ID()).
			Str("tokens", got).
			Msg("evaluated tokens do not reproduce completion text")
	}
	c.attachLogprobs(lp)

	if persist {
		if e.storage == nil {
			return lp, fmt.Errorf("persist logprobs: no storage configured")
		}
		if err := e.storage.SaveLogprobs(ctx, c.ID(), lp); err != nil {
			return lp, fmt.Errorf("persist logprobs: %w", err)
		}
	}
	return lp, nil
}

func (e *Engine) maxTokens(n int) int {
	if n > 0 {
		return n
	}
	return e.cfg.Length
}

// generateFrom generates from prefix, optionally followed by candidate, and
// builds the resulting beam.
func (e *Engine) generateFrom(ctx context.Context, prefix *Prefix, candidate *logprobs.Token, maxTokens int, purpose string) (*Beam, error) {
	prefill := llm.Prefill{Text: prefix.Text}
	tokenized := prefix.Tokenized()
	if tokenized {
		prefill.Tokens = logprobs.CloneTokens(prefix.Sampled)
	}
	if candidate != nil {
		prefill.Text += candidate.Text
		if tokenized {
			prefill.Tokens = append(prefill.Tokens, candidate.Clone())
		}
	}

	resp, err := e.provider.Generate(llm.WithPurpose(ctx, purpose), llm.GenerateRequest{
		Prompt:        e.prompt,
		Prefill:       prefill,
		Temperature:   e.cfg.Temperature,
		TopK:          e.cfg.TopK,
		ContextLength: e.cfg.ContextLength,
		MaxTokens:     maxTokens,
		TopLogprobs:   max(e.cfg.TopLogprobs, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if resp.Logprobs == nil {
		return nil, &llm.ErrContractViolation{Model: e.model, Detail: "generation returned no logprobs"}
	}

	b := &Beam{
		id:          newBeamID(),
		modelID:     e.model,
		prompt:      e.prompt,
		text:        prefill.Text + resp.Text,
		prefill:     prefill.Text,
		temperature: e.cfg.Temperature,
		topK:        e.cfg.TopK,
		truncated:   resp.Truncated,
		stopReason:  resp.StopReason,
	}
	if candidate != nil {
		tok := candidate.Clone()
		b.beamToken = &tok
	}

	if !tokenized {
		// Without prefix tokens the logprobs would not cover the text.
		return b, nil
	}

	lp := joinLogprobs(e.model, prefix, candidate, resp.Logprobs)
	if text := logprobs.Text(lp.Sampled); text != b.text {
		log.Warn().
			Str("reported", b.text).
			Str("reconstructed", text).
			Msg("provider text disagrees with its tokens; using tokens")
		b.text = text
	}
	b.attachLogprobs(lp)
	return b, nil
}

// joinLogprobs stitches the prefix tokens, the candidate and the generated
// tokens into one record with aligned alternatives.
func joinLogprobs(model string, prefix *Prefix, candidate *logprobs.Token, gen *logprobs.Logprobs) *logprobs.Logprobs {
	var head []logprobs.Token
	var alts [][]logprobs.Token

	for i := range prefix.Sampled {
		alts = append(alts, alternativesAt(prefix.Alternatives, i))
	}
	head = logprobs.CloneTokens(prefix.Sampled)
	if candidate != nil {
		head = append(head, candidate.Clone())
		alts = append(alts, logprobs.CloneTokens(prefix.NextAlternatives()))
	}
	for i := range gen.Sampled {
		alts = append(alts, alternativesAt(gen.Alternatives, i))
	}
	if next := gen.NextAlternatives(); next != nil {
		alts = append(alts, logprobs.CloneTokens(next))
	}

	sampled := logprobs.Stitch(head, logprobs.CloneTokens(gen.Sampled))
	if len(alts) > len(sampled)+1 {
		alts = alts[:len(sampled)+1]
	}
	return &logprobs.Logprobs{ModelID: model, Sampled: sampled, Alternatives: alts}
}

func alternativesAt(alts [][]logprobs.Token, i int) []logprobs.Token {
	if i < len(alts) {
		return logprobs.CloneTokens(alts[i])
	}
	return nil
}

func withoutEOS(seq []logprobs.Token) []logprobs.Token {
	if n := len(seq); n > 0 && seq[n-1].IsEOS() {
		return seq[:n-1]
	}
	return seq
}
