package beam

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/abhisek/beamtree/internal/llm"
	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/rs/zerolog/log"
)

// Prefix is the known tokenization of a leading part of a completion and,
// when known, the candidates for the position right after it.
//
// Prefixes handed out by a PrefixCache are shared: the cache updates them
// in place when more data becomes available. Callers must not modify them
// and should re-fetch by text instead of keeping private copies.
type Prefix struct {
	Text string

	// Sampled covers Text exactly. Nil when Text could not be tokenized.
	Sampled []logprobs.Token

	// Alternatives[i] are the candidates at position i. The entry at
	// len(Sampled), when present, holds the next-token candidates.
	Alternatives [][]logprobs.Token
}

// TokenCount is the number of raw records covering Text.
func (p *Prefix) TokenCount() int { return len(p.Sampled) }

// Tokenized reports whether Sampled can be used as a token-faithful
// prefill. The empty prefix is trivially tokenized.
func (p *Prefix) Tokenized() bool {
	return p.Text == "" || len(p.Sampled) > 0
}

// NextAlternatives returns the candidates for the next position, or nil.
func (p *Prefix) NextAlternatives() []logprobs.Token {
	if len(p.Alternatives) != len(p.Sampled)+1 {
		return nil
	}
	return p.Alternatives[len(p.Sampled)]
}

// update takes over an evaluation result. A result without tokens only
// replaces the next-position candidates of an already tokenized prefix.
func (p *Prefix) update(from *Prefix) {
	if len(from.Sampled) > 0 || len(p.Sampled) == 0 {
		p.Sampled = from.Sampled
		p.Alternatives = from.Alternatives
		return
	}
	alts := make([][]logprobs.Token, len(p.Sampled), len(p.Sampled)+1)
	copy(alts, p.Alternatives)
	p.Alternatives = append(alts, from.NextAlternatives())
}

// PrefixCache resolves prefix text to a Prefix for one prompt and model,
// reusing known completions before asking the provider.
//
// A PrefixCache is not safe for concurrent use.
type PrefixCache struct {
	provider llm.Provider
	prompt   string
	model    string
	cfg      Config

	// source lists the completions known to the session.
	source func() []Completion

	entries map[string]*Prefix
}

// NewPrefixCache creates an empty cache. source is consulted on every miss.
func NewPrefixCache(provider llm.Provider, prompt, model string, source func() []Completion, cfg Config) *PrefixCache {
	return &PrefixCache{
		provider: provider,
		prompt:   prompt,
		model:    model,
		cfg:      cfg,
		source:   source,
		entries:  make(map[string]*Prefix),
	}
}

// Len returns the number of cached prefixes.
func (c *PrefixCache) Len() int { return len(c.entries) }

// Forget drops the cached entry for text. Holders of the old handle keep
// it; the next Resolve builds a new one.
func (c *PrefixCache) Forget(text string) {
	delete(c.entries, text)
}

// Resolve returns the Prefix for text. Repeated calls for the same text
// return the same handle. On a miss the known completions are scanned
// for one whose tokens cover text exactly; only when none does is the
// provider asked to evaluate text.
func (c *PrefixCache) Resolve(ctx context.Context, text string) (*Prefix, error) {
	if p, ok := c.entries[text]; ok {
		return p, nil
	}

	if text == "" {
		if p := c.scanZero(); p != nil {
			c.entries[""] = p
			return p, nil
		}
		// Not cached until something supplies position-0 candidates.
		return &Prefix{}, nil
	}

	if p := c.scan(text); p != nil {
		c.entries[text] = p
		return p, nil
	}

	p, err := c.evaluate(ctx, text, c.cfg.TopLogprobs)
	var unsupported *llm.ErrUnsupported
	if errors.As(err, &unsupported) {
		log.Info().
			Str("model", c.model).
			Str("prefix", text).
			Msg("provider cannot evaluate text; prefix continues from raw text")
		p = &Prefix{Text: text}
	} else if err != nil {
		return nil, err
	}
	c.entries[text] = p
	return p, nil
}

// NextTokenAlternatives returns up to width candidates for the token
// following text. Cached candidates are used when there are at least
// width of them; otherwise text is evaluated and the cached entry is
// updated in place.
func (c *PrefixCache) NextTokenAlternatives(ctx context.Context, text string, width int) ([]logprobs.Token, error) {
	p, err := c.Resolve(ctx, text)
	if err != nil {
		return nil, err
	}
	if next := p.NextAlternatives(); len(next) >= width {
		return logprobs.TopN(next, width), nil
	}

	fresh, err := c.evaluate(ctx, text, max(c.cfg.TopLogprobs, width))
	if err != nil {
		return nil, err
	}
	p.update(fresh)
	c.entries[text] = p

	next := p.NextAlternatives()
	if len(next) == 0 {
		return nil, &llm.ErrContractViolation{
			Model:  c.model,
			Detail: fmt.Sprintf("no next-token alternatives after %q", text),
		}
	}
	return logprobs.TopN(next, width), nil
}

// scanZero looks for a completion that recorded candidates for position 0.
func (c *PrefixCache) scanZero() *Prefix {
	for _, comp := range c.source() {
		if comp.Prompt() != c.prompt {
			continue
		}
		lp := comp.Logprobs(c.model)
		if lp == nil || len(lp.Alternatives) == 0 || len(lp.Alternatives[0]) == 0 {
			continue
		}
		return &Prefix{Alternatives: [][]logprobs.Token{logprobs.CloneTokens(lp.Alternatives[0])}}
	}
	return nil
}

// scan finds the first known completion whose sampled tokens end exactly
// at the end of text and slices them there.
func (c *PrefixCache) scan(text string) *Prefix {
	for _, comp := range c.source() {
		if comp.Prompt() != c.prompt || !strings.HasPrefix(comp.Text(), text) {
			continue
		}
		lp := comp.Logprobs(c.model)
		if lp == nil || logprobs.Text(lp.Sampled) != comp.Text() {
			continue
		}
		boundary, ok := prefixBoundary(lp.Sampled, len(text))
		if !ok {
			log.Debug().
				Str("prefix", text).
				Str("completion", comp.ID()).
				Msg("completion tokens do not align with prefix boundary")
			continue
		}
		sliced := lp.SliceTo(boundary)
		return &Prefix{Text: text, Sampled: sliced.Sampled, Alternatives: sliced.Alternatives}
	}
	return nil
}

// prefixBoundary walks seq until n bytes of text are consumed and returns
// the index of the first record after them. A record straddling byte n
// means the prefix ends inside a token.
func prefixBoundary(seq []logprobs.Token, n int) (int, bool) {
	consumed := 0
	for i, t := range seq {
		if t.IsEOS() {
			return i, consumed == n
		}
		if t.IsContinuation() {
			continue
		}
		if consumed == n {
			return i, true
		}
		consumed += len(t.Text)
		if consumed > n {
			return 0, false
		}
	}
	return len(seq), consumed == n
}

// evaluate asks the provider for the tokenization of text and the
// candidates after it.
func (c *PrefixCache) evaluate(ctx context.Context, text string, top int) (*Prefix, error) {
	resp, err := c.provider.Evaluate(llm.WithPurpose(ctx, llm.PurposePrefix), llm.EvaluateRequest{
		Prompt:        c.prompt,
		Text:          text,
		ContextLength: c.cfg.ContextLength,
		TopLogprobs:   top,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate prefix: %w", err)
	}
	if resp.Logprobs == nil {
		return nil, &llm.ErrContractViolation{Model: c.model, Detail: "evaluation returned no logprobs"}
	}

	lp := resp.Logprobs
	sampled := logprobs.Stitch(lp.Sampled)
	p := &Prefix{Text: text, Sampled: sampled, Alternatives: lp.Alternatives}

	if got := logprobs.Text(sampled); got != text {
		// The tokens cannot be used as a prefill, but the candidates
		// after text still apply.
		log.Warn().
			Str("model", c.model).
			Str("prefix", text).
			Str("tokens", got).
			Msg("evaluated tokens do not reproduce prefix text")
		p = &Prefix{Text: text}
		if next := lp.NextAlternatives(); next != nil {
			p.Alternatives = [][]logprobs.Token{next}
		}
	}
	return p, nil
}
