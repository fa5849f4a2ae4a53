package beam

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/abhisek/beamtree/internal/store"
	"github.com/google/uuid"
)

// Completion is anything the engine can index, resolve prefixes against
// and continue: a completion loaded from storage or a beam produced in this
// session. The set of implementations is closed.
type Completion interface {
	ID() string
	ModelID() string
	Prompt() string
	Text() string
	Prefill() string

	// BeamToken is the candidate token the completion forked at, or nil.
	BeamToken() *logprobs.Token

	Temperature() float64
	TopK() int

	// Logprobs returns the evaluation under modelID, or nil.
	Logprobs(modelID string) *logprobs.Logprobs

	attachLogprobs(lp *logprobs.Logprobs)
}

// ContentHash identifies a completion by model, prompt and text. It is the
// lowercase hex sha256 of their canonical JSON encoding.
func ContentHash(modelID, prompt, text string) string {
	payload, _ := json.Marshal(struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		Text   string `json:"text"`
	}{modelID, prompt, text})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func hashOf(c Completion) string {
	return ContentHash(c.ModelID(), c.Prompt(), c.Text())
}

// PersistedCompletion is a completion loaded from storage.
type PersistedCompletion struct {
	rec store.CompletionRecord
}

// NewPersistedCompletion wraps a stored record.
func NewPersistedCompletion(rec store.CompletionRecord) *PersistedCompletion {
	return &PersistedCompletion{rec: rec}
}

func (p *PersistedCompletion) ID() string                 { return p.rec.ID }
func (p *PersistedCompletion) ModelID() string            { return p.rec.ModelID }
func (p *PersistedCompletion) Prompt() string             { return p.rec.Prompt }
func (p *PersistedCompletion) Text() string               { return p.rec.Text }
func (p *PersistedCompletion) Prefill() string            { return p.rec.Prefill }
func (p *PersistedCompletion) BeamToken() *logprobs.Token { return p.rec.BeamToken }
func (p *PersistedCompletion) Temperature() float64       { return p.rec.Temperature }
func (p *PersistedCompletion) TopK() int                  { return p.rec.TopK }

func (p *PersistedCompletion) Logprobs(modelID string) *logprobs.Logprobs {
	return p.rec.Logprobs[modelID]
}

func (p *PersistedCompletion) attachLogprobs(lp *logprobs.Logprobs) {
	if p.rec.Logprobs == nil {
		p.rec.Logprobs = make(map[string]*logprobs.Logprobs)
	}
	p.rec.Logprobs[lp.ModelID] = lp
}

// Beam is a completion produced by the engine in this session. Its fields
// never change after creation; logprobs may be attached by a later
// evaluation under another model.
type Beam struct {
	id          string
	modelID     string
	prompt      string
	text        string
	prefill     string
	beamToken   *logprobs.Token
	temperature float64
	topK        int
	truncated   bool
	stopReason  string
	logprobs    map[string]*logprobs.Logprobs
}

func (b *Beam) ID() string                 { return b.id }
func (b *Beam) ModelID() string            { return b.modelID }
func (b *Beam) Prompt() string             { return b.prompt }
func (b *Beam) Text() string               { return b.text }
func (b *Beam) Prefill() string            { return b.prefill }
func (b *Beam) BeamToken() *logprobs.Token { return b.beamToken }
func (b *Beam) Temperature() float64       { return b.temperature }
func (b *Beam) TopK() int                  { return b.topK }

// Truncated reports whether generation stopped at the token limit.
func (b *Beam) Truncated() bool { return b.truncated }

// StopReason is the provider's normalized stop reason.
func (b *Beam) StopReason() string { return b.stopReason }

func (b *Beam) Logprobs(modelID string) *logprobs.Logprobs {
	return b.logprobs[modelID]
}

func (b *Beam) attachLogprobs(lp *logprobs.Logprobs) {
	if b.logprobs == nil {
		b.logprobs = make(map[string]*logprobs.Logprobs)
	}
	b.logprobs[lp.ModelID] = lp
}

// ContentHash returns the beam's dedup key.
func (b *Beam) ContentHash() string { return hashOf(b) }

// Record converts the beam to its storage form.
func (b *Beam) Record() *store.CompletionRecord {
	rec := &store.CompletionRecord{
		ID:          b.id,
		Prompt:      b.prompt,
		ModelID:     b.modelID,
		Text:        b.text,
		Prefill:     b.prefill,
		Temperature: b.temperature,
		TopK:        b.topK,
		ContentHash: b.ContentHash(),
	}
	if b.beamToken != nil {
		tok := b.beamToken.Clone()
		rec.BeamToken = &tok
	}
	if len(b.logprobs) > 0 {
		rec.Logprobs = make(map[string]*logprobs.Logprobs, len(b.logprobs))
		for model, lp := range b.logprobs {
			rec.Logprobs[model] = lp.Clone()
		}
	}
	return rec
}

func newBeamID() string { return uuid.NewString() }
