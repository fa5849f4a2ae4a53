package llm

import (
	"context"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/abhisek/beamtree/internal/logprobs"
)

// unscriptedLogprob is assigned to text the script has no entry for.
const unscriptedLogprob = -20.0

// ScriptedToken is one candidate in a Script.
type ScriptedToken struct {
	Text    string
	Logprob float64

	// Bytes overrides the raw bytes, for fragments of a multi-byte
	// character. Defaults to Text.
	Bytes []byte
}

func (s ScriptedToken) raw() []byte {
	if s.Bytes != nil {
		return s.Bytes
	}
	return []byte(s.Text)
}

// Script maps the completion text produced so far to the ordered
// candidates for the next token. The prompt is not part of the key.
type Script map[string][]ScriptedToken

// ScriptedProvider is a deterministic in-memory language model. Generation
// is greedy over the Script; a position with no entry ends the sequence.
type ScriptedProvider struct {
	model  string
	script Script

	mu            sync.Mutex
	vocab         map[string]int
	generateCalls int
	evaluateCalls int
}

// NewScriptedProvider creates a provider that answers from script.
func NewScriptedProvider(model string, script Script) *ScriptedProvider {
	return &ScriptedProvider{
		model:  model,
		script: script,
		vocab:  make(map[string]int),
	}
}

func (p *ScriptedProvider) Generate(_ context.Context, req GenerateRequest) (*GenerateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generateCalls++

	acc := req.Prefill.Text
	var text strings.Builder
	lp := &logprobs.Logprobs{ModelID: p.model}
	stop := "max_tokens"

	for range req.MaxTokens {
		options := p.script[acc]
		if len(options) == 0 {
			lp.Sampled = append(lp.Sampled, logprobs.NewEOS(0, "", nil))
			stop = "end"
			break
		}
		chosen := p.token(options[0])
		lp.Sampled = append(lp.Sampled, chosen)
		lp.Alternatives = append(lp.Alternatives, p.tokens(options, req.TopLogprobs))
		acc += string(chosen.Bytes)
		text.Write(chosen.Bytes)
	}

	resp := &GenerateResponse{
		Text:       text.String(),
		Truncated:  stop == "max_tokens",
		StopReason: stop,
		Model:      p.model,
		Usage:      Usage{OutputTokens: len(lp.Sampled), TotalTokens: len(lp.Sampled)},
	}
	if req.TopLogprobs > 0 {
		resp.Logprobs = lp
	}
	return resp, nil
}

// Evaluate walks Text choosing, at each position, the longest scripted
// candidate that matches; unscripted text is consumed one character at a
// time with a very low logprob.
func (p *ScriptedProvider) Evaluate(_ context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evaluateCalls++

	lp := &logprobs.Logprobs{ModelID: p.model}
	acc := ""
	for len(acc) < len(req.Text) {
		rest := req.Text[len(acc):]
		options := p.script[acc]

		var chosen logprobs.Token
		found := false
		for _, o := range options {
			raw := o.raw()
			if len(raw) == 0 || !strings.HasPrefix(rest, string(raw)) {
				continue
			}
			if !found || len(raw) > len(chosen.Bytes) {
				chosen = p.token(o)
				found = true
			}
		}
		if !found {
			_, size := utf8.DecodeRuneInString(rest)
			chosen = p.token(ScriptedToken{Text: rest[:size], Logprob: unscriptedLogprob})
		}

		lp.Sampled = append(lp.Sampled, chosen)
		lp.Alternatives = append(lp.Alternatives, p.tokens(options, req.TopLogprobs))
		acc += string(chosen.Bytes)
	}
	lp.Alternatives = append(lp.Alternatives, p.tokens(p.script[req.Text], req.TopLogprobs))

	return &EvaluateResponse{
		Logprobs: lp,
		Model:    p.model,
		Usage:    Usage{InputTokens: len(lp.Sampled), TotalTokens: len(lp.Sampled)},
	}, nil
}

func (p *ScriptedProvider) ModelID() string {
	return p.model
}

// GenerateCalls returns the number of Generate calls made.
func (p *ScriptedProvider) GenerateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generateCalls
}

// EvaluateCalls returns the number of Evaluate calls made.
func (p *ScriptedProvider) EvaluateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evaluateCalls
}

func (p *ScriptedProvider) tokens(options []ScriptedToken, top int) []logprobs.Token {
	if top > 0 && len(options) > top {
		options = options[:top]
	}
	out := make([]logprobs.Token, len(options))
	for i, o := range options {
		out[i] = p.token(o)
	}
	return out
}

// token converts a scripted candidate, assigning ids in first-seen order.
func (p *ScriptedProvider) token(o ScriptedToken) logprobs.Token {
	raw := o.raw()
	id, ok := p.vocab[string(raw)]
	if !ok {
		id = len(p.vocab) + 1
		p.vocab[string(raw)] = id
	}
	text := o.Text
	if o.Bytes != nil {
		text = string(raw)
	}
	return logprobs.Token{
		ID:      id,
		Text:    text,
		Bytes:   append([]byte(nil), raw...),
		Logprob: logprobs.Float(o.Logprob),
		Span:    1,
	}
}

// DemoScript is a small story tree used by the "mock" provider.
func DemoScript() Script {
	dragon := []byte("🐉")
	return Script{
		"":                    {{Text: "Once", Logprob: -0.2}, {Text: "The", Logprob: -1.1}, {Text: "In", Logprob: -1.9}},
		"Once":                {{Text: " upon", Logprob: -0.05}, {Text: " there", Logprob: -3.0}},
		"Once upon":           {{Text: " a", Logprob: -0.01}},
		"Once upon a":         {{Text: " time", Logprob: -0.1}, {Text: " day", Logprob: -0.3}, {Text: " midnight", Logprob: -2.2}},
		"Once upon a time":    {{Text: ",", Logprob: -0.3}, {Text: " there", Logprob: -0.9}},
		"Once upon a time,":   {{Text: " a", Logprob: -0.4}, {Text: " the", Logprob: -0.9}},
		"Once upon a time, a": {{Text: " dragon", Logprob: -0.7}, {Text: " fox", Logprob: -1.0}},
		"Once upon a time, a dragon": {
			{Text: " ", Logprob: -0.8},
			{Text: ".", Logprob: -1.2},
		},
		"Once upon a time, a dragon ": {{Bytes: dragon[:2], Logprob: -0.9}},
		"Once upon a time, a dragon " + string(dragon[:2]): {{Bytes: dragon[2:], Logprob: -0.01}},
		"Once upon a time, a fox":                           {{Text: " slept", Logprob: -0.6}},
		"Once upon a time there":                            {{Text: " lived", Logprob: -0.2}},
		"Once upon a day":                                   {{Text: ",", Logprob: -0.5}, {Text: " long", Logprob: -0.7}},
		"Once upon a day,":                                  {{Text: " the", Logprob: -0.3}},
		"Once upon a day, the":                              {{Text: " sun", Logprob: -0.4}},
		"Once upon a midnight":                              {{Text: " dreary", Logprob: -0.1}},
	}
}
