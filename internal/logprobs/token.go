package logprobs

import (
	"strings"
	"unicode/utf8"
)

// EOSSpan marks a record as the end-of-sequence token.
const EOSSpan = -1

// Token is one raw token position as reported by a provider.
type Token struct {
	// ID is the tokenizer id, or -1 when the provider did not report one.
	ID int `json:"id"`

	// Text is the authoritative text for this record when Span >= 1.
	// Continuation records (Span == 0) carry an empty Text.
	Text string `json:"text"`

	// Bytes are the raw bytes the tokenizer produced for this position.
	Bytes []byte `json:"bytes,omitempty"`

	// Logprob is the natural-log probability, nil when unknown
	// (e.g. the first token of an echoed prompt).
	Logprob *float64 `json:"logprob"`

	// Span is the number of raw records covered by Text. 0 marks a
	// continuation fragment, EOSSpan the end-of-sequence marker.
	Span int `json:"span"`
}

// NewToken builds a single-span token whose bytes are its text.
func NewToken(id int, text string, logprob float64) Token {
	return Token{
		ID:      id,
		Text:    text,
		Bytes:   []byte(text),
		Logprob: Float(logprob),
		Span:    1,
	}
}

// NewEOS builds an end-of-sequence marker.
func NewEOS(id int, text string, logprob *float64) Token {
	return Token{ID: id, Text: text, Bytes: []byte(text), Logprob: logprob, Span: EOSSpan}
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// IsEOS reports whether the record is the end-of-sequence marker.
func (t Token) IsEOS() bool { return t.Span == EOSSpan }

// IsContinuation reports whether the record is a span-0 fragment
// claimed by a preceding record.
func (t Token) IsContinuation() bool { return t.Span == 0 }

// selfConsistent reports whether the bytes decode to exactly Text.
func (t Token) selfConsistent() bool {
	return utf8.Valid(t.Bytes) && string(t.Bytes) == t.Text
}

// Clone returns a deep copy of the token.
func (t Token) Clone() Token {
	out := t
	if t.Bytes != nil {
		out.Bytes = append([]byte(nil), t.Bytes...)
	}
	if t.Logprob != nil {
		out.Logprob = Float(*t.Logprob)
	}
	return out
}

// Text rebuilds the text of a sampled sequence. Continuation records
// contribute nothing and nothing at or after an EOS record is included.
func Text(seq []Token) string {
	var b strings.Builder
	for _, t := range seq {
		if t.IsEOS() {
			break
		}
		if t.Span > 0 {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// CloneTokens deep-copies a token slice.
func CloneTokens(seq []Token) []Token {
	if seq == nil {
		return nil
	}
	out := make([]Token, len(seq))
	for i, t := range seq {
		out[i] = t.Clone()
	}
	return out
}

// TopN returns at most n alternatives in their original order.
func TopN(alts []Token, n int) []Token {
	if n < 0 || len(alts) <= n {
		return alts
	}
	return alts[:n]
}
