package logprobs

import (
	"encoding/hex"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// MaxStitchLookahead is the number of following records Stitch will join
// to a record whose bytes are not valid UTF-8 on their own. Three covers
// the longest UTF-8 encoding split into single-byte tokens.
const MaxStitchLookahead = 3

// Stitch concatenates seqs and regroups records whose bytes only decode
// when joined with their neighbours (a multi-byte character split across
// raw tokens). The joined record carries the decoded text and a Span
// covering the group; the records it claims follow with Span 0 and empty
// text. Records that never resolve are kept unmodified and logged.
func Stitch(seqs ...[]Token) []Token {
	var n int
	for _, s := range seqs {
		n += len(s)
	}
	tokens := make([]Token, 0, n)
	for _, s := range seqs {
		tokens = append(tokens, s...)
	}

	out := make([]Token, 0, len(tokens))
	for i := 0; i < len(tokens); {
		t := tokens[i]

		if t.IsEOS() {
			out = append(out, t)
			if rest := len(tokens) - i - 1; rest > 0 {
				log.Error().
					Int("position", i).
					Int("dropped", rest).
					Msg("records after end-of-sequence marker dropped")
			}
			break
		}

		// Without byte information the provider text is all we have.
		if len(t.Bytes) == 0 || t.selfConsistent() {
			out = append(out, t)
			i++
			continue
		}

		if utf8.Valid(t.Bytes) {
			// Bytes decode on their own but disagree with the reported
			// text: bytes win.
			t.Text = string(t.Bytes)
			if t.Span == 0 {
				t.Span = 1
			}
			out = append(out, t)
			i++
			continue
		}

		group, ok := joinFollowing(tokens, i)
		if !ok {
			log.Error().
				Int("position", i).
				Str("bytes", hex.EncodeToString(t.Bytes)).
				Msg("token bytes do not decode within stitch lookahead")
			out = append(out, t)
			i++
			continue
		}
		out = append(out, group...)
		i += len(group)
	}
	return out
}

// joinFollowing tries to decode tokens[i] joined with up to
// MaxStitchLookahead following records. On success it returns the leading
// record followed by its continuation records.
func joinFollowing(tokens []Token, i int) ([]Token, bool) {
	joined := append([]byte(nil), tokens[i].Bytes...)
	for j := 1; j <= MaxStitchLookahead && i+j < len(tokens); j++ {
		next := tokens[i+j]
		if next.IsEOS() {
			log.Error().
				Int("position", i+j).
				Msg("end-of-sequence marker cannot continue a multi-byte character")
			return nil, false
		}
		joined = append(joined, next.Bytes...)
		if !utf8.Valid(joined) {
			continue
		}

		group := make([]Token, 0, j+1)
		lead := tokens[i]
		lead.Text = string(joined)
		lead.Span = j + 1
		group = append(group, lead)
		for k := 1; k <= j; k++ {
			c := tokens[i+k]
			c.Text = ""
			c.Span = 0
			group = append(group, c)
		}
		return group, true
	}
	return nil, false
}
