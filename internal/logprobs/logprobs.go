package logprobs

// ScoreHeuristicVersion identifies the formula used by ScoredLogprob.
// Bump it when the weighting changes so stored rankings can be told apart.
const ScoreHeuristicVersion = "min+2avg/v1"

// Logprobs is the per-token probability record of one completion under
// one model: the sampled tokens and, per position, the top alternatives
// considered there.
//
// All aggregates are derived on every call. A value obtained before the
// sequences were mutated is stale and must be recomputed.
type Logprobs struct {
	ModelID string `json:"model_id"`

	Sampled []Token `json:"sampled"`

	// Alternatives[i] lists the candidates at position i. It has
	// len(Sampled)+1 entries when it also covers the next, unsampled
	// position.
	Alternatives [][]Token `json:"alternatives,omitempty"`
}

// Stats is a point-in-time view of the aggregates.
type Stats struct {
	Min    *float64
	Avg    *float64
	Scored *float64
}

// MinLogprob returns the minimum non-nil sampled logprob, or nil.
func (l *Logprobs) MinLogprob() *float64 {
	var lowest *float64
	for _, t := range l.Sampled {
		if t.Logprob == nil {
			continue
		}
		if lowest == nil || *t.Logprob < *lowest {
			lowest = Float(*t.Logprob)
		}
	}
	return lowest
}

// AvgLogprob returns the mean of the non-nil sampled logprobs, or nil.
func (l *Logprobs) AvgLogprob() *float64 {
	var sum float64
	var n int
	for _, t := range l.Sampled {
		if t.Logprob == nil {
			continue
		}
		sum += *t.Logprob
		n++
	}
	if n == 0 {
		return nil
	}
	return Float(sum / float64(n))
}

// ScoredLogprob is min + 2*avg. A single very unlikely token drags the
// score down harder than it would drag a plain average.
func (l *Logprobs) ScoredLogprob() *float64 {
	lowest, avg := l.MinLogprob(), l.AvgLogprob()
	if lowest == nil || avg == nil {
		return nil
	}
	return Float(*lowest + 2*(*avg))
}

// Valid reports whether at least one sampled token carries a logprob.
func (l *Logprobs) Valid() bool {
	return l != nil && l.MinLogprob() != nil
}

// Stats computes all aggregates at once.
func (l *Logprobs) Stats() Stats {
	return Stats{
		Min:    l.MinLogprob(),
		Avg:    l.AvgLogprob(),
		Scored: l.ScoredLogprob(),
	}
}

// Text is the completion text covered by the sampled tokens.
func (l *Logprobs) Text() string {
	return Text(l.Sampled)
}

// HasNextAlternatives reports whether Alternatives covers the position
// right after the last sampled token.
func (l *Logprobs) HasNextAlternatives() bool {
	return len(l.Alternatives) == len(l.Sampled)+1
}

// NextAlternatives returns the candidates for the next, unsampled
// position, or nil when they are not known.
func (l *Logprobs) NextAlternatives() []Token {
	if !l.HasNextAlternatives() {
		return nil
	}
	return l.Alternatives[len(l.Sampled)]
}

// Clone returns a deep copy.
func (l *Logprobs) Clone() *Logprobs {
	if l == nil {
		return nil
	}
	out := &Logprobs{
		ModelID: l.ModelID,
		Sampled: CloneTokens(l.Sampled),
	}
	if l.Alternatives != nil {
		out.Alternatives = make([][]Token, len(l.Alternatives))
		for i, alts := range l.Alternatives {
			out.Alternatives[i] = CloneTokens(alts)
		}
	}
	return out
}

// SliceTo returns a copy holding the first n sampled records and the
// alternatives for positions 0..n, including position n when known.
func (l *Logprobs) SliceTo(n int) *Logprobs {
	out := &Logprobs{
		ModelID: l.ModelID,
		Sampled: CloneTokens(l.Sampled[:n]),
	}
	switch {
	case len(l.Alternatives) > n:
		out.Alternatives = cloneAlternatives(l.Alternatives[:n+1])
	case len(l.Alternatives) == n:
		out.Alternatives = cloneAlternatives(l.Alternatives[:n])
	}
	return out
}

func cloneAlternatives(alts [][]Token) [][]Token {
	out := make([][]Token, len(alts))
	for i, a := range alts {
		out[i] = CloneTokens(a)
	}
	return out
}
