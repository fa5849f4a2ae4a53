package beam

import (
	"context"
	"errors"
	"testing"

	"github.com/abhisek/beamtree/internal/llm"
	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/abhisek/beamtree/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const storyPrompt = "Tell me a story."

func seq(texts ...string) []logprobs.Token {
	out := make([]logprobs.Token, len(texts))
	for i, text := range texts {
		out[i] = logprobs.NewToken(i+1, text, -0.5)
	}
	return out
}

// storedStory is a persisted completion whose tokens cover its text.
func storedStory(model, id string, texts ...string) *PersistedCompletion {
	sampled := seq(texts...)
	alts := make([][]logprobs.Token, len(sampled)+1)
	for i := range sampled {
		alts[i] = []logprobs.Token{sampled[i], logprobs.NewToken(100+i, "x", -4)}
	}
	alts[len(sampled)] = seq(" and", " then")
	text := logprobs.Text(sampled)
	return NewPersistedCompletion(store.CompletionRecord{
		ID:          id,
		Prompt:      storyPrompt,
		ModelID:     model,
		Text:        text,
		ContentHash: ContentHash(model, storyPrompt, text),
		Logprobs: map[string]*logprobs.Logprobs{
			model: {ModelID: model, Sampled: sampled, Alternatives: alts},
		},
	})
}

func newTestCache(p llm.Provider, known ...Completion) *PrefixCache {
	return NewPrefixCache(p, storyPrompt, p.ModelID(), func() []Completion { return known }, DefaultConfig())
}

func TestResolve_SameHandleAndSingleEvaluation(t *testing.T) {
	p := llm.NewScriptedProvider("scripted", llm.DemoScript())
	c := newTestCache(p)

	first, err := c.Resolve(context.Background(), "Once upon a")
	require.NoError(t, err)
	second, err := c.Resolve(context.Background(), "Once upon a")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, p.EvaluateCalls())
	assert.Equal(t, "Once upon a", logprobs.Text(first.Sampled))
	assert.Equal(t, 3, first.TokenCount())
	require.Len(t, first.NextAlternatives(), 3)
	assert.Equal(t, " time", first.NextAlternatives()[0].Text)
}

func TestResolve_StructuralScanAvoidsEvaluation(t *testing.T) {
	p := llm.NewScriptedProvider("scripted", llm.DemoScript())
	known := storedStory("scripted", "c1", "Once", " upon", " a", " time")
	c := newTestCache(p, known)

	prefix, err := c.Resolve(context.Background(), "Once upon")
	require.NoError(t, err)

	assert.Equal(t, 0, p.EvaluateCalls())
	assert.Equal(t, "Once upon", logprobs.Text(prefix.Sampled))
	require.Len(t, prefix.Alternatives, 3)
	assert.Equal(t, " upon", prefix.Alternatives[1][0].Text)
	// The next-position candidates are the ones recorded at " a".
	assert.Equal(t, " a", prefix.NextAlternatives()[0].Text)
}

func TestResolve_ScanIgnoresOtherModelsAndPrompts(t *testing.T) {
	p := llm.NewScriptedProvider("scripted", llm.DemoScript())
	otherModel := storedStory("other-model", "c1", "Once", " upon", " a")
	otherPrompt := storedStory("scripted", "c2", "Once", " upon", " a")
	otherPrompt.rec.Prompt = "Another prompt"
	c := newTestCache(p, otherModel, otherPrompt)

	_, err := c.Resolve(context.Background(), "Once upon")
	require.NoError(t, err)
	assert.Equal(t, 1, p.EvaluateCalls())
}

func TestResolve_PrefixInsideTokenIsEvaluated(t *testing.T) {
	p := llm.NewScriptedProvider("scripted", llm.DemoScript())
	known := storedStory("scripted", "c1", "Once", " upon", " a", " time")
	c := newTestCache(p, known)

	prefix, err := c.Resolve(context.Background(), "Once upon a ti")
	require.NoError(t, err)

	assert.Equal(t, 1, p.EvaluateCalls())
	assert.Equal(t, "Once upon a ti", logprobs.Text(prefix.Sampled))
}

func TestPrefixBoundary(t *testing.T) {
	dragon := []byte("🐉")
	stitched := logprobs.Stitch([]logprobs.Token{
		logprobs.NewToken(1, "a", -1),
		{ID: 2, Text: string(dragon[:2]), Bytes: dragon[:2], Logprob: logprobs.Float(-1), Span: 1},
		{ID: 3, Text: string(dragon[2:]), Bytes: dragon[2:], Logprob: logprobs.Float(-1), Span: 1},
		logprobs.NewToken(4, "b", -1),
		logprobs.NewEOS(0, "", nil),
	})

	tests := []struct {
		name string
		n    int
		want int
		ok   bool
	}{
		{"empty", 0, 0, true},
		{"first token", 1, 1, true},
		{"after joined character", 5, 3, true},
		{"inside joined character", 3, 0, false},
		{"full text", 6, 4, true},
		{"past text", 7, 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := prefixBoundary(stitched, tt.n)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestResolve_EmptyPrefix(t *testing.T) {
	p := llm.NewScriptedProvider("scripted", llm.DemoScript())

	t.Run("without known completions", func(t *testing.T) {
		c := newTestCache(p)
		prefix, err := c.Resolve(context.Background(), "")
		require.NoError(t, err)
		assert.True(t, prefix.Tokenized())
		assert.Nil(t, prefix.NextAlternatives())
		assert.Equal(t, 0, c.Len(), "empty prefix without candidates is not cached")
		assert.Equal(t, 0, p.EvaluateCalls())
	})

	t.Run("from known completion", func(t *testing.T) {
		known := storedStory("scripted", "c1", "Once", " upon")
		c := newTestCache(p, known)
		prefix, err := c.Resolve(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, prefix.NextAlternatives(), 2)
		assert.Equal(t, "Once", prefix.NextAlternatives()[0].Text)
		assert.Equal(t, 1, c.Len())
	})
}

func TestNextTokenAlternatives_UpdatesSharedHandle(t *testing.T) {
	p := llm.NewScriptedProvider("scripted", llm.DemoScript())
	cfg := DefaultConfig()
	cfg.TopLogprobs = 1
	c := NewPrefixCache(p, storyPrompt, "scripted", func() []Completion { return nil }, cfg)

	handle, err := c.Resolve(context.Background(), "Once upon a")
	require.NoError(t, err)
	require.Len(t, handle.NextAlternatives(), 1)

	alts, err := c.NextTokenAlternatives(context.Background(), "Once upon a", 3)
	require.NoError(t, err)
	require.Len(t, alts, 3)
	assert.Equal(t, []string{" time", " day", " midnight"}, []string{alts[0].Text, alts[1].Text, alts[2].Text})

	assert.Len(t, handle.NextAlternatives(), 3, "existing handle sees the update")
	again, err := c.Resolve(context.Background(), "Once upon a")
	require.NoError(t, err)
	assert.Same(t, handle, again)
	assert.Equal(t, 2, p.EvaluateCalls())

	// Enough candidates are cached now.
	_, err = c.NextTokenAlternatives(context.Background(), "Once upon a", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, p.EvaluateCalls())
}

func TestNextTokenAlternatives_KeepsTokenizationOnMismatch(t *testing.T) {
	// The provider tokenizes "Once" as "On"+"c", which does not reproduce it.
	mismatch := llm.MockResponse{Evaluate: &llm.EvaluateResponse{
		Logprobs: &logprobs.Logprobs{
			Sampled:      seq("On", "c"),
			Alternatives: [][]logprobs.Token{nil, nil, seq(" upon", " a", " time")},
		},
	}}
	p := llm.NewMockProvider(mismatch)
	known := storedStory("mock", "c1", "Once", " upon")
	c := newTestCache(p, known)

	prefix, err := c.Resolve(context.Background(), "Once")
	require.NoError(t, err)
	require.True(t, prefix.Tokenized())
	require.Len(t, prefix.NextAlternatives(), 2)

	alts, err := c.NextTokenAlternatives(context.Background(), "Once", 3)
	require.NoError(t, err)
	require.Len(t, p.EvaluateCalls, 1)
	require.Len(t, alts, 3)
	assert.Equal(t, " upon", alts[0].Text)
	assert.Equal(t, " time", alts[2].Text)

	assert.True(t, prefix.Tokenized(), "scanned tokens survive a mismatched evaluation")
	assert.Equal(t, "Once", logprobs.Text(prefix.Sampled))
	require.Len(t, prefix.Alternatives, 2)
	assert.Equal(t, "Once", prefix.Alternatives[0][0].Text)
	assert.Len(t, prefix.NextAlternatives(), 3)
}

func TestNextTokenAlternatives_NoCandidates(t *testing.T) {
	noAlts := llm.MockResponse{Evaluate: &llm.EvaluateResponse{
		Logprobs: &logprobs.Logprobs{Sampled: seq("Hi")},
	}}
	p := llm.NewMockProvider(noAlts, noAlts)
	c := newTestCache(p)

	_, err := c.NextTokenAlternatives(context.Background(), "Hi", 2)
	var violation *llm.ErrContractViolation
	require.True(t, errors.As(err, &violation), "got %v", err)
	assert.Equal(t, "mock", violation.Model)
}

func TestResolve_MissingLogprobsIsContractViolation(t *testing.T) {
	p := llm.NewMockProvider(llm.MockResponse{Evaluate: &llm.EvaluateResponse{}})
	c := newTestCache(p)

	_, err := c.Resolve(context.Background(), "Hi")
	var violation *llm.ErrContractViolation
	assert.True(t, errors.As(err, &violation), "got %v", err)
}

func TestResolve_UnsupportedDegradesToText(t *testing.T) {
	p := llm.NewMockProvider(llm.MockResponse{Err: &llm.ErrUnsupported{Provider: "mock", Feature: "evaluate"}})
	c := newTestCache(p)

	prefix, err := c.Resolve(context.Background(), "Once upon a")
	require.NoError(t, err)
	assert.Equal(t, "Once upon a", prefix.Text)
	assert.False(t, prefix.Tokenized())
	assert.Equal(t, 1, c.Len())
}

func TestResolve_ProviderErrorIsReturned(t *testing.T) {
	p := llm.NewMockProvider(llm.MockResponse{Err: &llm.ErrRateLimit{}})
	c := newTestCache(p)

	_, err := c.Resolve(context.Background(), "Once upon a")
	var rl *llm.ErrRateLimit
	assert.True(t, errors.As(err, &rl))
	assert.Equal(t, 0, c.Len())
}

func TestForget(t *testing.T) {
	p := llm.NewScriptedProvider("scripted", llm.DemoScript())
	c := newTestCache(p)

	first, err := c.Resolve(context.Background(), "Once")
	require.NoError(t, err)
	c.Forget("Once")
	second, err := c.Resolve(context.Background(), "Once")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, p.EvaluateCalls())
}
