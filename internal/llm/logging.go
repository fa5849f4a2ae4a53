package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/abhisek/beamtree/internal/store"
	"github.com/rs/zerolog/log"
)

// LoggingProvider is a decorator that records every provider call as an event.
type LoggingProvider struct {
	inner     Provider
	name      string
	eventRepo store.EventRepo
}

// WithLogging wraps a Provider with event logging. name is the configured
// provider kind (openai, gemini, ...).
func WithLogging(p Provider, name string, repo store.EventRepo) Provider {
	return &LoggingProvider{inner: p, name: name, eventRepo: repo}
}

func (l *LoggingProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	start := time.Now()
	resp, err := l.inner.Generate(ctx, req)

	data := l.eventData(ctx, "generate", start, err)
	data.RequestBody = serializeGenerate(req)
	if resp != nil {
		data.InputTokens = resp.Usage.InputTokens
		data.OutputTokens = resp.Usage.OutputTokens
		if resp.Model != "" {
			data.Model = resp.Model
		}
		data.ResponseBody = serializeLogprobs(resp.Text, resp.Logprobs)
	}
	l.record(ctx, data)
	return resp, err
}

func (l *LoggingProvider) Evaluate(ctx context.Context, req EvaluateRequest) (*EvaluateResponse, error) {
	start := time.Now()
	resp, err := l.inner.Evaluate(ctx, req)

	data := l.eventData(ctx, "evaluate", start, err)
	data.RequestBody = serializeEvaluate(req)
	if resp != nil {
		data.InputTokens = resp.Usage.InputTokens
		data.OutputTokens = resp.Usage.OutputTokens
		if resp.Model != "" {
			data.Model = resp.Model
		}
		data.ResponseBody = serializeLogprobs("", resp.Logprobs)
	}
	l.record(ctx, data)
	return resp, err
}

func (l *LoggingProvider) ModelID() string {
	return l.inner.ModelID()
}

func (l *LoggingProvider) eventData(ctx context.Context, kind string, start time.Time, err error) store.LLMRequestEventData {
	data := store.LLMRequestEventData{
		Provider:  l.name,
		Model:     l.inner.ModelID(),
		Purpose:   PurposeFrom(ctx),
		Kind:      kind,
		LatencyMs: time.Since(start).Milliseconds(),
		Success:   err == nil,
	}
	if err != nil {
		data.ErrorMessage = err.Error()
	}
	return data
}

func (l *LoggingProvider) record(ctx context.Context, data store.LLMRequestEventData) {
	log.Debug().
		Str("provider", data.Provider).
		Str("model", data.Model).
		Str("kind", data.Kind).
		Str("purpose", data.Purpose).
		Int64("latency_ms", data.LatencyMs).
		Bool("success", data.Success).
		Msg("provider call")

	if l.eventRepo == nil {
		return
	}
	// Log the event but don't fail the request if logging fails.
	if err := l.eventRepo.AppendLLMRequest(ctx, data); err != nil {
		log.Warn().Err(err).Msg("failed to record LLM request event")
	}
}

func serializeGenerate(req GenerateRequest) string {
	var b strings.Builder
	b.WriteString("[prompt]\n")
	b.WriteString(req.Prompt)
	b.WriteString("\n\n[prefill]\n")
	b.WriteString(req.Prefill.Text)
	fmt.Fprintf(&b, "\n\n[params] temperature=%g top_k=%d max_tokens=%d top_logprobs=%d prefill_tokens=%d\n",
		req.Temperature, req.TopK, req.MaxTokens, req.TopLogprobs, len(req.Prefill.Tokens))
	return b.String()
}

func serializeEvaluate(req EvaluateRequest) string {
	var b strings.Builder
	b.WriteString("[prompt]\n")
	b.WriteString(req.Prompt)
	b.WriteString("\n\n[text]\n")
	b.WriteString(req.Text)
	fmt.Fprintf(&b, "\n\n[params] top_logprobs=%d tokens=%d\n", req.TopLogprobs, len(req.Tokens))
	return b.String()
}

// serializeLogprobs renders one line per sampled token with its top
// alternatives.
func serializeLogprobs(text string, lp *logprobs.Logprobs) string {
	var b strings.Builder
	if text != "" {
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	if lp == nil {
		return b.String()
	}
	for i, t := range lp.Sampled {
		fmt.Fprintf(&b, "%4d %q %s", i, t.Text, formatLogprob(t.Logprob))
		if i < len(lp.Alternatives) {
			for _, a := range lp.Alternatives[i] {
				fmt.Fprintf(&b, " | %q %s", a.Text, formatLogprob(a.Logprob))
			}
		}
		b.WriteString("\n")
	}
	if next := lp.NextAlternatives(); next != nil {
		b.WriteString("next:")
		for _, a := range next {
			fmt.Fprintf(&b, " | %q %s", a.Text, formatLogprob(a.Logprob))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatLogprob(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
