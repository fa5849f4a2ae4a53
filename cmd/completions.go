package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/abhisek/beamtree/internal/beam"
	"github.com/abhisek/beamtree/internal/llm"
	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/abhisek/beamtree/internal/store"
	"github.com/spf13/cobra"
)

var completionsCmd = &cobra.Command{
	Use:   "completions",
	Short: "List stored completions of a prompt, best first",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		model, _ := cmd.Flags().GetString("model")

		s, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		recs, err := s.CompletionRepo().ListCompletions(cmd.Context(), prompt)
		if err != nil {
			return fmt.Errorf("list completions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(recs) == 0 {
			fmt.Fprintln(out, "No completions found.")
			return nil
		}

		// Rank with an engine that never calls its provider.
		if model == "" {
			model = recs[0].ModelID
		}
		e := beam.NewEngine(offlineProvider(model), nil, prompt, beam.DefaultConfig())
		for _, rec := range recs {
			e.Register(beam.NewPersistedCompletion(rec))
		}

		fmt.Fprintf(out, "%-36s  %7s  %s (scored by %s, %s)\n", "ID", "Score", "Text", model, logprobs.ScoreHeuristicVersion)
		fmt.Fprintln(out, strings.Repeat("─", 72))
		for _, c := range e.Completions() {
			printCompletion(out, c, model)
		}
		return nil
	},
}

var continueCmd = &cobra.Command{
	Use:   "continue <id>",
	Short: "Extend a stored completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		rec, err := lookupCompletion(cmd, st, args[0])
		if err != nil {
			st.Close()
			return err
		}
		s, err := startSession(cmd, st, rec.Prompt)
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := s.engine.GenerateContinuation(s.ctx, beam.NewPersistedCompletion(*rec), maxTokens)
		if err != nil {
			return err
		}
		s.save(b)
		printCompletion(cmd.OutOrStdout(), b, s.engine.ModelID())
		return nil
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <id>",
	Short: "Score a stored completion under the configured model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		persist, _ := cmd.Flags().GetBool("persist")

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		rec, err := lookupCompletion(cmd, st, args[0])
		if err != nil {
			st.Close()
			return err
		}
		s, err := startSession(cmd, st, rec.Prompt)
		if err != nil {
			return err
		}
		defer s.Close()

		lp, err := s.engine.EvaluateCompletionLogprobs(s.ctx, beam.NewPersistedCompletion(*rec), persist)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		stats := lp.Stats()
		fmt.Fprintf(out, "Model:   %s\n", lp.ModelID)
		fmt.Fprintf(out, "Tokens:  %d\n", len(lp.Sampled))
		fmt.Fprintf(out, "Min:     %s\n", formatLogprob(stats.Min))
		fmt.Fprintf(out, "Avg:     %s\n", formatLogprob(stats.Avg))
		fmt.Fprintf(out, "Score:   %s (%s)\n", formatLogprob(stats.Scored), logprobs.ScoreHeuristicVersion)
		return nil
	},
}

// lookupCompletion finds a stored completion by ID.
func lookupCompletion(cmd *cobra.Command, s *store.Store, id string) (*store.CompletionRecord, error) {
	repo := s.CompletionRepo()
	rec, err := repo.GetCompletion(cmd.Context(), id)
	if err != nil {
		return nil, fmt.Errorf("get completion: %w", err)
	}
	if rec == nil {
		return nil, fmt.Errorf("completion %s not found", id)
	}
	return rec, nil
}

// offlineProvider only names a model; completions are ranked without
// calling out.
type offlineProvider string

func (p offlineProvider) ModelID() string { return string(p) }

func (p offlineProvider) Generate(context.Context, llm.GenerateRequest) (*llm.GenerateResponse, error) {
	return nil, &llm.ErrUnsupported{Provider: "offline", Feature: "generate"}
}

func (p offlineProvider) Evaluate(context.Context, llm.EvaluateRequest) (*llm.EvaluateResponse, error) {
	return nil, &llm.ErrUnsupported{Provider: "offline", Feature: "evaluate"}
}

func formatLogprob(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", *v)
}

func init() {
	completionsCmd.Flags().String("prompt", "", "Prompt whose completions to list")
	completionsCmd.Flags().String("model", "", "Model whose logprobs rank the list (default: model of the first completion)")
	completionsCmd.MarkFlagRequired("prompt")

	continueCmd.Flags().Int("max-tokens", 0, "Maximum tokens to add (default from config)")
	continueCmd.Flags().Float64("temperature", 0, "Sampling temperature")
	continueCmd.Flags().Int("top-k", 0, "Top-k sampling limit")

	evaluateCmd.Flags().Bool("persist", false, "Save the evaluation with the completion")
}
