package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/abhisek/beamtree/internal/beam"
	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/spf13/cobra"
)

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Fork a prefix at its most likely next tokens",
	Long: "explore asks the model for the most likely tokens after --prefix and\n" +
		"generates one beam from each. Beams are saved as they complete; an\n" +
		"interrupt stops after the beam in progress.",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		prefix, _ := cmd.Flags().GetString("prefix")
		width, _ := cmd.Flags().GetInt("width")
		length, _ := cmd.Flags().GetInt("length")
		explicit, _ := cmd.Flags().GetStringArray("token")

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		s, err := startSession(cmd, st, prompt)
		if err != nil {
			return err
		}
		defer s.Close()

		if width <= 0 {
			width = s.cfg.Width
		}
		if length <= 0 {
			length = s.cfg.Length
		}

		interrupted, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		opts := beam.ExpandOptions{
			OnBeamCompleted: s.save,
			CheckStop:       func() bool { return interrupted.Err() != nil },
		}
		for _, text := range explicit {
			opts.ExplicitTokens = append(opts.ExplicitTokens, logprobs.Token{
				ID:    -1,
				Text:  text,
				Bytes: []byte(text),
				Span:  1,
			})
		}

		beams, err := s.engine.ExpandOneLevel(s.ctx, prefix, width, length, opts)
		out := cmd.OutOrStdout()
		for _, b := range beams {
			printCompletion(out, b, s.engine.ModelID())
		}
		if err != nil {
			return fmt.Errorf("explore %q: %w", prefix, err)
		}
		if len(beams) == 0 {
			fmt.Fprintln(out, "No new beams.")
		}
		return nil
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one completion for a prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt, _ := cmd.Flags().GetString("prompt")
		prefill, _ := cmd.Flags().GetString("prefill")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		s, err := startSession(cmd, st, prompt)
		if err != nil {
			return err
		}
		defer s.Close()

		b, err := s.engine.Generate(s.ctx, beam.GenerateOptions{Prefill: prefill, MaxTokens: maxTokens})
		if err != nil {
			return err
		}
		s.save(b)
		printCompletion(cmd.OutOrStdout(), b, s.engine.ModelID())
		return nil
	},
}

func init() {
	exploreCmd.Flags().String("prompt", "", "Prompt to explore")
	exploreCmd.Flags().String("prefix", "", "Completion text to fork after")
	exploreCmd.Flags().Int("width", 0, "Number of next-token candidates to fork (default from config)")
	exploreCmd.Flags().Int("length", 0, "Tokens to generate per beam (default from config)")
	exploreCmd.Flags().StringArray("token", nil, "Fork at this token instead of the model's candidates (repeatable)")
	exploreCmd.Flags().Float64("temperature", 0, "Sampling temperature")
	exploreCmd.Flags().Int("top-k", 0, "Top-k sampling limit")
	exploreCmd.MarkFlagRequired("prompt")

	generateCmd.Flags().String("prompt", "", "Prompt to complete")
	generateCmd.Flags().String("prefill", "", "Text the completion must start with")
	generateCmd.Flags().Int("max-tokens", 0, "Maximum tokens to generate (default from config)")
	generateCmd.Flags().Float64("temperature", 0, "Sampling temperature")
	generateCmd.Flags().Int("top-k", 0, "Top-k sampling limit")
	generateCmd.MarkFlagRequired("prompt")
}
