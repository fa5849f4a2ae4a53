package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/abhisek/beamtree/internal/beam"
	"github.com/abhisek/beamtree/internal/llm"
	"github.com/abhisek/beamtree/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// session bundles what every exploring command needs: the store, an engine
// for one prompt, and a context bounded by the LLM timeout.
type session struct {
	store  *store.Store
	engine *beam.Engine
	cfg    beam.Config
	ctx    context.Context
	cancel context.CancelFunc
}

func openStore(cmd *cobra.Command) (*store.Store, error) {
	dbPath, err := resolveDBPath(cmd)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return s, nil
}

// startSession builds the provider and engine for prompt on top of an open
// store and seeds the engine from it. The session takes ownership of st.
func startSession(cmd *cobra.Command, st *store.Store, prompt string) (*session, error) {
	cfg, err := loadExploreConfig(cmd)
	if err != nil {
		st.Close()
		return nil, err
	}

	provider, llmCfg, err := llm.NewProviderFromEnv(cmd.Context(), st.EventRepo())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("LLM provider not configured: %w", err)
	}
	log.Debug().Str("provider", llmCfg.Provider).Str("model", provider.ModelID()).Msg("provider ready")

	ctx, cancel := context.WithTimeout(cmd.Context(), llmCfg.Timeout)
	s := &session{
		store:  st,
		engine: beam.NewEngine(provider, st.CompletionRepo(), prompt, cfg),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	if _, err := s.engine.LoadCache(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *session) Close() {
	s.cancel()
	s.store.Close()
}

// save persists a beam. Failures are logged; the beam stays usable in
// memory.
func (s *session) save(b *beam.Beam) {
	if err := s.store.CompletionRepo().SaveCompletion(s.ctx, b.Record()); err != nil {
		log.Error().Err(err).Str("beam", b.ID()).Msg("failed to persist beam")
	}
}

// loadExploreConfig reads --config when given and applies any command
// flags that override it.
func loadExploreConfig(cmd *cobra.Command) (beam.Config, error) {
	cfg := beam.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := beam.LoadConfig(path)
		if err != nil {
			return beam.Config{}, err
		}
		cfg = loaded
	}

	if f := cmd.Flags().Lookup("temperature"); f != nil && f.Changed {
		cfg.Temperature, _ = cmd.Flags().GetFloat64("temperature")
	}
	if f := cmd.Flags().Lookup("top-k"); f != nil && f.Changed {
		cfg.TopK, _ = cmd.Flags().GetInt("top-k")
	}
	return cfg, cfg.Validate()
}

func printCompletion(w io.Writer, c beam.Completion, model string) {
	score := "      ?"
	if lp := c.Logprobs(model); lp != nil {
		if s := lp.ScoredLogprob(); s != nil {
			score = fmt.Sprintf("%7.3f", *s)
		}
	}
	fork := ""
	if tok := c.BeamToken(); tok != nil {
		fork = fmt.Sprintf(" %q", tok.Text)
	}
	fmt.Fprintf(w, "%-36s  %s  %s%s\n", c.ID(), score, oneLine(c.Text()), fork)
}

func oneLine(s string) string {
	return strings.NewReplacer("\n", `\n`, "\r", `\r`).Replace(s)
}
