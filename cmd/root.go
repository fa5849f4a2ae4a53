package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/abhisek/beamtree/internal/store"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "beamtree",
	Short: "Explore the completions a language model would give",
	Long: "beamtree forks a prompt's completion at every likely next token and keeps\n" +
		"the resulting beams, ranked by their token log-probabilities.",
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Path to SQLite database file (overrides BEAMTREE_DB env var)")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML exploration config")

	rootCmd.AddCommand(exploreCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(completionsCmd)
	rootCmd.AddCommand(llmCmd)
	rootCmd.AddCommand(versionCmd)
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	return nil
}

// resolveDBPath returns the database path using --db flag (highest priority),
// then BEAMTREE_DB env var, then the default XDG path.
func resolveDBPath(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("db"); p != "" {
		return p, store.EnsureDir(p)
	}
	return store.DefaultDBPath()
}
