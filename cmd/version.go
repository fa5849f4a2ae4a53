package cmd

import (
	"fmt"

	"github.com/abhisek/beamtree/internal/logprobs"
	"github.com/spf13/cobra"
)

// version is set via -ldflags at build time.
var version = "(devel)"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and score heuristic",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "beamtree %s (score %s)\n", version, logprobs.ScoreHeuristicVersion)
	},
}
