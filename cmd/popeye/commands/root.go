package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	projectDir string
	configFile string
)

// rootCmd is the popeye command; every subcommand registers itself in init.
var rootCmd = &cobra.Command{
	Use:   "popeye",
	Short: "Popeye - gated, consensus-reviewed build pipeline",
	Long: `Popeye turns an idea into a working project by driving generation
backends through a fixed sequence of phases: planning, architecture, role
plans, implementation, QA, review, audit and a production gate.

Every phase stores immutable, hashed artifacts under .popeye/, passes a gate
before the next one starts, and plans are approved by a reviewer vote. Failed
phases enter a bounded recovery loop; a run that cannot recover stops in STUCK
with a report.`,
	Version: version,
	// Without RunE cobra would ignore unknown flags given to the bare command.
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the CLI. Commands render their own failures through the
// printer package, so cobra's error and usage output is turned off.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo records build metadata shown by --version.
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "dir", "C", ".", "Project root directory")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "f", "", "Path to popeye.yml (default: <dir>/popeye.yml)")
}
