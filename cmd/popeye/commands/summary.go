package commands

import (
	"errors"

	"github.com/fortisil/popeye/internal/catalog"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/spf13/cobra"
)

var summaryJSON bool

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize what the current run did",
	Long: `Summarize the saved run phase by phase: how often each phase was
entered, the artifacts it produced and its gate outcome, followed by the
recovery count, change requests and the final report.

The summary is rebuilt from the saved state; no backend is called.`,
	Args: cobra.NoArgs,
	RunE: runSummary,
}

func init() {
	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(summaryCmd)
}

func runSummary(cmd *cobra.Command, args []string) error {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.stateFile().Load()
	if errors.Is(err, pipeline.ErrNoState) {
		return printer.Error(
			"no run to summarize",
			"This project has no saved run.",
			[]string{"Start one:\n  popeye start \"<idea>\""},
		)
	}
	if err != nil {
		return err
	}

	s := catalog.Summarize(st)
	if summaryJSON {
		return catalog.FormatSingleJSON(cmd.OutOrStdout(), s)
	}
	catalog.FormatSummary(cmd.OutOrStdout(), s)
	return nil
}
