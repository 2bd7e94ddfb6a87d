package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fortisil/popeye/internal/catalog"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the current run",
	Long: `Show the saved pipeline run: current phase, status, recovery budget,
gate results and change requests.

Use --json to print the raw state document.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the state as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.stateFile().Load()
	if errors.Is(err, pipeline.ErrNoState) {
		printer.Info("No pipeline run. Start one with: popeye start \"<idea>\"\n")
		return nil
	}
	if err != nil {
		return err
	}

	if statusJSON {
		return catalog.FormatSingleJSON(cmd.OutOrStdout(), st)
	}

	printState(st, pipeline.NewRunLock(a.layout.LockPath()).ActiveOwner())
	return nil
}

// printState renders st for humans. owner is the pid of a live run, or 0.
func printState(st *pipeline.PipelineState, owner int) {
	printer.Field("Run", st.RunID)
	printer.Field("Idea", st.Idea)
	printer.Field("Language", st.Language)
	printer.Field("Phase", st.CurrentPhase)
	status := printer.Status(string(st.Status))
	if owner != 0 && owner != os.Getpid() {
		status = fmt.Sprintf("%s (pid %d)", status, owner)
	}
	printer.Field("Status", status)
	printer.Field("Roles", joinRoles(st.ActiveRoles))
	printer.Field("Recoveries", fmt.Sprintf("%d/%d", st.RecoveryCount, st.MaxRecoveryIterations))
	if st.FailedPhase != "" {
		printer.Field("Failed phase", st.FailedPhase)
	}
	if st.LastError != "" {
		printer.Field("Last error", st.LastError)
	}
	printer.Field("Artifacts", len(st.Artifacts))
	printer.Field("Started", st.StartedAt.Local().Format(time.RFC3339))
	printer.Field("Updated", st.UpdatedAt.Local().Format(time.RFC3339))

	if len(st.GateResults) > 0 {
		printer.Println()
		printer.Println("Gates:")
		for _, p := range phase.All() {
			r, ok := st.GateResults[p]
			if !ok {
				continue
			}
			outcome := "pass"
			if !r.Pass {
				outcome = "fail"
			}
			line := fmt.Sprintf("  %-24s %s  score=%.2f", p, printer.Status(outcome), r.Score)
			if !r.Pass && r.Reason != "" {
				line += "  " + r.Reason
			}
			printer.Println(line)
		}
	}

	if len(st.ChangeRequests) > 0 {
		printer.Println()
		printer.Println("Change requests:")
		for _, cr := range st.ChangeRequests {
			printer.Println(fmt.Sprintf("  %-12s %-10s %s  %s", cr.CRID, cr.ChangeType, printer.Status(string(cr.Status)), cr.Description))
		}
	}
}
