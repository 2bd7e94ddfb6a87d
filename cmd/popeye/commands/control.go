package commands

import (
	"errors"

	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/spf13/cobra"
)

var forceReset bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard the saved run",
	Long: `Discard the saved pipeline run so a new one can be started.

Artifacts are immutable and stay in .popeye/artifacts. A run that is still
running is only discarded with --force.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop the active run",
	Long: `Stop the active pipeline run.

A run executing in another process is interrupted and records the
cancellation itself. A run with no live process is marked cancelled. Either
way it can be continued with popeye resume.`,
	Args: cobra.NoArgs,
	RunE: runCancel,
}

func init() {
	resetCmd.Flags().BoolVar(&forceReset, "force", false, "Discard a run that has not finished")
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.controlMachine().Reset(forceReset); err != nil {
		if errors.Is(err, pipeline.ErrLocked) {
			return printer.Error(
				"another run is active",
				"The run lock is held by a live process.",
				[]string{"Stop it first:\n  popeye cancel"},
			)
		}
		return printer.Error(
			"reset refused",
			err.Error(),
			[]string{"Discard it anyway:\n  popeye reset --force"},
		)
	}

	printer.Success("Run state cleared; artifacts were kept\n")
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	signalled, err := a.controlMachine().Cancel()
	switch {
	case errors.Is(err, pipeline.ErrNoState):
		return printer.Error("no run to cancel", "This project has no saved run.", nil)
	case errors.Is(err, pipeline.ErrFinished):
		return printer.Error("run has finished", err.Error(), nil)
	case err != nil:
		return err
	}

	if signalled {
		printer.Success("Interrupt sent to the active run\n")
	} else {
		printer.Success("Run marked cancelled\n")
	}
	return nil
}
