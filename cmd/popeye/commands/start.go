package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fortisil/popeye/internal/git"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/spf13/cobra"
)

var (
	startLanguage    string
	startRoles       []string
	startGuidance    string
	startMaxRecovery int
	startIdeaFile    string

	resumeGuidance string
)

var startCmd = &cobra.Command{
	Use:   "start [idea...]",
	Short: "Start a new pipeline run from an idea",
	Long: `Start a new pipeline run and drive it until it is done or stuck.

The idea is expanded into a master plan, approved by the reviewer panel, and
carried through architecture, role planning, implementation, QA, review,
audit and the production gate. Press Ctrl-C to cancel; the run can be
resumed later.

Examples:
  # Start with the configured language and roles
  popeye start "a todo list API with SQLite storage"

  # Override roles and the recovery budget
  popeye start --roles backend,frontend,qa --max-recovery 5 "a kanban board"

  # Read a longer brief from a file
  popeye start --file brief.md`,
	Args: cobra.ArbitraryArgs,
	RunE: runStart,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the saved run from its current phase",
	Long: `Resume a cancelled or interrupted run from the phase it stopped in.

Runs that finished in DONE or STUCK cannot be resumed; reset them and start
again.`,
	Args: cobra.NoArgs,
	RunE: runResume,
}

func init() {
	startCmd.Flags().StringVarP(&startLanguage, "language", "l", "", "Target language (default: from popeye.yml)")
	startCmd.Flags().StringSliceVar(&startRoles, "roles", nil, "Active build roles (default: from popeye.yml)")
	startCmd.Flags().StringVar(&startGuidance, "guidance", "", "Guidance added to every prompt of this run")
	startCmd.Flags().StringVar(&startIdeaFile, "file", "", "Read the idea from a file")
	startCmd.Flags().IntVar(&startMaxRecovery, "max-recovery", -1, "Recovery iterations before the run is stuck (default: from popeye.yml)")
	rootCmd.AddCommand(startCmd)

	resumeCmd.Flags().StringVar(&resumeGuidance, "guidance", "", "Replace the session guidance before resuming")
	rootCmd.AddCommand(resumeCmd)
}

// interruptible returns a context cancelled by Ctrl-C, SIGTERM or popeye cancel.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runStart(cmd *cobra.Command, args []string) error {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	idea, err := readIdea(args)
	if err != nil {
		return err
	}
	opts, err := startOptions(a, idea)
	if err != nil {
		return err
	}

	ctx, stop := interruptible()
	defer stop()

	m, err := a.machine(ctx)
	if err != nil {
		return fmt.Errorf("failed to configure pipeline: %w", err)
	}

	if clean, err := git.NewChecker(a.root).IsWorkspaceClean(); err == nil && !clean {
		printer.Warning("The workspace has uncommitted changes; they become part of the first snapshot\n")
	}

	printer.Step("Starting run for %q\n", opts.Idea)
	st, err := m.Start(ctx, opts)
	return reportRun(st, err)
}

// readIdea takes the idea from --file or the arguments, not both.
func readIdea(args []string) (string, error) {
	if startIdeaFile == "" {
		return strings.Join(args, " "), nil
	}
	if len(args) > 0 {
		return "", printer.Error(
			"idea given twice",
			"Pass the idea either as arguments or with --file.",
			nil,
		)
	}
	data, err := os.ReadFile(startIdeaFile)
	if err != nil {
		return "", fmt.Errorf("failed to read idea file: %w", err)
	}
	return string(data), nil
}

// startOptions merges flags over the project configuration.
func startOptions(a *app, idea string) (pipeline.StartOptions, error) {
	opts := pipeline.StartOptions{
		Idea:                  strings.TrimSpace(idea),
		Language:              a.cfg.Language,
		Roles:                 a.cfg.ActiveRoles(),
		MaxRecoveryIterations: *a.cfg.Pipeline.MaxRecoveryIterations,
		Guidance:              startGuidance,
	}
	if opts.Idea == "" {
		return opts, printer.Error("idea cannot be empty", "", []string{"Describe what to build:\n  popeye start \"a todo list API\""})
	}
	if startLanguage != "" {
		opts.Language = startLanguage
	}
	if startMaxRecovery >= 0 {
		opts.MaxRecoveryIterations = startMaxRecovery
	}
	if len(startRoles) > 0 {
		opts.Roles = make([]skills.Role, 0, len(startRoles))
		for _, r := range startRoles {
			role := skills.Role(strings.TrimSpace(r))
			if err := role.Validate(); err != nil || !role.IsBuildRole() {
				return opts, printer.Error(
					fmt.Sprintf("invalid role: %s", r),
					"Only build roles can be activated for a run.",
					[]string{fmt.Sprintf("Valid roles: %s", joinRoles(skills.BuildRoles()))},
				)
			}
			opts.Roles = append(opts.Roles, role)
		}
	}
	return opts, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := interruptible()
	defer stop()

	m, err := a.machine(ctx)
	if err != nil {
		return fmt.Errorf("failed to configure pipeline: %w", err)
	}

	st, err := m.Resume(ctx, resumeGuidance)
	return reportRun(st, err)
}

// reportRun prints the outcome of a run and maps pipeline errors to
// user-facing ones.
func reportRun(st *pipeline.PipelineState, err error) error {
	switch {
	case err == nil:
		printer.Success("Pipeline completed (run %s)\n", st.RunID)
		printer.Field("Artifacts", len(st.Artifacts))
		printer.Field("Recoveries", st.RecoveryCount)
		printer.Field("Change requests", len(st.ChangeRequests))
		return nil

	case errors.Is(err, pipeline.ErrStuck):
		return printer.ErrorWithContext(
			"pipeline is stuck",
			st.LastError,
			map[string]string{
				"Run":          st.RunID,
				"Failed phase": string(st.FailedPhase),
				"Recoveries":   fmt.Sprintf("%d/%d", st.RecoveryCount, st.MaxRecoveryIterations),
			},
			[]string{
				"Read the stuck report:\n  popeye artifacts list --type stuck_report",
				"Fix the cause, then start over:\n  popeye reset && popeye start \"...\"",
			},
		)

	case errors.Is(err, context.Canceled):
		printer.Warning("Run cancelled in %s; continue with: popeye resume\n", st.CurrentPhase)
		return nil

	case errors.Is(err, pipeline.ErrLocked):
		return printer.Error(
			"another run is active",
			"The project run lock is held by a live process.",
			[]string{"Follow it:\n  popeye watch", "Stop it:\n  popeye cancel"},
		)

	case errors.Is(err, pipeline.ErrAlreadyStarted):
		return printer.Error(
			"a run already exists",
			"This project has a saved run.",
			[]string{"Continue it:\n  popeye resume", "Discard it:\n  popeye reset --force"},
		)

	case errors.Is(err, pipeline.ErrNoState):
		return printer.Error(
			"no run to resume",
			"This project has no saved run.",
			[]string{"Start one:\n  popeye start \"<idea>\""},
		)

	case errors.Is(err, pipeline.ErrFinished):
		return printer.Error(
			"run has finished",
			err.Error(),
			[]string{"Reset it and start again:\n  popeye reset && popeye start \"<idea>\""},
		)
	}
	return err
}

func joinRoles(roles []skills.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ", ")
}
