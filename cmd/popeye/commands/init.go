package commands

import (
	"fmt"
	"path/filepath"

	"github.com/fortisil/popeye/internal/git"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/fortisil/popeye/internal/scaffold"
	"github.com/spf13/cobra"
)

var (
	forceInit    bool
	initLanguage string
	initProject  string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Popeye project",
	Long: `Initialize a new Popeye project with a default configuration.

Creates:
  • popeye.yml - Backends, consensus panel, validation commands
  • CONSTITUTION.md - Project rules pinned at the start of every run
  • .gitignore entry for the .popeye/ work directory

Use --force to reinitialize an existing project (WARNING: overwrites popeye.yml and CONSTITUTION.md).`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	// Note: Cannot use -f shorthand because it conflicts with global --config flag
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing popeye.yml and CONSTITUTION.md")
	initCmd.Flags().StringVarP(&initLanguage, "language", "l", "go", "Project language (selects default validation commands)")
	initCmd.Flags().StringVar(&initProject, "project", "", "Project name (default: directory name)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("failed to resolve project directory: %w", err)
	}

	// Drift detection reads the git HEAD; a project outside git still works.
	if isRepo, err := git.NewChecker(root).IsGitRepository(); err == nil && !isRepo {
		printer.Warning("%s is not a Git repository; snapshots will not record a commit\n", root)
	}

	if !forceInit {
		if err := scaffold.CheckExisting(root); err != nil {
			return printer.Error(
				"project already initialized",
				err.Error(),
				[]string{"Reinitialize (overwrites configuration):\n  popeye init --force"},
			)
		}
	}

	created, err := scaffold.Initialize(root, scaffold.Options{
		Project:  initProject,
		Language: initLanguage,
		Force:    forceInit,
	})
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	printer.Success("Initialized Popeye project in %s\n\n", root)
	for _, f := range created {
		printer.Info("  • %s\n", f)
	}
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Review the backends and reviewers in popeye.yml\n")
	printer.Info("  2. Check the configuration: popeye validate\n")
	printer.Info("  3. Start a run: popeye start \"a todo list API\"\n")
	return nil
}
