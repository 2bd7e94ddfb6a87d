package commands

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/git"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/spf13/cobra"
)

var validateSkipTools bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the project configuration and artifact store",
	Long: `Check that the project is ready to run:

  • popeye.yml parses and passes validation
  • every backend executable is on PATH
  • role prompt overrides in .popeye/skills load
  • the consensus panel can be assembled
  • the event bus answers when events are enabled
  • every stored artifact still matches its recorded hash`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateSkipTools, "skip-tools", false, "Do not look up backend executables on PATH")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return err
	}
	defer a.Close()
	printer.Success("popeye.yml is valid\n")

	var problems []string

	if !validateSkipTools {
		names := make([]string, 0, len(a.cfg.Backends))
		for name := range a.cfg.Backends {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			bin := a.cfg.Backends[name].Command[0]
			if _, err := exec.LookPath(bin); err != nil {
				problems = append(problems, fmt.Sprintf("backend %s: executable %q not found on PATH", name, bin))
			}
		}
	}

	registry, err := skills.NewRegistry(filepath.Join(a.layout.Dir(), skillsDir))
	if err != nil {
		problems = append(problems, fmt.Sprintf("skills: %v", err))
	} else if runner, err := a.consensusRunner(registry); err != nil {
		problems = append(problems, fmt.Sprintf("consensus: %v", err))
	} else if runner != nil {
		printer.Success("Consensus panel: %d reviewers\n", len(runner.Reviewers()))
	}

	if a.cfg.Events.Enabled {
		if err := a.pingEvents(cmd.Context()); err != nil {
			problems = append(problems, fmt.Sprintf("events: %s unreachable: %v", a.cfg.Events.RedisAddr, err))
		} else {
			printer.Success("Event bus reachable at %s\n", a.cfg.Events.RedisAddr)
		}
	}

	s, err := a.openStore(events.Nop{})
	if err != nil {
		problems = append(problems, fmt.Sprintf("store: %v", err))
	} else {
		bad := s.Verify()
		for _, err := range bad {
			problems = append(problems, fmt.Sprintf("store: %v", err))
		}
		if len(bad) == 0 {
			printer.Success("%d artifacts verified\n", len(s.Entries()))
		}
	}

	reportGit(a.root)

	if len(problems) > 0 {
		details := make(map[string]string, len(problems))
		for i, p := range problems {
			details[fmt.Sprintf("%02d", i+1)] = p
		}
		return printer.ErrorWithContext(
			"validation failed",
			fmt.Sprintf("%d problem(s) found.", len(problems)),
			details,
			nil,
		)
	}

	printer.Success("Project is ready\n")
	return nil
}

// reportGit describes the repository the project lives in. Git is optional,
// so nothing here fails validation.
func reportGit(root string) {
	checker := git.NewChecker(root)
	if isRepo, err := checker.IsGitRepository(); err != nil || !isRepo {
		printer.Warning("Not a Git repository; snapshots will not record a commit\n")
		return
	}

	repoRoot, err := checker.Root()
	if err != nil {
		printer.Warning("Git: %v\n", err)
		return
	}
	head, err := checker.Head()
	if err != nil {
		printer.Warning("Git: %v\n", err)
		return
	}
	if head == "" {
		head = "no commits"
	} else if len(head) > 12 {
		head = head[:12]
	}
	printer.Success("Git repository at %s (HEAD %s)\n", repoRoot, head)

	modified, untracked, err := checker.Changes()
	if err == nil && len(modified)+len(untracked) > 0 {
		printer.Warning("%d modified and %d untracked files are part of the next snapshot\n", len(modified), len(untracked))
	}
}

// pingEvents checks the event bus without keeping the connection.
func (a *app) pingEvents(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := a.eventsClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx)
}
