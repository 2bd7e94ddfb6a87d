package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/fortisil/popeye/internal/catalog"
	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/filter"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/fortisil/popeye/internal/resolver"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/internal/timespec"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/spf13/cobra"
)

var (
	artifactsOutputFormat string
	artifactsSince        string
	artifactsUntil        string
	artifactsType         string
	artifactsPhase        string
	artifactsProducer     string
	artifactsLatest       bool

	artifactContent bool
)

var artifactsCmd = &cobra.Command{
	Use:     "artifacts",
	Aliases: []string{"artifact"},
	Short:   "Inspect stored artifacts",
	Long: `Inspect the immutable artifacts produced by pipeline runs.

Artifacts live under .popeye/artifacts and are addressed by UUID. Short IDs
(at least 6 characters) are accepted wherever an ID is expected.`,
}

var artifactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List artifacts with filtering",
	Long: `List artifacts matching the filters as a table or JSONL stream.

Output Formats:
  default - Human-readable table with ID, version, type, phase, producer and summary
  jsonl   - Line-delimited JSON, one index entry per line

Time Filters:
  --since  - Show artifacts created after this time
  --until  - Show artifacts created before this time

Content Filters:
  --type   - Filter by artifact type (glob pattern: "*_report", "role_plan")
  --phase  - Filter by producing phase (exact match: ARCHITECTURE)
  --by     - Filter by producing role (exact match: backend, qa)
  --latest - Only the newest version of each artifact

Examples:
  # Everything from the last hour
  popeye artifacts list --since=1h

  # Current role plans
  popeye artifacts list --type=role_plan --latest

  # Pipe to jq
  popeye artifacts list --output=jsonl | jq -r 'select(.type=="gate_failure") | .artifact_id'`,
	Args: cobra.NoArgs,
	RunE: runArtifactsList,
}

var artifactsGetCmd = &cobra.Command{
	Use:   "get <ARTIFACT_ID>",
	Short: "Show one artifact",
	Long: `Show the index entry of one artifact with its dependencies and
dependents as pretty-printed JSON. With --content the verified artifact
content is printed instead.

Examples:
  popeye artifacts get 3f2a9c
  popeye artifacts get 3f2a9c --content`,
	Args: cobra.ExactArgs(1),
	RunE: runArtifactsGet,
}

func init() {
	f := artifactsListCmd.Flags()
	f.StringVarP(&artifactsOutputFormat, "output", "o", "default", "Output format: default or jsonl")
	f.StringVar(&artifactsSince, "since", "", "Show artifacts after time (duration or RFC3339)")
	f.StringVar(&artifactsUntil, "until", "", "Show artifacts before time (duration or RFC3339)")
	f.StringVar(&artifactsType, "type", "", "Filter by artifact type (glob pattern)")
	f.StringVar(&artifactsPhase, "phase", "", "Filter by producing phase")
	f.StringVar(&artifactsProducer, "by", "", "Filter by producing role (exact match)")
	f.BoolVar(&artifactsLatest, "latest", false, "Only the newest version of each artifact")

	artifactsGetCmd.Flags().BoolVar(&artifactContent, "content", false, "Print the artifact content")

	artifactsCmd.AddCommand(artifactsListCmd)
	artifactsCmd.AddCommand(artifactsGetCmd)
	rootCmd.AddCommand(artifactsCmd)
}

// openReadStore opens the artifact store without an event bus.
func openReadStore() (*app, *store.Store, error) {
	a, err := loadApp(projectDir, configFile)
	if err != nil {
		return nil, nil, err
	}
	s, err := a.openStore(events.Nop{})
	if err != nil {
		a.Close()
		return nil, nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return a, s, nil
}

func runArtifactsList(cmd *cobra.Command, args []string) error {
	format := catalog.OutputFormat(artifactsOutputFormat)
	if err := format.Validate(); err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", artifactsOutputFormat),
			[]string{"Valid formats: default, jsonl"},
		)
	}

	since, until, err := timespec.ParseRange(artifactsSince, artifactsUntil, time.Now())
	if err != nil {
		return printer.Error(
			"invalid time filter",
			err.Error(),
			[]string{"Use a duration (30m, 2h) or an RFC3339 time (2026-01-02T15:04:05Z)"},
		)
	}

	criteria := &filter.Criteria{
		Since:    since,
		Until:    until,
		TypeGlob: artifactsType,
		Producer: artifactsProducer,
		Phase:    phase.Phase(artifactsPhase),
		Latest:   artifactsLatest,
	}
	if criteria.Phase != "" {
		if err := criteria.Phase.Validate(); err != nil {
			return printer.Error("invalid phase filter", err.Error(), nil)
		}
	}

	a, s, err := openReadStore()
	if err != nil {
		return err
	}
	defer a.Close()

	return catalog.NewLister(s, a.logger).List(format, criteria, cmd.OutOrStdout())
}

func runArtifactsGet(cmd *cobra.Command, args []string) error {
	a, s, err := openReadStore()
	if err != nil {
		return err
	}
	defer a.Close()

	id := args[0]
	err = catalog.GetArtifact(s, id, artifactContent, cmd.OutOrStdout())
	var ambiguous *resolver.AmbiguousError
	switch {
	case err == nil:
		return nil
	case resolver.IsNotFoundError(err):
		return printer.Error(
			fmt.Sprintf("artifact with ID '%s' not found", id),
			"The specified artifact does not exist in the store.",
			[]string{"List all artifacts:\n  popeye artifacts list"},
		)
	case errors.As(err, &ambiguous):
		return printer.Error(
			fmt.Sprintf("ambiguous artifact ID '%s'", id),
			resolver.FormatAmbiguousError(ambiguous),
			nil,
		)
	case errors.Is(err, store.ErrHashMismatch):
		return printer.ErrorWithContext(
			"artifact content is corrupted",
			err.Error(),
			map[string]string{"ID": id},
			[]string{"Check the whole store:\n  popeye validate"},
		)
	}
	return err
}
