package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fortisil/popeye/internal/audit"
	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"go.uber.org/zap"
)

// StuckReport is the content of the stuck_report artifact.
type StuckReport struct {
	RunID                 string                 `json:"run_id"`
	FailedPhase           phase.Phase            `json:"failed_phase"`
	RecoveryCount         int                    `json:"recovery_count"`
	MaxRecoveryIterations int                    `json:"max_recovery_iterations"`
	LastError             string                 `json:"last_error,omitempty"`
	LastRCA               *artifact.ArtifactRef  `json:"last_rca,omitempty"`
	Blockers              []string               `json:"blockers"`
	AffectedArtifacts     []artifact.ArtifactRef `json:"affected_artifacts"`
	RequiredActions       []string               `json:"required_actions"`
	Timestamp             time.Time              `json:"timestamp"`
}

// recoveryLoop performs root-cause analysis of the failed phase and leaves an
// rca_report for the re-entered phase to consume. When the debugger backend
// is unavailable the report is built from the recorded failure alone.
func recoveryLoop(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.RecoveryLoop)
	failed := st.FailedPhase
	if failed == "" {
		return stg.fail(fmt.Errorf("recovery entered without a failed phase"), "nothing to recover")
	}

	facts := failureFacts(deps, st)
	report := "# Root cause analysis\n\n" + facts

	p, err := prompt(deps, st, skills.RoleDebugger,
		fmt.Sprintf("Find the root cause of the %s failure and state the concrete fix.", failed),
		skills.Section{Title: "Failure record", Body: facts})
	if err == nil {
		var analysis string
		analysis, err = backend.Text(ctx, deps.Backend, p)
		if err == nil {
			report += "\n## Analysis\n\n" + strings.TrimSpace(analysis) + "\n"
		}
	}
	if err != nil {
		logging.Warn(deps.Logger, "rca_analysis_unavailable",
			zap.String("run_id", st.RunID),
			zap.String("failed_phase", string(failed)),
			zap.Error(err),
		)
		report += fmt.Sprintf("\n## Analysis\n\nAutomated analysis unavailable: %v\n", err)
	}

	var dependsOn []artifact.ArtifactRef
	if gf, ok := st.LatestArtifact(store.GroupFor(artifact.TypeGateFailure, failed.Slug())); ok {
		dependsOn = append(dependsOn, gf.Ref())
	}
	entry, err := stg.storeText(ctx, artifact.TypeRCAReport, report,
		store.WithProducer(string(skills.RoleDebugger)),
		store.WithDependsOn(dependsOn...))
	if err != nil {
		return stg.fail(err, "failed to store RCA report")
	}

	target := st.RecoveryTarget
	if target == "" {
		target = failed
	}
	return stg.succeed("RCA %s recorded, re-entering %s", entry.Ref(), target)
}

// failureFacts renders what the state recorded about the failure.
func failureFacts(deps *Deps, st *PipelineState) string {
	failed := st.FailedPhase
	var b strings.Builder
	fmt.Fprintf(&b, "Failed phase: %s\n", failed)
	fmt.Fprintf(&b, "Recovery iteration: %d of %d\n", st.RecoveryCount, st.MaxRecoveryIterations)
	if st.LastError != "" {
		fmt.Fprintf(&b, "Error: %s\n", st.LastError)
	}

	if r, ok := st.GateResults[failed]; ok {
		writeList(&b, "Blockers", r.Blockers)
		writeList(&b, "Failed checks", r.FailedChecks)
		missing := make([]string, len(r.MissingArtifacts))
		for i, t := range r.MissingArtifacts {
			missing[i] = string(t)
		}
		writeList(&b, "Missing artifacts", missing)
	}

	if failed.IsConsensus() {
		if e, ok := st.LatestArtifact(consensusGroup(failed)); ok {
			var pkt consensus.Packet
			if err := deps.Store.ReadJSON(e.Ref(), &pkt); err == nil {
				writeList(&b, "Reviewer concerns", pkt.Concerns())
			}
		}
	}
	if failed == phase.Audit {
		if e, ok := st.LatestArtifact(store.GroupFor(artifact.TypeAuditReport, "")); ok {
			var report audit.AuditReport
			if err := deps.Store.ReadJSON(e.Ref(), &report); err == nil {
				var lines []string
				for _, f := range report.Blocking() {
					lines = append(lines, fmt.Sprintf("%s %s [%s] %s (owner %s)", f.ID, f.Severity, f.Category, f.Title, f.SuggestedOwner))
				}
				writeList(&b, "Blocking findings", lines)
			}
		}
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// stuck writes the stuck report. It always succeeds unless the store fails.
func stuck(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.Stuck)

	report := StuckReport{
		RunID:                 st.RunID,
		FailedPhase:           st.FailedPhase,
		RecoveryCount:         st.RecoveryCount,
		MaxRecoveryIterations: st.MaxRecoveryIterations,
		LastError:             st.LastError,
		Blockers:              []string{},
		AffectedArtifacts:     affectedArtifacts(deps, st),
		Timestamp:             deps.now(),
	}
	if r, ok := st.GateResults[st.FailedPhase]; ok {
		report.Blockers = append(report.Blockers, r.Blockers...)
	}

	rca, hasRCA := st.LatestArtifact(store.GroupFor(artifact.TypeRCAReport, ""))
	if hasRCA {
		ref := rca.Ref()
		report.LastRCA = &ref
	}
	report.RequiredActions = requiredActions(report, rca, hasRCA)

	entry, err := stg.storeJSON(ctx, artifact.TypeStuckReport, report)
	if err != nil {
		return stg.fail(err, "failed to store stuck report")
	}
	if hasRCA {
		if err := deps.Store.AddEdge(entry.Ref(), rca.Ref(), artifact.References); err != nil {
			return stg.fail(err, "failed to link stuck report to RCA")
		}
	}
	return stg.succeed("stuck in %s after %d recovery iteration(s)", st.FailedPhase, st.RecoveryCount)
}

// affectedArtifacts is everything the failed phase produced plus everything
// that depends on it.
func affectedArtifacts(deps *Deps, st *PipelineState) []artifact.ArtifactRef {
	seen := make(map[string]bool)
	var out []artifact.ArtifactRef
	add := func(ref artifact.ArtifactRef) {
		if !seen[ref.ArtifactID] {
			seen[ref.ArtifactID] = true
			out = append(out, ref)
		}
	}

	latest := make(map[string]artifact.ArtifactEntry)
	for _, e := range st.Artifacts {
		if e.Phase != st.FailedPhase {
			continue
		}
		if cur, ok := latest[e.GroupID]; !ok || e.Version > cur.Version {
			latest[e.GroupID] = e
		}
	}
	groups := make([]string, 0, len(latest))
	for g := range latest {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	for _, g := range groups {
		e := latest[g]
		add(e.Ref())
		for _, dep := range deps.Store.Dependents(e.ArtifactID) {
			add(dep)
		}
	}
	if out == nil {
		out = []artifact.ArtifactRef{}
	}
	return out
}

func requiredActions(r StuckReport, rca artifact.ArtifactEntry, hasRCA bool) []string {
	var actions []string
	if hasRCA {
		actions = append(actions, fmt.Sprintf("Read the root-cause analysis at %s", rca.Path))
	}
	if len(r.Blockers) > 0 {
		actions = append(actions, fmt.Sprintf("Resolve the %d blocker(s) recorded for %s", len(r.Blockers), r.FailedPhase))
	}
	if r.FailedPhase.IsConsensus() {
		actions = append(actions, "Revise the artifact under review by hand or adjust the reviewer configuration")
	}
	actions = append(actions,
		"Reset the run once the project is fixed and start it again with session guidance describing the fix")
	return actions
}
