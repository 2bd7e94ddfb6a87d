package catalog

import (
	"fmt"
	"io"
	"time"

	"github.com/fortisil/popeye/internal/changerequest"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
)

// PhaseSummary is what one phase left behind in a run.
type PhaseSummary struct {
	Phase     phase.Phase      `json:"phase"`
	Visits    int              `json:"visits"`
	Artifacts int              `json:"artifacts"`
	Gate      *gate.GateResult `json:"gate,omitempty"`
}

// RunSummary reconstructs a run from its saved state alone.
type RunSummary struct {
	RunID                 string                       `json:"run_id"`
	Idea                  string                       `json:"idea"`
	Status                pipeline.Status              `json:"status"`
	CurrentPhase          phase.Phase                  `json:"current_phase"`
	FailedPhase           phase.Phase                  `json:"failed_phase,omitempty"`
	RecoveryCount         int                          `json:"recovery_count"`
	MaxRecoveryIterations int                          `json:"max_recovery_iterations"`
	Duration              time.Duration                `json:"duration"`
	Phases                []PhaseSummary               `json:"phases"`
	ChangeRequests        map[changerequest.Status]int `json:"change_requests"`
	// Outcome is the stuck report of a stuck run, otherwise the latest
	// production readiness report.
	Outcome *artifact.ArtifactRef `json:"outcome,omitempty"`
}

// Summarize builds the summary of st. Phases appear in pipeline order and
// only when they were entered or produced artifacts.
func Summarize(st *pipeline.PipelineState) RunSummary {
	visits := map[phase.Phase]int{phase.Intake: 1}
	for _, tr := range st.History {
		visits[tr.To]++
	}
	produced := make(map[phase.Phase]int)
	for _, e := range st.Artifacts {
		produced[e.Phase]++
	}

	s := RunSummary{
		RunID:                 st.RunID,
		Idea:                  st.Idea,
		Status:                st.Status,
		CurrentPhase:          st.CurrentPhase,
		FailedPhase:           st.FailedPhase,
		RecoveryCount:         st.RecoveryCount,
		MaxRecoveryIterations: st.MaxRecoveryIterations,
		Duration:              st.UpdatedAt.Sub(st.StartedAt),
		Phases:                []PhaseSummary{},
		ChangeRequests:        make(map[changerequest.Status]int),
	}
	if s.Duration < 0 {
		s.Duration = 0
	}

	for _, p := range phase.All() {
		if visits[p] == 0 && produced[p] == 0 {
			continue
		}
		ps := PhaseSummary{Phase: p, Visits: visits[p], Artifacts: produced[p]}
		if r, ok := st.GateResults[p]; ok {
			ps.Gate = &r
		}
		s.Phases = append(s.Phases, ps)
	}

	for _, cr := range st.ChangeRequests {
		s.ChangeRequests[cr.Status]++
	}

	outcome := artifact.TypeProductionReadiness
	if st.Status == pipeline.StatusStuck {
		outcome = artifact.TypeStuckReport
	}
	if latest := st.LatestOfType(outcome); len(latest) > 0 {
		ref := latest[len(latest)-1].Ref()
		s.Outcome = &ref
	}
	return s
}

// FormatSummary writes s as a phase table followed by the run totals.
func FormatSummary(w io.Writer, s RunSummary) {
	fmt.Fprintf(w, "Run %s: %s\n", s.RunID, s.Idea)
	fmt.Fprintf(w, "Status %s at %s after %s\n\n", s.Status, s.CurrentPhase, s.Duration.Round(time.Second))

	fmt.Fprintf(w, "%-24s %-7s %-10s %-6s %s\n", "PHASE", "VISITS", "ARTIFACTS", "GATE", "SCORE")
	fmt.Fprintf(w, "%-24s %-7s %-10s %-6s %s\n", "------------------------", "-------", "----------", "------", "-----")
	for _, p := range s.Phases {
		outcome, score := "-", "-"
		if p.Gate != nil {
			outcome = "pass"
			if !p.Gate.Pass {
				outcome = "fail"
			}
			score = fmt.Sprintf("%.2f", p.Gate.Score)
		}
		fmt.Fprintf(w, "%-24s %-7d %-10d %-6s %s\n", p.Phase, p.Visits, p.Artifacts, outcome, score)
	}

	fmt.Fprintf(w, "\nRecoveries: %d/%d", s.RecoveryCount, s.MaxRecoveryIterations)
	if s.FailedPhase != "" {
		fmt.Fprintf(w, " (last failure in %s)", s.FailedPhase)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Change requests: %d approved, %d rejected, %d pending\n",
		s.ChangeRequests[changerequest.StatusApproved],
		s.ChangeRequests[changerequest.StatusRejected],
		s.ChangeRequests[changerequest.StatusProposed])
	if s.Outcome != nil {
		fmt.Fprintf(w, "Outcome: %s %s\n", s.Outcome.Type, s.Outcome.ShortID())
	}
}
