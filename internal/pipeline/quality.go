package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fortisil/popeye/internal/audit"
	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/changerequest"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/internal/validation"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
)

// QAReport is the content of a qa_report artifact.
type QAReport struct {
	Passed   bool                `json:"passed"`
	Skipped  bool                `json:"skipped"`
	Results  []validation.Result `json:"results"`
	Duration time.Duration       `json:"duration"`
}

// ReviewReport is the content of a review_report artifact.
type ReviewReport struct {
	Approved bool            `json:"approved"`
	Vote     *consensus.Vote `json:"vote,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// qaValidation runs the configured validation commands. A project without
// commands passes with a skipped report.
func qaValidation(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.QAValidation)

	report := QAReport{Passed: true, Results: []validation.Result{}}
	if deps.Validator == nil || !deps.Validator.Configured() {
		report.Skipped = true
	} else {
		start := time.Now()
		report.Results = deps.Validator.Run(ctx)
		report.Duration = time.Since(start)
		report.Passed = validation.AllPassed(report.Results) && ctx.Err() == nil
	}

	var dependsOn []artifact.ArtifactRef
	for _, e := range st.LatestOfType(artifact.TypeImplementationLog) {
		dependsOn = append(dependsOn, e.Ref())
	}
	entry, err := stg.storeJSON(ctx, artifact.TypeQAReport, report,
		store.WithProducer(string(skills.RoleQA)),
		store.WithDependsOn(dependsOn...))
	if err != nil {
		return stg.fail(err, "failed to store QA report")
	}

	result, err := stg.evaluate(ctx, gate.Packet{
		Artifacts:   []artifact.ArtifactRef{entry.Ref()},
		CheckInputs: map[string]any{gate.InputValidationPassed: report.Passed},
	})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if err := stg.resolveRouted(ctx, result.Pass, entry.Ref()); err != nil {
		return stg.fail(err, "failed to resolve change requests")
	}
	if !result.Pass {
		return stg.gateFailed(result)
	}
	if report.Skipped {
		return stg.succeed("no validation commands configured")
	}
	return stg.succeed("%d validation command(s) passed", len(report.Results))
}

// review asks the reviewer role to judge the implementation as a whole.
func review(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.Review)

	sections, evidence, err := implementationSections(deps, st)
	if err != nil {
		return stg.fail(err, "failed to collect implementation")
	}
	p, err := prompt(deps, st, skills.RoleReviewer,
		"Review the implementation against the architecture and the QA results.", sections...)
	if err != nil {
		return stg.fail(err, "failed to build reviewer prompt")
	}

	report := ReviewReport{}
	text, err := backend.Text(ctx, deps.Backend, p)
	if err == nil {
		var vote consensus.Vote
		vote, err = consensus.ParseVote(text)
		if err == nil {
			vote.Reviewer = string(skills.RoleReviewer)
			report.Vote = &vote
			report.Approved = vote.Verdict == consensus.VerdictApprove && !vote.HardReject
		}
	}
	if err != nil {
		report.Error = err.Error()
	}

	entry, err := stg.storeJSON(ctx, artifact.TypeReviewReport, report,
		store.WithProducer(string(skills.RoleReviewer)),
		store.WithDependsOn(evidence...))
	if err != nil {
		return stg.fail(err, "failed to store review report")
	}

	result, err := stg.evaluate(ctx, gate.Packet{
		Artifacts:   []artifact.ArtifactRef{entry.Ref()},
		CheckInputs: map[string]any{gate.InputReviewApproved: report.Approved},
	})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if !result.Pass {
		return stg.gateFailed(result)
	}
	return stg.succeed("review approved (score %.2f)", report.Vote.Score)
}

// auditPhase asks the auditor for structured findings on the built system.
func auditPhase(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.Audit)

	snap, err := stg.captureSnapshot(ctx)
	if err != nil {
		return stg.fail(err, "failed to capture snapshot")
	}
	sections, evidence, err := implementationSections(deps, st)
	if err != nil {
		return stg.fail(err, "failed to collect implementation")
	}
	if r, ok := st.LatestArtifact(store.GroupFor(artifact.TypeReviewReport, "")); ok {
		evidence = append(evidence, r.Ref())
	}
	evidence = append(evidence, snap.entry.Ref())
	sections = append(sections, skills.Section{Title: "Repository snapshot", Body: describeSnapshot(snap.snapshot)})

	p, err := prompt(deps, st, skills.RoleAuditor,
		"Audit the built system for integration, config, test, schema, security and deployment defects.", sections...)
	if err != nil {
		return stg.fail(err, "failed to build auditor prompt")
	}
	text, err := backend.Text(ctx, deps.Backend, p)
	if err != nil {
		return stg.fail(err, "auditor call failed")
	}
	report, err := audit.ParseReport(text, evidence)
	if err != nil {
		return stg.fail(err, "auditor response could not be parsed")
	}

	entry, err := stg.storeJSON(ctx, artifact.TypeAuditReport, report,
		store.WithProducer(string(skills.RoleAuditor)),
		store.WithDependsOn(evidence...))
	if err != nil {
		return stg.fail(err, "failed to store audit report")
	}

	result, err := stg.evaluate(ctx, gate.Packet{
		Artifacts: []artifact.ArtifactRef{entry.Ref()},
		Findings:  report.Findings,
	})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if !result.Pass {
		return stg.gateFailed(result)
	}
	return stg.succeed("audit %s (risk %d, %d finding(s))", report.OverallStatus, report.SystemRiskScore, len(report.Findings))
}

// implementationSections collects the architecture, implementation logs and
// QA report for the review and audit prompts.
func implementationSections(deps *Deps, st *PipelineState) ([]skills.Section, []artifact.ArtifactRef, error) {
	var sections []skills.Section
	var evidence []artifact.ArtifactRef

	add := func(title string, e artifact.ArtifactEntry) error {
		text, err := readText(deps, e)
		if err != nil {
			return err
		}
		sections = append(sections, skills.Section{Title: title, Body: text})
		evidence = append(evidence, e.Ref())
		return nil
	}

	if arch, ok := st.LatestArtifact(store.GroupFor(artifact.TypeArchitecture, "")); ok {
		if err := add("Architecture", arch); err != nil {
			return nil, nil, err
		}
	}
	for _, e := range st.LatestOfType(artifact.TypeImplementationLog) {
		if err := add("Implementation log ("+e.ProducedBy+")", e); err != nil {
			return nil, nil, err
		}
	}
	if qa, ok := st.LatestArtifact(store.GroupFor(artifact.TypeQAReport, "")); ok {
		if err := add("QA report", qa); err != nil {
			return nil, nil, err
		}
	}
	return sections, evidence, nil
}

// productionGate folds everything the run recorded into one readiness verdict.
func productionGate(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.ProductionGate)

	var checks []audit.ReadinessCheck
	for _, p := range phase.MainLine() {
		if !p.Before(phase.ProductionGate) {
			break
		}
		checks = append(checks, gateCheck(st, p))
	}
	checks = append(checks, changeRequestChecks(st)...)
	checks = append(checks, integrityCheck(deps), constitutionCheck(deps, st))

	readiness := audit.NewReadiness(checks)
	var dependsOn []artifact.ArtifactRef
	for _, t := range []artifact.Type{artifact.TypeQAReport, artifact.TypeReviewReport, artifact.TypeAuditReport} {
		if e, ok := st.LatestArtifact(store.GroupFor(t, "")); ok {
			dependsOn = append(dependsOn, e.Ref())
		}
	}
	entry, err := stg.storeJSON(ctx, artifact.TypeProductionReadiness, readiness, store.WithDependsOn(dependsOn...))
	if err != nil {
		return stg.fail(err, "failed to store production readiness")
	}

	result, err := stg.evaluate(ctx, gate.Packet{
		Artifacts:   []artifact.ArtifactRef{entry.Ref()},
		CheckInputs: map[string]any{gate.InputReadinessVerdict: readiness.FinalVerdict},
	})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if !result.Pass {
		return stg.fail(fmt.Errorf("readiness %s: failed checks %s", readiness.FinalVerdict,
			strings.Join(readiness.FailedChecks(), ", ")), "production gate failed")
	}
	return stg.succeed("production ready (%d checks passed, %d skipped)", readiness.Passed, readiness.Skipped)
}

func gateCheck(st *PipelineState, p phase.Phase) audit.ReadinessCheck {
	c := audit.ReadinessCheck{Name: "gate_" + strings.ReplaceAll(p.Slug(), "-", "_")}
	r, ok := st.GateResults[p]
	switch {
	case !ok:
		c.Status = audit.CheckFail
		c.Detail = "gate never evaluated"
	case !r.Pass:
		c.Status = audit.CheckFail
		c.Detail = r.Reason
	default:
		c.Status = audit.CheckPass
		c.Detail = fmt.Sprintf("score %.2f", r.Score)
	}
	return c
}

// changeRequestChecks reports one check per change request. Rejected requests
// were decided and are skipped.
func changeRequestChecks(st *PipelineState) []audit.ReadinessCheck {
	if len(st.ChangeRequests) == 0 {
		return []audit.ReadinessCheck{{Name: "change_requests", Status: audit.CheckNA, Detail: "none raised"}}
	}
	var out []audit.ReadinessCheck
	for _, cr := range st.ChangeRequests {
		c := audit.ReadinessCheck{Name: "change_request_" + cr.CRID}
		switch cr.Status {
		case changerequest.StatusApproved:
			c.Status = audit.CheckPass
			c.Detail = fmt.Sprintf("%s approved by %s", cr.ChangeType, changerequest.Route(cr.ChangeType))
		case changerequest.StatusRejected:
			c.Status = audit.CheckSkip
			c.Detail = fmt.Sprintf("%s rejected by %s", cr.ChangeType, changerequest.Route(cr.ChangeType))
		default:
			c.Status = audit.CheckFail
			c.Detail = fmt.Sprintf("%s still awaiting %s", cr.ChangeType, changerequest.Route(cr.ChangeType))
		}
		out = append(out, c)
	}
	return out
}

func integrityCheck(deps *Deps) audit.ReadinessCheck {
	c := audit.ReadinessCheck{Name: "artifact_integrity", Status: audit.CheckPass}
	if problems := deps.Store.Verify(); len(problems) > 0 {
		c.Status = audit.CheckFail
		c.Detail = fmt.Sprintf("%d artifact(s) failed verification: %v", len(problems), problems[0])
		return c
	}
	c.Detail = fmt.Sprintf("%d artifact(s) verified", len(deps.Store.Entries()))
	return c
}

func constitutionCheck(deps *Deps, st *PipelineState) audit.ReadinessCheck {
	c := audit.ReadinessCheck{Name: "constitution_unchanged"}
	if st.ConstitutionHash == "" {
		c.Status = audit.CheckNA
		c.Detail = "project has no constitution"
		return c
	}
	actual, err := deps.constitutionHash()
	switch {
	case err != nil:
		c.Status = audit.CheckFail
		c.Detail = err.Error()
	case actual != st.ConstitutionHash:
		c.Status = audit.CheckFail
		c.Detail = "constitution changed during the run"
	default:
		c.Status = audit.CheckPass
	}
	return c
}
