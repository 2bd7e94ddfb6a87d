package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// reusable returns an entry of group that can stand in for a fresh one: an
// orphan left by a crashed attempt or the committed latest version, as long
// as it was derived from every upstream entry.
func reusable(st *PipelineState, deps *Deps, group string, upstream ...artifact.ArtifactEntry) (artifact.ArtifactEntry, bool) {
	if e, ok := orphan(st, deps, group); ok && derivedFrom(deps, e, upstream) {
		return e, true
	}
	if e, ok := st.LatestArtifact(group); ok && derivedFrom(deps, e, upstream) {
		return e, true
	}
	return artifact.ArtifactEntry{}, false
}

func derivedFrom(deps *Deps, e artifact.ArtifactEntry, upstream []artifact.ArtifactEntry) bool {
	have := make(map[string]bool)
	for _, ref := range deps.Store.Dependencies(e.ArtifactID) {
		have[ref.ArtifactID] = true
	}
	for _, u := range upstream {
		if !have[u.ArtifactID] {
			return false
		}
	}
	return true
}

func requireLatest(st *PipelineState, t artifact.Type) (artifact.ArtifactEntry, error) {
	e, ok := st.LatestArtifact(store.GroupFor(t, ""))
	if !ok {
		return e, fmt.Errorf("no %s artifact recorded", t)
	}
	return e, nil
}

// intake expands the idea and drafts the master plan. Re-running it reuses
// what an earlier attempt already stored.
func intake(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.Intake)

	hash, err := deps.constitutionHash()
	if err != nil {
		return stg.fail(err, "failed to read constitution")
	}
	if st.ConstitutionHash == "" && hash != "" {
		stg.set(func(s *PipelineState) { s.ConstitutionHash = hash })
	}

	baseline, err := stg.captureSnapshot(ctx)
	if err != nil {
		return stg.fail(err, "failed to capture baseline snapshot")
	}

	expanded, ok := reusable(st, deps, store.GroupFor(artifact.TypeExpandedIdea, ""))
	if ok {
		stg.add(expanded)
	} else {
		text, err := deps.Expander.ExpandIdea(ctx, st.Idea, st.Language)
		if err != nil {
			return stg.fail(err, "failed to expand idea")
		}
		expanded, err = stg.storeText(ctx, artifact.TypeExpandedIdea, text,
			store.WithProducer(string(skills.RolePlanner)))
		if err != nil {
			return stg.fail(err, "failed to store expanded idea")
		}
	}

	plan, ok := reusable(st, deps, store.GroupFor(artifact.TypeMasterPlan, ""), expanded)
	if ok {
		stg.add(plan)
	} else {
		brief, err := readText(deps, expanded)
		if err != nil {
			return stg.fail(err, "failed to read expanded idea")
		}
		planContext := "Current repository:\n" + describeSnapshot(baseline.snapshot)
		if rc := recoveryContext(deps, st); rc != "" {
			planContext += "\n" + rc
		}
		text, err := deps.Expander.CreatePlan(ctx, brief, planContext, st.Language)
		if err != nil {
			return stg.fail(err, "failed to create master plan")
		}
		plan, err = stg.storeText(ctx, artifact.TypeMasterPlan, text,
			store.WithProducer(string(skills.RolePlanner)),
			store.WithDependsOn(expanded.Ref()))
		if err != nil {
			return stg.fail(err, "failed to store master plan")
		}
	}

	result, err := stg.evaluate(ctx, gate.Packet{Artifacts: []artifact.ArtifactRef{expanded.Ref(), plan.Ref()}})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if !result.Pass {
		return stg.gateFailed(result)
	}
	return stg.succeed("master plan %s ready", plan.Ref())
}

// architecture derives the architecture document from the approved master plan.
func architecture(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.Architecture)

	plan, err := requireLatest(st, artifact.TypeMasterPlan)
	if err != nil {
		return stg.fail(err, "architecture needs a master plan")
	}

	group := store.GroupFor(artifact.TypeArchitecture, "")
	arch, ok := reusable(st, deps, group, plan)
	if ok {
		stg.add(arch)
	} else {
		planText, err := readText(deps, plan)
		if err != nil {
			return stg.fail(err, "failed to read master plan")
		}
		sections := []skills.Section{{Title: "Master plan", Body: planText}}
		if rc := recoveryContext(deps, st); rc != "" {
			sections = append(sections, skills.Section{Title: "Recovery context", Body: rc})
		}
		p, err := prompt(deps, st, skills.RoleArchitect,
			"Design the system architecture that implements the master plan.", sections...)
		if err != nil {
			return stg.fail(err, "failed to build architect prompt")
		}
		text, err := backend.Text(ctx, deps.Backend, p)
		if err != nil {
			return stg.fail(err, "architect call failed")
		}
		arch, err = stg.storeText(ctx, artifact.TypeArchitecture, text,
			store.WithProducer(string(skills.RoleArchitect)),
			store.WithDependsOn(plan.Ref()))
		if err != nil {
			return stg.fail(err, "failed to store architecture")
		}
	}

	result, err := stg.evaluate(ctx, gate.Packet{Artifacts: []artifact.ArtifactRef{arch.Ref()}})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if !result.Pass {
		return stg.gateFailed(result)
	}
	return stg.succeed("architecture %s ready", arch.Ref())
}

// roleOutcome is the result of one fan-out call.
type roleOutcome struct {
	entry  artifact.ArtifactEntry
	ok     bool
	err    error // persistence failure, fatal to the phase
	reason string
}

// rolePlanning asks every active role for its plan concurrently. A role whose
// call fails is reported missing; the others are kept.
func rolePlanning(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.RolePlanning)

	arch, err := requireLatest(st, artifact.TypeArchitecture)
	if err != nil {
		return stg.fail(err, "role planning needs an architecture")
	}
	archText, err := readText(deps, arch)
	if err != nil {
		return stg.fail(err, "failed to read architecture")
	}
	rc := recoveryContext(deps, st)

	roles := st.ActiveRoles
	outcomes := make([]roleOutcome, len(roles))
	g, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		g.Go(func() error {
			group := store.GroupFor(artifact.TypeRolePlan, string(role))
			if e, ok := reusable(st, deps, group, arch); ok {
				outcomes[i] = roleOutcome{entry: e, ok: true}
				return nil
			}
			outcomes[i] = planRole(gctx, st, deps, role, arch, archText, rc)
			return nil
		})
	}
	_ = g.Wait() // failures are recorded per role

	var refs []artifact.ArtifactRef
	var missing []string
	for i, o := range outcomes {
		if o.err != nil {
			return stg.fail(o.err, "failed to store role plan for %s", roles[i])
		}
		if !o.ok {
			missing = append(missing, string(roles[i]))
			logging.Warn(deps.Logger, "role_plan_missing",
				zap.String("run_id", st.RunID),
				zap.String("role", string(roles[i])),
				zap.String("reason", o.reason),
			)
			continue
		}
		stg.add(o.entry)
		refs = append(refs, o.entry.Ref())
	}

	result, err := stg.evaluate(ctx, gate.Packet{
		Artifacts:   refs,
		CheckInputs: map[string]any{gate.InputMissingRolePlans: missing},
	})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if !result.Pass {
		return stg.gateFailed(result)
	}
	return stg.succeed("%d role plan(s) ready", len(refs))
}

func planRole(ctx context.Context, st *PipelineState, deps *Deps, role skills.Role, arch artifact.ArtifactEntry, archText, rc string) roleOutcome {
	sections := []skills.Section{{Title: "Architecture", Body: archText}}
	if rc != "" {
		sections = append(sections, skills.Section{Title: "Recovery context", Body: rc})
	}
	p, err := prompt(deps, st, role,
		fmt.Sprintf("Write the %s plan for this architecture: the tasks you will perform, in order.", role), sections...)
	if err != nil {
		return roleOutcome{reason: err.Error()}
	}
	text, err := backend.Text(ctx, deps.Backend, p)
	if err != nil {
		return roleOutcome{reason: err.Error()}
	}
	e, err := deps.Store.CreateAndStoreText(ctx, artifact.TypeRolePlan, text, phase.RolePlanning,
		store.WithQualifier(string(role)),
		store.WithProducer(string(role)),
		store.WithDependsOn(arch.Ref()))
	if err != nil {
		return roleOutcome{err: err}
	}
	return roleOutcome{entry: e, ok: true}
}

// implementation runs every active role against its approved plan
// concurrently. Each role leaves an implementation log.
func implementation(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	stg := newStage(st, deps, phase.Implementation)

	arch, err := requireLatest(st, artifact.TypeArchitecture)
	if err != nil {
		return stg.fail(err, "implementation needs an architecture")
	}
	archText, err := readText(deps, arch)
	if err != nil {
		return stg.fail(err, "failed to read architecture")
	}
	rc := recoveryContext(deps, st)

	roles := st.ActiveRoles
	outcomes := make([]roleOutcome, len(roles))
	g, gctx := errgroup.WithContext(ctx)
	for i, role := range roles {
		g.Go(func() error {
			plan, ok := st.LatestArtifact(store.GroupFor(artifact.TypeRolePlan, string(role)))
			if !ok {
				outcomes[i] = roleOutcome{reason: "no approved role plan"}
				return nil
			}
			if e, ok := orphan(st, deps, store.GroupFor(artifact.TypeImplementationLog, string(role))); ok && derivedFrom(deps, e, []artifact.ArtifactEntry{plan}) {
				outcomes[i] = roleOutcome{entry: e, ok: true}
				return nil
			}
			outcomes[i] = implementRole(gctx, st, deps, role, plan, archText, rc)
			return nil
		})
	}
	_ = g.Wait()

	var refs []artifact.ArtifactRef
	var failed []string
	for i, o := range outcomes {
		if o.err != nil {
			return stg.fail(o.err, "failed to store implementation log for %s", roles[i])
		}
		if !o.ok {
			failed = append(failed, string(roles[i]))
			logging.Warn(deps.Logger, "role_implementation_failed",
				zap.String("run_id", st.RunID),
				zap.String("role", string(roles[i])),
				zap.String("reason", o.reason),
			)
			continue
		}
		stg.add(o.entry)
		refs = append(refs, o.entry.Ref())
	}

	result, err := stg.evaluate(ctx, gate.Packet{
		Artifacts:   refs,
		CheckInputs: map[string]any{gate.InputFailedRoles: failed},
	})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if !result.Pass {
		return stg.gateFailed(result)
	}
	return stg.succeed("%d role(s) implemented", len(refs))
}

func implementRole(ctx context.Context, st *PipelineState, deps *Deps, role skills.Role, plan artifact.ArtifactEntry, archText, rc string) roleOutcome {
	planText, err := readText(deps, plan)
	if err != nil {
		return roleOutcome{err: err}
	}
	sections := []skills.Section{
		{Title: "Architecture", Body: archText},
		{Title: "Your approved plan", Body: planText},
	}
	if rc != "" {
		sections = append(sections, skills.Section{Title: "Recovery context", Body: rc})
	}
	p, err := prompt(deps, st, role,
		fmt.Sprintf("Implement the %s plan in the project working tree. Report what you changed.", role), sections...)
	if err != nil {
		return roleOutcome{reason: err.Error()}
	}

	resp, err := deps.Backend.ExecutePrompt(ctx, p)
	switch {
	case err != nil:
		return roleOutcome{reason: err.Error()}
	case !resp.Success:
		return roleOutcome{reason: fmt.Sprintf("%v: %s", backend.ErrBackendFailed, resp.Text)}
	}

	e, err := deps.Store.CreateAndStoreText(ctx, artifact.TypeImplementationLog, implementationLog(role, resp), phase.Implementation,
		store.WithQualifier(string(role)),
		store.WithProducer(string(role)),
		store.WithDependsOn(plan.Ref()))
	if err != nil {
		return roleOutcome{err: err}
	}
	return roleOutcome{entry: e, ok: true}
}

func implementationLog(role skills.Role, resp backend.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Implementation log: %s\n\n", role)
	b.WriteString(strings.TrimSpace(resp.Text))
	b.WriteString("\n")
	if len(resp.ToolCalls) > 0 {
		b.WriteString("\n## Tool calls\n\n")
		for _, c := range resp.ToolCalls {
			input := "{}"
			if len(c.Input) > 0 && json.Valid(c.Input) {
				input = string(c.Input)
			}
			fmt.Fprintf(&b, "- %s %s\n", c.Name, input)
		}
	}
	return b.String()
}
