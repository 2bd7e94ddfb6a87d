package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/changerequest"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/metrics"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/snapshot"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/internal/validation"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"go.uber.org/zap"
)

// ConstitutionFile is the optional project constitution whose hash is pinned
// at intake and re-checked by every gate.
const ConstitutionFile = "CONSTITUTION.md"

// PhaseResult is the uniform outcome of one executor call.
type PhaseResult struct {
	Phase     phase.Phase            `json:"phase"`
	Success   bool                   `json:"success"`
	Artifacts []artifact.ArtifactRef `json:"artifacts"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`

	// RecoveryTarget overrides the phase re-entered after recovery.
	RecoveryTarget phase.Phase `json:"recovery_target,omitempty"`
}

// Executor runs one phase. Implementations never panic out and never leave
// the state half-updated: every mutation goes through a stage.
type Executor interface {
	Execute(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
	return f(ctx, st, deps)
}

// Validator runs the configured QA commands.
type Validator interface {
	Configured() bool
	Run(ctx context.Context) []validation.Result
}

// Deps are the collaborators injected into every executor.
type Deps struct {
	Root      string
	Store     *store.Store
	Gates     *gate.Engine
	Consensus *consensus.Runner // nil when consensus is disabled
	Snapshot  func(root string) (*snapshot.RepoSnapshot, error)
	Skills    skills.Loader
	Backend   backend.Backend
	Expander  backend.IdeaExpander
	Validator Validator
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Clock     func() time.Time

	MaxQuorumRetries int
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

func (d *Deps) publish(ctx context.Context, ev events.Event) {
	if d.Publisher == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = d.now()
	}
	if err := d.Publisher.Publish(ctx, ev); err != nil {
		logging.Warn(d.Logger, "event_publish_failed",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

// constitutionHash returns the digest of the project constitution, or "" if
// the project has none.
func (d *Deps) constitutionHash() (string, error) {
	data, err := os.ReadFile(filepath.Join(d.Root, ConstitutionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read constitution: %w", err)
	}
	return artifact.Hash(data), nil
}

// stage buffers the mutations of one executor call. Nothing reaches the
// state until succeed or fail commits the buffer.
type stage struct {
	st    *PipelineState
	deps  *Deps
	phase phase.Phase

	artifacts  []artifact.ArtifactEntry
	gateResult *gate.GateResult
	crs        []changerequest.ChangeRequest
	resolved   map[string]changerequest.ChangeRequest
	scalars    []func(*PipelineState)
	target     phase.Phase
}

func newStage(st *PipelineState, deps *Deps, p phase.Phase) *stage {
	return &stage{st: st, deps: deps, phase: p, resolved: make(map[string]changerequest.ChangeRequest)}
}

// store writes text content and stages the entry.
func (s *stage) storeText(ctx context.Context, t artifact.Type, content string, opts ...store.WriteOption) (artifact.ArtifactEntry, error) {
	e, err := s.deps.Store.CreateAndStoreText(ctx, t, content, s.phase, opts...)
	if err != nil {
		return e, err
	}
	s.add(e)
	return e, nil
}

// storeJSON writes a JSON document and stages the entry.
func (s *stage) storeJSON(ctx context.Context, t artifact.Type, obj any, opts ...store.WriteOption) (artifact.ArtifactEntry, error) {
	e, err := s.deps.Store.CreateAndStoreJSON(ctx, t, obj, s.phase, opts...)
	if err != nil {
		return e, err
	}
	s.add(e)
	return e, nil
}

// add stages an entry that already exists in the store.
func (s *stage) add(e artifact.ArtifactEntry) {
	for _, cur := range s.artifacts {
		if cur.ArtifactID == e.ArtifactID {
			return
		}
	}
	s.artifacts = append(s.artifacts, e)
	s.deps.Metrics.RecordArtifact(string(e.Type))
}

func (s *stage) set(fn func(*PipelineState)) {
	s.scalars = append(s.scalars, fn)
}

func (s *stage) raise(cr changerequest.ChangeRequest) {
	s.crs = append(s.crs, cr)
}

func (s *stage) resolve(cr changerequest.ChangeRequest) {
	s.resolved[cr.CRID] = cr
}

func (s *stage) refs() []artifact.ArtifactRef {
	out := make([]artifact.ArtifactRef, len(s.artifacts))
	for i, e := range s.artifacts {
		out[i] = e.Ref()
	}
	return out
}

// evaluate runs the phase gate, stages its result and, on failure, writes a
// gate_failure artifact.
func (s *stage) evaluate(ctx context.Context, packet gate.Packet) (gate.GateResult, error) {
	def, err := s.deps.Gates.GetDefinition(s.phase)
	if err != nil {
		return gate.GateResult{}, err
	}

	packet.Phase = s.phase
	if packet.CheckInputs == nil {
		packet.CheckInputs = make(map[string]any)
	}
	actual, err := s.deps.constitutionHash()
	if err != nil {
		return gate.GateResult{}, err
	}
	packet.CheckInputs[gate.InputConstitutionExpected] = s.st.ConstitutionHash
	if s.phase == phase.Intake && s.st.ConstitutionHash == "" {
		packet.CheckInputs[gate.InputConstitutionExpected] = actual
	}
	packet.CheckInputs[gate.InputConstitutionActual] = actual

	result := s.deps.Gates.Evaluate(packet, def)
	s.gateResult = &result
	s.deps.Metrics.RecordGate(string(s.phase), result.Pass, result.Score)

	if !result.Pass {
		if _, err := s.storeJSON(ctx, artifact.TypeGateFailure, result,
			store.WithQualifier(s.phase.Slug())); err != nil {
			return result, fmt.Errorf("failed to record gate failure: %w", err)
		}
	}
	return result, nil
}

func (s *stage) commit() {
	st := s.st
	for _, e := range s.artifacts {
		if !st.HasArtifact(e.ArtifactID) {
			st.Artifacts = append(st.Artifacts, e)
		}
	}
	if s.gateResult != nil {
		st.GateResults[s.phase] = *s.gateResult
	}
	for i, cr := range st.ChangeRequests {
		if r, ok := s.resolved[cr.CRID]; ok {
			st.ChangeRequests[i] = r
		}
	}
	st.ChangeRequests = append(st.ChangeRequests, s.crs...)
	for _, fn := range s.scalars {
		fn(st)
	}
}

func (s *stage) succeed(format string, args ...any) PhaseResult {
	s.commit()
	return PhaseResult{
		Phase:     s.phase,
		Success:   true,
		Artifacts: s.refs(),
		Message:   fmt.Sprintf(format, args...),
	}
}

// fail commits what was produced so far and reports failure. Artifacts that
// were written stay recorded so the trail explains the failure.
func (s *stage) fail(err error, format string, args ...any) PhaseResult {
	if s.gateResult == nil {
		r := gate.GateResult{
			Phase:            s.phase,
			Blockers:         []string{},
			MissingArtifacts: []artifact.Type{},
			FailedChecks:     []string{},
			Timestamp:        s.deps.now(),
		}
		if err != nil {
			r.Reason = err.Error()
			r.Blockers = append(r.Blockers, err.Error())
		}
		s.gateResult = &r
	}
	s.commit()

	res := PhaseResult{
		Phase:          s.phase,
		Artifacts:      s.refs(),
		Message:        fmt.Sprintf(format, args...),
		RecoveryTarget: s.target,
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// gateFailed converts a failed gate into a phase failure.
func (s *stage) gateFailed(r gate.GateResult) PhaseResult {
	return s.fail(fmt.Errorf("gate failed: %s", r.Reason), "%s gate failed", s.phase)
}

// prompt builds a role prompt with the run's language and guidance applied.
func prompt(deps *Deps, st *PipelineState, role skills.Role, task string, sections ...skills.Section) (string, error) {
	skill, err := deps.Skills.LoadSkill(role)
	if err != nil {
		return "", err
	}
	return skill.BuildPrompt(skills.Input{
		Phase:    st.CurrentPhase,
		Language: st.Language,
		Task:     task,
		Sections: sections,
		Guidance: st.SessionGuidance,
	}), nil
}

// readText reads a committed artifact as text.
func readText(deps *Deps, e artifact.ArtifactEntry) (string, error) {
	data, err := deps.Store.ReadContent(e.Ref())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// orphan returns the store's latest entry for group when the state never
// committed it, which happens when a previous attempt crashed after writing.
func orphan(st *PipelineState, deps *Deps, group string) (artifact.ArtifactEntry, bool) {
	e, ok := deps.Store.Latest(group)
	if !ok || st.HasArtifact(e.ArtifactID) {
		return artifact.ArtifactEntry{}, false
	}
	return e, true
}

// reentered reports whether the current phase was entered from RECOVERY_LOOP.
func reentered(st *PipelineState) bool {
	if len(st.History) == 0 {
		return false
	}
	last := st.History[len(st.History)-1]
	return last.From == phase.RecoveryLoop && last.To == st.CurrentPhase
}

// recoveryContext summarises why the phase is being re-run, or "" when it
// was not entered from recovery.
func recoveryContext(deps *Deps, st *PipelineState) string {
	if !reentered(st) || st.FailedPhase == "" {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recovery iteration %d of %d after %s failed.\n",
		st.RecoveryCount, st.MaxRecoveryIterations, st.FailedPhase)
	if st.LastError != "" {
		fmt.Fprintf(&b, "Failure: %s\n", st.LastError)
	}
	if rca, ok := st.LatestArtifact(string(artifact.TypeRCAReport)); ok {
		if text, err := readText(deps, rca); err == nil {
			fmt.Fprintf(&b, "\nRoot-cause analysis:\n%s\n", strings.TrimSpace(text))
		}
	}
	return b.String()
}
