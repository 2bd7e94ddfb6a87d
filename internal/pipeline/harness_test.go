package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/metrics"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/snapshot"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/internal/validation"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var phaseLine = regexp.MustCompile(`(?m)^Pipeline phase: (\S+)$`)

func promptPhase(prompt string) phase.Phase {
	m := phaseLine.FindStringSubmatch(prompt)
	if m == nil {
		return ""
	}
	return phase.Phase(m[1])
}

// fakeBackend answers prompts by the pipeline phase named in them.
type fakeBackend struct {
	mu      sync.Mutex
	calls   map[phase.Phase]int
	replies map[phase.Phase]func(prompt string) (string, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		calls:   make(map[phase.Phase]int),
		replies: make(map[phase.Phase]func(string) (string, error)),
	}
}

func (b *fakeBackend) on(p phase.Phase, fn func(prompt string) (string, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies[p] = fn
}

func (b *fakeBackend) count(p phase.Phase) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[p]
}

func (b *fakeBackend) ExecutePrompt(_ context.Context, prompt string) (backend.Response, error) {
	p := promptPhase(prompt)
	b.mu.Lock()
	b.calls[p]++
	fn := b.replies[p]
	b.mu.Unlock()

	if fn != nil {
		text, err := fn(prompt)
		if err != nil {
			return backend.Response{}, err
		}
		return backend.Response{Success: true, Text: text}, nil
	}
	switch p {
	case phase.Review:
		return backend.Response{Success: true, Text: `{"score":0.9,"verdict":"approve","hard_reject":false,"concerns":[]}`}, nil
	case phase.Audit:
		return backend.Response{Success: true, Text: `{"findings":[]}`}, nil
	}
	return backend.Response{Success: true, Text: fmt.Sprintf("# %s\n\nDone.\n", p)}, nil
}

type fakeExpander struct {
	expands atomic.Int32
	plans   atomic.Int32
}

func (e *fakeExpander) ExpandIdea(_ context.Context, idea, language string) (string, error) {
	e.expands.Add(1)
	return fmt.Sprintf("# Expanded idea\n\n%s, written in %s.\n", idea, language), nil
}

func (e *fakeExpander) CreatePlan(_ context.Context, _, _, _ string) (string, error) {
	e.plans.Add(1)
	return "# Master plan\n\n1. Model the domain.\n2. Serve it.\n", nil
}

type fakeValidator struct {
	configured bool
	pass       bool
	runs       atomic.Int32
}

func (v *fakeValidator) Configured() bool { return v.configured }

func (v *fakeValidator) Run(context.Context) []validation.Result {
	v.runs.Add(1)
	code := 0
	if !v.pass {
		code = 1
	}
	return []validation.Result{{Name: "test", Command: "go test ./...", Passed: v.pass, ExitCode: code}}
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) kinds(k events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Kind == k {
			out = append(out, ev)
		}
	}
	return out
}

type stubReviewer struct {
	name string
	vote func(req consensus.Request) (consensus.Vote, error)
}

func (r stubReviewer) Name() string { return r.name }

func (r stubReviewer) Review(_ context.Context, req consensus.Request) (consensus.Vote, error) {
	return r.vote(req)
}

func approving(name string, score float64) stubReviewer {
	return stubReviewer{name: name, vote: func(consensus.Request) (consensus.Vote, error) {
		return consensus.Vote{Score: score, Verdict: consensus.VerdictApprove}, nil
	}}
}

type harness struct {
	t         *testing.T
	root      string
	store     *store.Store
	backend   *fakeBackend
	expander  *fakeExpander
	validator *fakeValidator
	publisher *recorder
	deps      *Deps
	stateFile *StateFile
	lock      *RunLock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	layout := NewLayout(root)
	s, err := store.Open(layout.StoreDir())
	require.NoError(t, err)
	reg, err := skills.NewRegistry("")
	require.NoError(t, err)

	h := &harness{
		t:         t,
		root:      root,
		store:     s,
		backend:   newFakeBackend(),
		expander:  &fakeExpander{},
		validator: &fakeValidator{configured: true, pass: true},
		publisher: &recorder{},
		stateFile: NewStateFile(layout.StatePath()),
		lock:      NewRunLock(layout.LockPath()),
	}
	h.deps = &Deps{
		Root:  root,
		Store: s,
		Gates: gate.NewEngine(0.7),
		Snapshot: func(dir string) (*snapshot.RepoSnapshot, error) {
			return snapshot.Generate(dir, snapshot.WithGitHead(false))
		},
		Skills:           reg,
		Backend:          h.backend,
		Expander:         h.expander,
		Validator:        h.validator,
		Publisher:        h.publisher,
		Metrics:          metrics.New(),
		Logger:           zap.NewNop(),
		MaxQuorumRetries: 1,
	}
	h.useReviewers(approving("alpha", 0.9), approving("beta", 0.85), approving("gamma", 0.9))
	return h
}

func (h *harness) useReviewers(reviewers ...consensus.Reviewer) {
	h.t.Helper()
	r, err := consensus.NewRunner(consensus.Config{
		Threshold:       0.7,
		SpreadTolerance: 0.3,
		MinQuorum:       2,
		Timeout:         5 * time.Second,
		Arbitrator:      approving("arbiter", 0.8),
	}, reviewers)
	require.NoError(h.t, err)
	h.deps.Consensus = r
}

func (h *harness) machine(opts ...MachineOption) *Machine {
	return NewMachine(h.deps, h.stateFile, append([]MachineOption{WithRunLock(h.lock)}, opts...)...)
}

func (h *harness) start(m *Machine, maxRecovery int) (*PipelineState, error) {
	return m.Start(context.Background(), StartOptions{
		Idea:                  "a todo list API",
		Language:              "go",
		Roles:                 []skills.Role{skills.RoleQA, skills.RoleBackend},
		MaxRecoveryIterations: maxRecovery,
	})
}

func (h *harness) write(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.root, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0o644))
}

// freshState returns a state positioned at p as if the run had got there.
func (h *harness) freshState(p phase.Phase, maxRecovery int) *PipelineState {
	st := NewState("a todo list API", "go", []skills.Role{skills.RoleBackend}, maxRecovery, time.Now().UTC())
	st.CurrentPhase = p
	return st
}

func (h *harness) hasEdge(from, to artifact.ArtifactRef, rel artifact.Relationship) bool {
	for _, e := range h.store.Edges() {
		if e.From.ArtifactID == from.ArtifactID && e.To.ArtifactID == to.ArtifactID && e.Relationship == rel {
			return true
		}
	}
	return false
}

func visited(st *PipelineState) []phase.Phase {
	out := make([]phase.Phase, len(st.History))
	for i, tr := range st.History {
		out[i] = tr.To
	}
	return out
}

// failingExecutor always fails p without touching the store.
func failingExecutor(p phase.Phase, calls *int) ExecutorFunc {
	return func(_ context.Context, st *PipelineState, deps *Deps) PhaseResult {
		*calls++
		return newStage(st, deps, p).fail(errors.New("boom"), "%s failed", p)
	}
}
