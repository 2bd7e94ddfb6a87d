package watch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type project struct {
	layout pipeline.Layout
	store  *store.Store
	state  *pipeline.StateFile
}

func newProject(t *testing.T) *project {
	t.Helper()
	layout := pipeline.NewLayout(t.TempDir())
	s, err := store.Open(layout.StoreDir())
	require.NoError(t, err)
	return &project{layout: layout, store: s, state: pipeline.NewStateFile(layout.StatePath())}
}

func (p *project) run(t *testing.T, st *pipeline.PipelineState, to phase.Phase) {
	t.Helper()
	st.History = append(st.History, pipeline.Transition{From: st.CurrentPhase, To: to, Timestamp: time.Now().UTC()})
	st.CurrentPhase = to
	st.UpdatedAt = time.Now().UTC()
	require.NoError(t, p.state.Save(st))
}

func kinds(evs []events.Event) []events.Kind {
	out := make([]events.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func TestTailPoll(t *testing.T) {
	p := newProject(t)
	tail := NewTail(p.layout)

	evs, err := tail.Poll()
	require.NoError(t, err)
	assert.Empty(t, evs, "nothing recorded yet")

	st := pipeline.NewState("todo api", "go", nil, 3, time.Now().UTC())
	require.NoError(t, p.state.Save(st))
	_, err = p.store.CreateAndStoreText(t.Context(), artifact.TypeMasterPlan, "# Plan\n", phase.Intake)
	require.NoError(t, err)
	p.run(t, st, phase.ConsensusMasterPlan)

	evs, err = tail.Poll()
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindArtifactCreated, events.KindPhaseTransition}, kinds(evs))
	assert.Equal(t, artifact.TypeMasterPlan, evs[0].Artifact.Type)
	assert.Equal(t, phase.ConsensusMasterPlan, evs[1].To)
	assert.False(t, tail.Halted())

	evs, err = tail.Poll()
	require.NoError(t, err)
	assert.Empty(t, evs, "each event is reported once")

	st.Status = pipeline.StatusStuck
	st.LastError = "recovery budget exhausted"
	p.run(t, st, phase.Stuck)

	evs, err = tail.Poll()
	require.NoError(t, err)
	assert.Equal(t, []events.Kind{events.KindPhaseTransition, events.KindPipelineHalted}, kinds(evs))
	assert.Equal(t, "stuck", evs[1].Status)
	assert.Equal(t, "recovery budget exhausted", evs[1].Message)
	assert.True(t, tail.Halted())

	// A new run replaces the state and starts its history over.
	next := pipeline.NewState("todo api", "go", nil, 3, time.Now().UTC())
	require.NoError(t, p.state.Save(next))
	p.run(t, next, phase.ConsensusMasterPlan)

	evs, err = tail.Poll()
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, next.RunID, evs[0].RunID)
	assert.False(t, tail.Halted())
}

// syncBuffer lets the test read output while TailLocal writes it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTailLocalFollowsRun(t *testing.T) {
	p := newProject(t)
	st := pipeline.NewState("todo api", "go", nil, 3, time.Now().UTC())
	require.NoError(t, p.state.Save(st))
	p.run(t, st, phase.ConsensusMasterPlan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- TailLocal(ctx, p.layout, Options{Replay: -1, UntilHalt: true}, out)
	}()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("INTAKE → CONSENSUS_MASTER_PLAN"))
	}, 5*time.Second, 10*time.Millisecond)

	_, err := p.store.CreateAndStoreText(ctx, artifact.TypeArchitecture, "# Architecture\n", phase.Architecture)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("type=architecture"))
	}, 5*time.Second, 10*time.Millisecond)

	st.Status = pipeline.StatusDone
	p.run(t, st, phase.Done)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("tail did not stop after the run finished")
	}
	assert.Contains(t, out.String(), "🎉 Pipeline completed")
}

func TestTailLocalReturnsForFinishedRun(t *testing.T) {
	p := newProject(t)
	st := pipeline.NewState("todo api", "go", nil, 3, time.Now().UTC())
	st.Status = pipeline.StatusDone
	p.run(t, st, phase.ConsensusMasterPlan)

	var out bytes.Buffer
	require.NoError(t, TailLocal(t.Context(), p.layout, Options{UntilHalt: true}, &out))
	assert.Empty(t, out.String(), "replay is off")
}
