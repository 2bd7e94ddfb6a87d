package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T, opts ...Option) *Store {
	dir := filepath.Join(t.TempDir(), "artifacts")
	s, err := Open(dir, opts...)
	require.NoError(t, err)
	return s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestOpen(t *testing.T) {
	t.Run("rejects empty directory", func(t *testing.T) {
		_, err := Open("")
		assert.Error(t, err)
	})

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := Open(dir)
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})
}

func TestCreateAndStoreText(t *testing.T) {
	ctx := context.Background()

	t.Run("first version has no predecessor", func(t *testing.T) {
		s := setupTestStore(t)
		entry, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "# Plan", phase.Intake)
		require.NoError(t, err)

		assert.Equal(t, 1, entry.Version)
		assert.Empty(t, entry.PreviousID)
		assert.Equal(t, "master_plan", entry.GroupID)
		assert.Equal(t, artifact.ContentMarkdown, entry.ContentType)
		assert.True(t, entry.Immutable)
		assert.Equal(t, artifact.Hash([]byte("# Plan")), entry.SHA256)
		assert.Contains(t, entry.Path, "intake"+string(filepath.Separator))
		assert.FileExists(t, s.AbsPath(entry.Ref()))
	})

	t.Run("versions increase within a group", func(t *testing.T) {
		s := setupTestStore(t)
		v1, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "v1", phase.Architecture)
		require.NoError(t, err)
		v2, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "v2", phase.Architecture)
		require.NoError(t, err)
		v3, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "v3", phase.ConsensusArchitecture)
		require.NoError(t, err)

		assert.Equal(t, []int{1, 2, 3}, []int{v1.Version, v2.Version, v3.Version})
		assert.Equal(t, v1.ArtifactID, v2.PreviousID)
		assert.Equal(t, v2.ArtifactID, v3.PreviousID)

		// v1 is untouched by later writes
		data, err := s.ReadContent(v1.Ref())
		require.NoError(t, err)
		assert.Equal(t, "v1", string(data))
	})

	t.Run("identical content creates two entries", func(t *testing.T) {
		s := setupTestStore(t)
		a, err := s.CreateAndStoreText(ctx, artifact.TypeQAReport, "same", phase.QAValidation)
		require.NoError(t, err)
		b, err := s.CreateAndStoreText(ctx, artifact.TypeQAReport, "same", phase.QAValidation)
		require.NoError(t, err)

		assert.NotEqual(t, a.ArtifactID, b.ArtifactID)
		assert.NotEqual(t, a.Path, b.Path)
		assert.Equal(t, a.SHA256, b.SHA256)
		assert.Equal(t, 2, b.Version)
	})

	t.Run("qualifier separates groups", func(t *testing.T) {
		s := setupTestStore(t)
		be, err := s.CreateAndStoreText(ctx, artifact.TypeRolePlan, "backend", phase.RolePlanning, WithQualifier("backend"), WithProducer("backend"))
		require.NoError(t, err)
		fe, err := s.CreateAndStoreText(ctx, artifact.TypeRolePlan, "frontend", phase.RolePlanning, WithQualifier("frontend"))
		require.NoError(t, err)

		assert.Equal(t, "role_plan:backend", be.GroupID)
		assert.Equal(t, "role_plan:frontend", fe.GroupID)
		assert.Equal(t, 1, be.Version)
		assert.Equal(t, 1, fe.Version)
		assert.Equal(t, "backend", be.ProducedBy)
		assert.Contains(t, filepath.Base(be.Path), "role_plan-backend-v1-")
	})

	t.Run("accepts side states and rejects invalid input", func(t *testing.T) {
		s := setupTestStore(t)
		_, err := s.CreateAndStoreText(ctx, artifact.TypeRCAReport, "rca", phase.RecoveryLoop)
		require.NoError(t, err)

		_, err = s.CreateAndStoreText(ctx, artifact.Type("bogus"), "x", phase.Intake)
		assert.Error(t, err)
		_, err = s.CreateAndStoreText(ctx, artifact.TypeRCAReport, "x", phase.Phase("NOPE"))
		assert.Error(t, err)
	})

	t.Run("publishes artifact_created", func(t *testing.T) {
		pub := &recordingPublisher{}
		s := setupTestStore(t, WithPublisher(pub))
		entry, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "p", phase.Intake)
		require.NoError(t, err)

		require.Len(t, pub.events, 1)
		assert.Equal(t, events.KindArtifactCreated, pub.events[0].Kind)
		assert.Equal(t, entry.ArtifactID, pub.events[0].Artifact.ArtifactID)
	})
}

func TestCreateAndStoreJSON(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	entry, err := s.CreateAndStoreJSON(ctx, artifact.TypeAuditReport, map[string]any{"overall_status": "PASS"}, phase.Audit)
	require.NoError(t, err)
	assert.Equal(t, artifact.ContentJSON, entry.ContentType)
	assert.Equal(t, ".json", filepath.Ext(entry.Path))

	var decoded map[string]any
	require.NoError(t, s.ReadJSON(entry.Ref(), &decoded))
	assert.Equal(t, "PASS", decoded["overall_status"])

	_, err = s.CreateAndStoreJSON(ctx, artifact.TypeAuditReport, make(chan int), phase.Audit)
	assert.Error(t, err)
}

func TestConcurrentWrites(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	const writers = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateAndStoreText(ctx, artifact.TypeImplementationLog, "log", phase.Implementation)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	lineage := s.Lineage("implementation_log")
	require.Len(t, lineage, writers)
	for i, e := range lineage {
		assert.Equal(t, i+1, e.Version)
		if i > 0 {
			assert.Equal(t, lineage[i-1].ArtifactID, e.PreviousID)
		}
	}
}

func TestReopenReplaysLogs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	ctx := context.Background()

	s, err := Open(dir)
	require.NoError(t, err)
	plan, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "plan", phase.Intake)
	require.NoError(t, err)
	arch, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "arch", phase.Architecture, WithDependsOn(plan.Ref()))
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)

	got, err := reopened.Get(arch.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, arch.SHA256, got.SHA256)
	assert.Len(t, reopened.Entries(), 2)
	assert.Len(t, reopened.Dependencies(arch.ArtifactID), 1)

	next, err := reopened.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "plan v2", phase.Intake)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Version)
	assert.Equal(t, plan.ArtifactID, next.PreviousID)
}

func TestGetAndLatest(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, ok := s.Latest("master_plan")
	assert.False(t, ok)

	_, err = s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "a", phase.Intake)
	require.NoError(t, err)
	b, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "b", phase.Intake)
	require.NoError(t, err)

	latest, ok := s.Latest("master_plan")
	require.True(t, ok)
	assert.Equal(t, b.ArtifactID, latest.ArtifactID)
	assert.Len(t, s.ByType(artifact.TypeMasterPlan), 2)
	assert.Equal(t, []string{b.ArtifactID}, s.MatchPrefix(b.ArtifactID[:12]))
}

func TestReadContentDetectsTampering(t *testing.T) {
	s := setupTestStore(t)
	entry, err := s.CreateAndStoreText(context.Background(), artifact.TypeMasterPlan, "original", phase.Intake)
	require.NoError(t, err)

	path := s.AbsPath(entry.Ref())
	require.NoError(t, os.Chmod(path, 0o644))
	require.NoError(t, os.WriteFile(path, []byte("edited"), 0o644))

	_, err = s.ReadContent(entry.Ref())
	assert.ErrorIs(t, err, ErrHashMismatch)
	assert.Len(t, s.Verify(), 1)
}

func TestFailedEdgeWriteLeavesNoEntry(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	v1, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "# v1", phase.Architecture)
	require.NoError(t, err)

	edges := filepath.Join(s.Dir(), edgesFile)
	require.NoError(t, os.RemoveAll(edges))
	require.NoError(t, os.Mkdir(edges, 0o755))

	_, err = s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "# v2", phase.Architecture)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record edge")
	assert.Len(t, s.Entries(), 1)
	assert.Len(t, s.Lineage("architecture"), 1)
	leftovers, err := filepath.Glob(filepath.Join(s.Dir(), phase.Architecture.Slug(), "*-v2-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	require.NoError(t, os.Remove(edges))
	reopened, err := Open(s.Dir())
	require.NoError(t, err)
	assert.Len(t, reopened.Entries(), 1)

	v2, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "# v2", phase.Architecture)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, v1.ArtifactID, v2.PreviousID)
	require.Len(t, s.Edges(), 1)
	assert.Equal(t, artifact.Supersedes, s.Edges()[0].Relationship)
}

func TestReplaySkipsEdgesOfUncommittedEntries(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	plan, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "# plan", phase.Intake)
	require.NoError(t, err)

	ghost := artifact.ArtifactRef{ArtifactID: "0b7e3c1a-1111-4222-8333-944455556666", Type: artifact.TypeArchitecture, Version: 1}
	require.NoError(t, appendJSONLine(filepath.Join(s.Dir(), edgesFile),
		artifact.DependencyEdge{From: ghost, To: plan.Ref(), Relationship: artifact.DependsOn}))

	reopened, err := Open(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, reopened.Edges())
	assert.Empty(t, reopened.Dependents(plan.ArtifactID))
}

func TestWriteExclusiveNeverOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x", "file.md")
	require.NoError(t, writeExclusive(path, []byte("one")))
	assert.Error(t, writeExclusive(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestUpdateIndex(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "v1", phase.Intake)
	require.NoError(t, err)
	plan2, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "v2", phase.Intake)
	require.NoError(t, err)
	arch, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "arch", phase.Architecture)
	require.NoError(t, err)

	path, err := s.UpdateIndex(s.Entries())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Dir(), IndexFile), path)

	doc, err := s.ReadIndex()
	require.NoError(t, err)
	require.Equal(t, 2, doc.Count)
	assert.Equal(t, plan2.ArtifactID, doc.Entries[0].ArtifactID)
	assert.Equal(t, arch.ArtifactID, doc.Entries[1].ArtifactID)

	t.Run("empty input writes an empty index", func(t *testing.T) {
		_, err := s.UpdateIndex(nil)
		require.NoError(t, err)
		doc, err := s.ReadIndex()
		require.NoError(t, err)
		assert.Zero(t, doc.Count)
	})
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"backend", "backend"},
		{"Front End", "front-end"},
		{"a/b", "a-b"},
		{"../x", "x"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitize(tt.in))
		})
	}
}
