package store

import (
	"context"
	"testing"

	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSupersedesEdgeOnNewVersion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	v1, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "v1", phase.Architecture)
	require.NoError(t, err)
	v2, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "v2", phase.Architecture)
	require.NoError(t, err)

	edges := s.Edges()
	require.Len(t, edges, 1)
	assert.Equal(t, artifact.Supersedes, edges[0].Relationship)
	assert.Equal(t, v2.ArtifactID, edges[0].From.ArtifactID)
	assert.Equal(t, v1.ArtifactID, edges[0].To.ArtifactID)
}

func TestAddEdge(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects unknown artifacts", func(t *testing.T) {
		s := setupTestStore(t)
		a, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "a", phase.Intake)
		require.NoError(t, err)

		err = s.AddEdge(a.Ref(), artifact.ArtifactRef{ArtifactID: "nope"}, artifact.References)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects self dependency", func(t *testing.T) {
		s := setupTestStore(t)
		a, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "a", phase.Intake)
		require.NoError(t, err)

		assert.ErrorIs(t, s.AddEdge(a.Ref(), a.Ref(), artifact.DependsOn), ErrCycle)
	})

	t.Run("rejects depends_on cycle", func(t *testing.T) {
		s := setupTestStore(t)
		a, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "a", phase.Intake)
		require.NoError(t, err)
		b, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "b", phase.Architecture, WithDependsOn(a.Ref()))
		require.NoError(t, err)
		c, err := s.CreateAndStoreText(ctx, artifact.TypeRolePlan, "c", phase.RolePlanning, WithDependsOn(b.Ref()))
		require.NoError(t, err)

		assert.ErrorIs(t, s.AddEdge(a.Ref(), c.Ref(), artifact.DependsOn), ErrCycle)
		// references edges are not part of the dependency DAG
		assert.NoError(t, s.AddEdge(a.Ref(), c.Ref(), artifact.References))
	})

	t.Run("rejects unknown relationship", func(t *testing.T) {
		s := setupTestStore(t)
		a, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "a", phase.Intake)
		require.NoError(t, err)
		b, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "b", phase.Architecture)
		require.NoError(t, err)

		assert.Error(t, s.AddEdge(a.Ref(), b.Ref(), artifact.Relationship("blocks")))
	})
}

func TestDependents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	plan, err := s.CreateAndStoreText(ctx, artifact.TypeMasterPlan, "plan", phase.Intake)
	require.NoError(t, err)
	arch, err := s.CreateAndStoreText(ctx, artifact.TypeArchitecture, "arch", phase.Architecture, WithDependsOn(plan.Ref()))
	require.NoError(t, err)
	role, err := s.CreateAndStoreText(ctx, artifact.TypeRolePlan, "role", phase.RolePlanning, WithQualifier("qa"), WithDependsOn(arch.Ref(), plan.Ref()))
	require.NoError(t, err)
	unrelated, err := s.CreateAndStoreText(ctx, artifact.TypeQAReport, "qa", phase.QAValidation)
	require.NoError(t, err)

	got := s.Dependents(plan.ArtifactID)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ArtifactID
	}
	assert.ElementsMatch(t, []string{arch.ArtifactID, role.ArtifactID}, ids)
	assert.NotContains(t, ids, unrelated.ArtifactID)
	assert.Empty(t, s.Dependents(role.ArtifactID))
}
