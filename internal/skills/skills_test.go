package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleValidate(t *testing.T) {
	for _, r := range AllRoles() {
		assert.NoError(t, r.Validate(), r)
	}
	assert.Error(t, Role("wizard").Validate())

	assert.True(t, RoleBackend.IsBuildRole())
	assert.False(t, RoleReviewer.IsBuildRole())
}

func TestNewRegistryLoadsEveryRole(t *testing.T) {
	reg, err := NewRegistry("")
	require.NoError(t, err)

	for _, role := range AllRoles() {
		s, err := reg.LoadSkill(role)
		require.NoError(t, err, role)
		assert.Equal(t, role, s.Role)
		assert.NotEmpty(t, s.SystemPrompt, role)
	}
	assert.Len(t, reg.Roles(), len(AllRoles()))
}

func TestLoadSkill(t *testing.T) {
	t.Run("unknown role", func(t *testing.T) {
		reg, err := NewRegistry("")
		require.NoError(t, err)
		_, err = reg.LoadSkill(Role("wizard"))
		assert.ErrorIs(t, err, ErrUnknownRole)
	})

	t.Run("override file replaces system prompt", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "architect.md"), []byte("custom architect"), 0o644))

		reg, err := NewRegistry(dir)
		require.NoError(t, err)

		s, err := reg.LoadSkill(RoleArchitect)
		require.NoError(t, err)
		assert.Equal(t, "custom architect", s.SystemPrompt)

		s, err = reg.LoadSkill(RoleBackend)
		require.NoError(t, err)
		assert.NotEqual(t, "custom architect", s.SystemPrompt)
	})

	t.Run("registered role", func(t *testing.T) {
		reg, err := NewRegistry("")
		require.NoError(t, err)
		reg.Register(Skill{Role: Role("security"), SystemPrompt: "audit secrets"})

		s, err := reg.LoadSkill(Role("security"))
		require.NoError(t, err)
		assert.Equal(t, "audit secrets", s.SystemPrompt)
	})
}

func TestBuildPrompt(t *testing.T) {
	s := Skill{Role: RoleArchitect, SystemPrompt: "  You are the architect.\n"}
	in := Input{
		Phase:    phase.Architecture,
		Language: "go",
		Task:     "Design the system.",
		Sections: []Section{
			{Title: "Master plan", Body: "Build a todo API."},
			{Title: "Empty", Body: "   "},
		},
		Guidance: "Prefer SQLite.",
	}

	got := s.BuildPrompt(in)
	want := "You are the architect.\n\n" +
		"Pipeline phase: ARCHITECTURE\n" +
		"Target language: go\n" +
		"\n## Task\n\nDesign the system.\n" +
		"\n## Master plan\n\nBuild a todo API.\n" +
		"\n## Operator guidance\n\nPrefer SQLite.\n"
	assert.Equal(t, want, got)
	assert.Equal(t, got, s.BuildPrompt(in))
}
