package scaffold

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fortisil/popeye/internal/config"
	"github.com/fortisil/popeye/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name     string
		language string
		wantCmds []validation.Command
	}{
		{name: "go", language: "go", wantCmds: DefaultValidation("go")},
		{name: "python", language: "Python", wantCmds: []validation.Command{{Name: "test", Run: "pytest -q"}}},
		{name: "no default commands", language: "rust"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()

			written, err := Initialize(root, Options{Project: "todo", Language: tt.language})
			require.NoError(t, err)
			assert.Equal(t, []string{"popeye.yml", "CONSTITUTION.md", ".gitignore"}, written)

			cfg, err := config.Load(filepath.Join(root, config.FileName))
			require.NoError(t, err)
			assert.Equal(t, "todo", cfg.ProjectName(root))
			assert.True(t, cfg.ConsensusEnabled())
			assert.Len(t, cfg.Consensus.Reviewers, 3)
			assert.Equal(t, "claude", cfg.Pipeline.Backend)
			if tt.wantCmds == nil {
				assert.Empty(t, cfg.Validation.Commands)
			} else {
				assert.Equal(t, tt.wantCmds, cfg.Validation.Commands)
			}

			constitution, err := os.ReadFile(filepath.Join(root, "CONSTITUTION.md"))
			require.NoError(t, err)
			assert.Contains(t, string(constitution), "# todo constitution")

			gitignore, err := os.ReadFile(filepath.Join(root, ".gitignore"))
			require.NoError(t, err)
			assert.Equal(t, ".popeye/\n", string(gitignore))
		})
	}
}

func TestInitializeDefaultsProjectName(t *testing.T) {
	root := filepath.Join(t.TempDir(), "shopping-list")
	require.NoError(t, os.Mkdir(root, 0o755))

	_, err := Initialize(root, Options{Language: "go"})
	require.NoError(t, err)

	cfg, err := config.Load(filepath.Join(root, config.FileName))
	require.NoError(t, err)
	assert.Equal(t, "shopping-list", cfg.Project)
}

func TestInitializeRequiresLanguage(t *testing.T) {
	_, err := Initialize(t.TempDir(), Options{})
	assert.ErrorContains(t, err, "language is required")
}

func TestInitializeRefusesExistingProject(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "popeye.yml"), []byte("old"), 0o644))

	_, err := Initialize(root, Options{Language: "go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "project already initialized")

	content, err := os.ReadFile(filepath.Join(root, "popeye.yml"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(content), "nothing is overwritten without --force")

	_, err = Initialize(root, Options{Language: "go", Force: true})
	require.NoError(t, err)
	_, err = config.Load(filepath.Join(root, "popeye.yml"))
	assert.NoError(t, err)
}

func TestEnsureGitignore(t *testing.T) {
	tests := []struct {
		name        string
		existing    string
		wantChanged bool
		want        string
	}{
		{name: "appends after content without newline", existing: "bin", wantChanged: true, want: "bin\n.popeye/\n"},
		{name: "appends after content", existing: "bin/\n", wantChanged: true, want: "bin/\n.popeye/\n"},
		{name: "already present", existing: "bin/\n.popeye/\n", want: "bin/\n.popeye/\n"},
		{name: "anchored form counts", existing: "/.popeye\n", want: "/.popeye\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			path := filepath.Join(root, ".gitignore")
			require.NoError(t, os.WriteFile(path, []byte(tt.existing), 0o644))

			changed, err := ensureGitignore(root)
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, changed)

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
