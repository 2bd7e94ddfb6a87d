package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	base := &RepoSnapshot{
		Files:             []string{"a.go", "b.go", "go.mod"},
		ConfigHashes:      map[string]string{"go.mod": "h1"},
		LanguagesDetected: []string{"Go"},
		TotalLines:        100,
	}

	tests := []struct {
		name      string
		mutate    func(s *RepoSnapshot)
		wantDrift bool
		check     func(t *testing.T, d SnapshotDiff)
	}{
		{
			name:      "identical",
			mutate:    func(s *RepoSnapshot) {},
			wantDrift: false,
			check: func(t *testing.T, d SnapshotDiff) {
				assert.Empty(t, d.FilesAdded)
				assert.Empty(t, d.FilesRemoved)
				assert.Empty(t, d.ConfigsChanged)
				assert.Zero(t, d.LinesDelta)
			},
		},
		{
			name:      "line count only",
			mutate:    func(s *RepoSnapshot) { s.TotalLines = 250 },
			wantDrift: false,
			check: func(t *testing.T, d SnapshotDiff) {
				assert.Equal(t, 150, d.LinesDelta)
			},
		},
		{
			name:      "file added and removed",
			mutate:    func(s *RepoSnapshot) { s.Files = []string{"a.go", "c.go", "go.mod"} },
			wantDrift: true,
			check: func(t *testing.T, d SnapshotDiff) {
				assert.Equal(t, []string{"c.go"}, d.FilesAdded)
				assert.Equal(t, []string{"b.go"}, d.FilesRemoved)
			},
		},
		{
			name:      "config content changed",
			mutate:    func(s *RepoSnapshot) { s.ConfigHashes = map[string]string{"go.mod": "h2"} },
			wantDrift: true,
			check: func(t *testing.T, d SnapshotDiff) {
				assert.Equal(t, []string{"go.mod"}, d.ConfigsChanged)
			},
		},
		{
			name:      "new language",
			mutate:    func(s *RepoSnapshot) { s.LanguagesDetected = []string{"Go", "Python"} },
			wantDrift: true,
		},
		{
			name:      "migrations appeared",
			mutate:    func(s *RepoSnapshot) { s.MigrationsPresent = true },
			wantDrift: true,
		},
		{
			name:      "script added",
			mutate:    func(s *RepoSnapshot) { s.Scripts = map[string]string{"make:test": "make test"} },
			wantDrift: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := *base
			tt.mutate(&next)

			d := Diff(base, &next)
			assert.Equal(t, tt.wantDrift, d.HasDrift)
			if tt.check != nil {
				tt.check(t, d)
			}

			// swapping arguments mirrors added/removed and keeps the verdict
			r := Diff(&next, base)
			assert.Equal(t, d.FilesAdded, r.FilesRemoved)
			assert.Equal(t, d.FilesRemoved, r.FilesAdded)
			assert.Equal(t, d.ConfigsChanged, r.ConfigsChanged)
			assert.Equal(t, -d.LinesDelta, r.LinesDelta)
			assert.Equal(t, d.HasDrift, r.HasDrift)
		})
	}
}

func TestDiffNil(t *testing.T) {
	s := &RepoSnapshot{Files: []string{"a.go"}}
	d := Diff(nil, s)
	assert.Equal(t, []string{"a.go"}, d.FilesAdded)
	assert.True(t, d.HasDrift)
	assert.False(t, Diff(nil, nil).HasDrift)
}

func TestDiffOnRealTree(t *testing.T) {
	root := writeTree(t, map[string]string{
		"go.mod":  "module x\n",
		"main.go": "package main\n",
	})
	before, err := Generate(root, fixedOpts("1")...)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "go.mod"), []byte("module x\n\nrequire y v1.0.0\n"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(root, "main.go")))
	require.NoError(t, os.WriteFile(filepath.Join(root, "server.go"), []byte("package main\n"), 0o644))

	after, err := Generate(root, fixedOpts("2")...)
	require.NoError(t, err)

	d := Diff(before, after)
	assert.True(t, d.HasDrift)
	assert.Equal(t, []string{"server.go"}, d.FilesAdded)
	assert.Equal(t, []string{"main.go"}, d.FilesRemoved)
	assert.Equal(t, []string{"go.mod"}, d.ConfigsChanged)
	assert.Equal(t, 2, d.LinesDelta)
}
