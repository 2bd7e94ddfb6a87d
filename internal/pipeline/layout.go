package pipeline

import "path/filepath"

// WorkDir is the per-project directory holding run state and artifacts.
const WorkDir = ".popeye"

// Layout locates the files of a project's work directory.
type Layout struct {
	Root string
}

// NewLayout returns the layout for the project rooted at root.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// Dir is <root>/.popeye.
func (l Layout) Dir() string { return filepath.Join(l.Root, WorkDir) }

// StoreDir is the artifact store root.
func (l Layout) StoreDir() string { return filepath.Join(l.Dir(), "artifacts") }

// StatePath is the persisted pipeline state.
func (l Layout) StatePath() string { return filepath.Join(l.Dir(), "state.json") }

// LockPath is the single-run lock file.
func (l Layout) LockPath() string { return filepath.Join(l.Dir(), "run.lock") }

// Resolve makes a project-relative path absolute. Absolute paths are kept.
func (l Layout) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(l.Root, path)
}
