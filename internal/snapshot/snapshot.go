// Package snapshot captures reproducible fingerprints of a project tree and
// diffs them to detect drift between pipeline phases.
//
// Generate has no side effects on the scanned tree. Two snapshots of an
// unmodified tree are identical except for SnapshotID and Timestamp.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fortisil/popeye/internal/git"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/google/uuid"
)

// alwaysSkipped directories are never scanned, regardless of ignore files.
var alwaysSkipped = map[string]bool{
	".git":         true,
	".popeye":      true,
	"node_modules": true,
	"vendor":       true,
}

// DirSummary counts files under one top-level directory. "." holds files at
// the root.
type DirSummary struct {
	Dir   string `json:"dir"`
	Files int    `json:"files"`
}

// RepoSnapshot is a point-in-time fingerprint of a project tree.
type RepoSnapshot struct {
	SnapshotID        string            `json:"snapshot_id"`
	Timestamp         time.Time         `json:"timestamp"`
	GitHead           string            `json:"git_head,omitempty"`
	TreeSummary       []DirSummary      `json:"tree_summary"`
	ConfigFiles       []string          `json:"config_files"`
	LanguagesDetected []string          `json:"languages_detected"`
	Scripts           map[string]string `json:"scripts"`
	EnvFiles          []string          `json:"env_files"`
	MigrationsPresent bool              `json:"migrations_present"`
	PortsEntrypoints  []string          `json:"ports_entrypoints"`
	TotalFiles        int               `json:"total_files"`
	TotalLines        int               `json:"total_lines"`
	Files             []string          `json:"files"`
	ConfigHashes      map[string]string `json:"config_hashes"`
}

type options struct {
	now      func() time.Time
	newID    func() string
	extra    []string
	gitHead  bool
	maxBytes int64
}

// Option configures Generate.
type Option func(*options)

// WithClock overrides the snapshot timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides the snapshot id source.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithIgnore adds gitignore-style patterns on top of the tree's own ignore files.
func WithIgnore(patterns ...string) Option {
	return func(o *options) { o.extra = append(o.extra, patterns...) }
}

// WithGitHead records the repository HEAD commit in the snapshot.
func WithGitHead(enabled bool) Option {
	return func(o *options) { o.gitHead = enabled }
}

// WithMaxLineCountBytes skips line counting for files larger than n bytes.
func WithMaxLineCountBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// Generate scans root and returns its snapshot.
func Generate(root string, opts ...Option) (*RepoSnapshot, error) {
	o := options{
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
		gitHead:  true,
		maxBytes: 2 << 20,
	}
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("snapshot root %s is not a directory", root)
	}

	matcher, err := loadMatcher(root, o.extra)
	if err != nil {
		return nil, err
	}

	sc := newScanner(root, o.maxBytes)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		parts := strings.Split(rel, "/")

		if d.IsDir() {
			if alwaysSkipped[d.Name()] || matcher.Match(parts, true) {
				return filepath.SkipDir
			}
			sc.visitDir(rel, d.Name())
			return nil
		}
		if !d.Type().IsRegular() || matcher.Match(parts, false) {
			return nil
		}
		return sc.visitFile(rel, path)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	snap := sc.result()
	snap.SnapshotID = o.newID()
	snap.Timestamp = o.now()

	if o.gitHead {
		head, err := git.NewChecker(root).Head()
		if err == nil {
			snap.GitHead = head
		}
	}

	return snap, nil
}

// loadMatcher reads every .gitignore under root (and .git/info/exclude).
func loadMatcher(root string, extra []string) (gitignore.Matcher, error) {
	patterns, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore files: %w", err)
	}
	for _, p := range extra {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}
	return gitignore.NewMatcher(patterns), nil
}

// Fingerprint hashes the snapshot with its id and timestamp cleared. Equal
// fingerprints mean the scanned trees were structurally identical.
func Fingerprint(s *RepoSnapshot) string {
	if s == nil {
		return ""
	}
	c := *s
	c.SnapshotID = ""
	c.Timestamp = time.Time{}
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
