// Package store is the content-addressed, versioned, immutable artifact store.
//
// Layout under the store root:
//
//	<phase-slug>/<type>[-<qualifier>]-v<version>-<id8>.<md|json>   artifact content
//	entries.jsonl                                                  append-only entry log
//	edges.jsonl                                                    append-only dependency edges
//	INDEX.json                                                     latest entry per group
//
// Writes are serialized by the store itself. Callers fanning out across
// goroutines never coordinate version assignment.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// EntriesFile is the append-only entry log, one JSON entry per line.
	EntriesFile = "entries.jsonl"
	edgesFile   = "edges.jsonl"
	// IndexFile is the name of the index artifact rebuilt by UpdateIndex.
	IndexFile = "INDEX.json"
)

var (
	// ErrNotFound is returned when no artifact matches the lookup.
	ErrNotFound = errors.New("artifact not found")
	// ErrHashMismatch is returned when stored content no longer matches its digest.
	ErrHashMismatch = errors.New("artifact content does not match recorded sha256")
	// ErrCycle is returned when a depends_on edge would close a cycle.
	ErrCycle = errors.New("depends_on edge would create a cycle")
)

// Store is the file-backed artifact store.
type Store struct {
	mu        sync.Mutex
	dir       string
	entries   []artifact.ArtifactEntry
	byID      map[string]int
	groups    map[string][]int // group id -> entry indexes in version order
	edges     []artifact.DependencyEdge
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sends an artifact_created event for every write.
func WithPublisher(p events.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = logging.Component(l, "store") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the store rooted at dir and replays its logs.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		byID:      make(map[string]int),
		groups:    make(map[string][]int),
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.replayEntries(); err != nil {
		return nil, err
	}
	if err := s.replayEdges(); err != nil {
		return nil, err
	}

	return s, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// AbsPath returns the absolute location of an artifact's content.
func (s *Store) AbsPath(ref artifact.ArtifactRef) string {
	return filepath.Join(s.dir, ref.Path)
}

// ToArtifactRef converts a stored entry into its lightweight reference.
func ToArtifactRef(entry artifact.ArtifactEntry) artifact.ArtifactRef {
	return entry.Ref()
}

// writeOptions collects per-write settings.
type writeOptions struct {
	group     string
	qualifier string
	producer  string
	dependsOn []artifact.ArtifactRef
}

// WriteOption configures a single write.
type WriteOption func(*writeOptions)

// WithGroup sets the group id explicitly.
func WithGroup(group string) WriteOption {
	return func(o *writeOptions) { o.group = group }
}

// WithQualifier distinguishes artifacts of one type, e.g. one role plan per
// role. The default group becomes "<type>:<qualifier>".
func WithQualifier(q string) WriteOption {
	return func(o *writeOptions) { o.qualifier = q }
}

// WithProducer records the role that produced the artifact.
func WithProducer(role string) WriteOption {
	return func(o *writeOptions) { o.producer = role }
}

// WithDependsOn records depends_on edges from the new artifact to refs.
func WithDependsOn(refs ...artifact.ArtifactRef) WriteOption {
	return func(o *writeOptions) { o.dependsOn = append(o.dependsOn, refs...) }
}

// GroupFor returns the default group id for a type and optional qualifier.
func GroupFor(t artifact.Type, qualifier string) string {
	if qualifier == "" {
		return string(t)
	}
	return string(t) + ":" + qualifier
}

// CreateAndStoreText stores markdown content as a new artifact version.
func (s *Store) CreateAndStoreText(ctx context.Context, t artifact.Type, content string, ph phase.Phase, opts ...WriteOption) (artifact.ArtifactEntry, error) {
	return s.create(ctx, t, artifact.ContentMarkdown, []byte(content), ph, opts)
}

// CreateAndStoreJSON stores obj as indented JSON in a new artifact version.
func (s *Store) CreateAndStoreJSON(ctx context.Context, t artifact.Type, obj any, ph phase.Phase, opts ...WriteOption) (artifact.ArtifactEntry, error) {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return artifact.ArtifactEntry{}, fmt.Errorf("failed to marshal %s artifact: %w", t, err)
	}
	return s.create(ctx, t, artifact.ContentJSON, append(data, '\n'), ph, opts)
}

func (s *Store) create(ctx context.Context, t artifact.Type, ct artifact.ContentType, data []byte, ph phase.Phase, opts []WriteOption) (artifact.ArtifactEntry, error) {
	if err := t.Validate(); err != nil {
		return artifact.ArtifactEntry{}, err
	}
	if err := ph.Validate(); err != nil {
		return artifact.ArtifactEntry{}, err
	}

	var wo writeOptions
	for _, opt := range opts {
		opt(&wo)
	}
	group := wo.group
	if group == "" {
		group = GroupFor(t, wo.qualifier)
	}

	entry, err := s.commit(t, ct, data, ph, group, wo)
	if err != nil {
		return artifact.ArtifactEntry{}, err
	}

	logging.Event(s.logger, "artifact_stored",
		zap.String("artifact_id", entry.ArtifactID),
		zap.String("type", string(entry.Type)),
		zap.String("group_id", entry.GroupID),
		zap.Int("version", entry.Version),
		zap.String("phase", string(entry.Phase)),
		zap.String("sha256", entry.SHA256),
	)

	ref := entry.Ref()
	if err := s.publisher.Publish(ctx, events.Event{
		Kind:     events.KindArtifactCreated,
		Phase:    ph,
		Artifact: &ref,
	}); err != nil {
		logging.Warn(s.logger, "artifact_event_publish_failed", zap.Error(err))
	}

	return entry, nil
}

// commit is the critical section: version assignment, file write and log append.
func (s *Store) commit(t artifact.Type, ct artifact.ContentType, data []byte, ph phase.Phase, group string, wo writeOptions) (artifact.ArtifactEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	var previous *artifact.ArtifactEntry
	if idx := s.groups[group]; len(idx) > 0 {
		prev := s.entries[idx[len(idx)-1]]
		previous = &prev
		version = prev.Version + 1
	}

	id := uuid.New().String()
	name := string(t)
	if q := sanitize(wo.qualifier); q != "" {
		name += "-" + q
	}
	relPath := filepath.Join(ph.Slug(), fmt.Sprintf("%s-v%d-%s%s", name, version, id[:8], ct.Extension()))

	entry := artifact.ArtifactEntry{
		ArtifactID:  id,
		Path:        relPath,
		SHA256:      artifact.Hash(data),
		Version:     version,
		Type:        t,
		Phase:       ph,
		Timestamp:   s.now(),
		ContentType: ct,
		GroupID:     group,
		ProducedBy:  wo.producer,
		Immutable:   true,
	}
	if previous != nil {
		entry.PreviousID = previous.ArtifactID
	}
	if err := entry.Validate(); err != nil {
		return artifact.ArtifactEntry{}, fmt.Errorf("invalid artifact entry: %w", err)
	}

	var edges []artifact.DependencyEdge
	if previous != nil {
		edge, err := s.checkEdgeLocked(entry.Ref(), previous.Ref(), artifact.Supersedes)
		if err != nil {
			return artifact.ArtifactEntry{}, err
		}
		edges = append(edges, edge)
	}
	for _, dep := range wo.dependsOn {
		edge, err := s.checkEdgeLocked(entry.Ref(), dep, artifact.DependsOn)
		if err != nil {
			return artifact.ArtifactEntry{}, err
		}
		edges = append(edges, edge)
	}

	absPath := filepath.Join(s.dir, relPath)
	if err := writeExclusive(absPath, data); err != nil {
		return artifact.ArtifactEntry{}, err
	}

	// The entry line is the commit point. Edges go first so a committed entry
	// always has its lineage; edges of an entry that never committed are
	// dropped on replay.
	for _, edge := range edges {
		if err := appendJSONLine(filepath.Join(s.dir, edgesFile), edge); err != nil {
			os.Remove(absPath)
			return artifact.ArtifactEntry{}, fmt.Errorf("failed to record edge: %w", err)
		}
	}
	if err := appendJSONLine(filepath.Join(s.dir, EntriesFile), entry); err != nil {
		os.Remove(absPath)
		return artifact.ArtifactEntry{}, fmt.Errorf("failed to record artifact entry: %w", err)
	}

	s.index(entry)
	s.edges = append(s.edges, edges...)

	return entry, nil
}

func (s *Store) index(entry artifact.ArtifactEntry) {
	s.entries = append(s.entries, entry)
	i := len(s.entries) - 1
	s.byID[entry.ArtifactID] = i
	s.groups[entry.GroupID] = append(s.groups[entry.GroupID], i)
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (artifact.ArtifactEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byID[id]
	if !ok {
		return artifact.ArtifactEntry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.entries[i], nil
}

// Latest returns the highest version stored for a group.
func (s *Store) Latest(group string) (artifact.ArtifactEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.groups[group]
	if len(idx) == 0 {
		return artifact.ArtifactEntry{}, false
	}
	return s.entries[idx[len(idx)-1]], true
}

// Lineage returns every version of a group in ascending version order.
func (s *Store) Lineage(group string) []artifact.ArtifactEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.groups[group]
	out := make([]artifact.ArtifactEntry, len(idx))
	for i, j := range idx {
		out[i] = s.entries[j]
	}
	return out
}

// Entries returns a copy of every stored entry in write order.
func (s *Store) Entries() []artifact.ArtifactEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]artifact.ArtifactEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByType returns every entry of the given type in write order.
func (s *Store) ByType(t artifact.Type) []artifact.ArtifactEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []artifact.ArtifactEntry
	for _, e := range s.entries {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// MatchPrefix returns the ids of all entries starting with prefix.
func (s *Store) MatchPrefix(prefix string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, e := range s.entries {
		if strings.HasPrefix(e.ArtifactID, prefix) {
			out = append(out, e.ArtifactID)
		}
	}
	sort.Strings(out)
	return out
}

// ReadContent reads an artifact's content and verifies its digest.
func (s *Store) ReadContent(ref artifact.ArtifactRef) ([]byte, error) {
	data, err := os.ReadFile(s.AbsPath(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", ref.ArtifactID, err)
	}
	if artifact.Hash(data) != ref.SHA256 {
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, ref.Path)
	}
	return data, nil
}

// ReadJSON decodes a JSON artifact into v.
func (s *Store) ReadJSON(ref artifact.ArtifactRef, v any) error {
	data, err := s.ReadContent(ref)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode artifact %s: %w", ref.ArtifactID, err)
	}
	return nil
}

// Verify re-hashes every stored artifact and returns one error per problem.
func (s *Store) Verify() []error {
	var problems []error
	for _, e := range s.Entries() {
		if _, err := s.ReadContent(e.Ref()); err != nil {
			problems = append(problems, err)
		}
	}
	return problems
}

// IndexDocument is the content of INDEX.json.
type IndexDocument struct {
	GeneratedAt time.Time                `json:"generated_at"`
	Count       int                      `json:"count"`
	Entries     []artifact.ArtifactEntry `json:"entries"`
}

// UpdateIndex rewrites INDEX.json with the latest version of every group found
// in entries. Returns the index path.
func (s *Store) UpdateIndex(entries []artifact.ArtifactEntry) (string, error) {
	latest := make(map[string]artifact.ArtifactEntry)
	for _, e := range entries {
		if cur, ok := latest[e.GroupID]; !ok || e.Version > cur.Version {
			latest[e.GroupID] = e
		}
	}

	doc := IndexDocument{
		GeneratedAt: s.now(),
		Entries:     make([]artifact.ArtifactEntry, 0, len(latest)),
	}
	for _, e := range latest {
		doc.Entries = append(doc.Entries, e)
	}
	sort.Slice(doc.Entries, func(i, j int) bool {
		a, b := doc.Entries[i], doc.Entries[j]
		if a.Phase.Order() != b.Phase.Order() {
			return a.Phase.Order() < b.Phase.Order()
		}
		return a.GroupID < b.GroupID
	})
	doc.Count = len(doc.Entries)

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal index: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, IndexFile)
	if err := WriteFileAtomic(path, append(data, '\n')); err != nil {
		return "", fmt.Errorf("failed to write index: %w", err)
	}
	return path, nil
}

// ReadIndex loads INDEX.json.
func (s *Store) ReadIndex() (*IndexDocument, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, IndexFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	var doc IndexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}
	return &doc, nil
}

func (s *Store) replayEntries() error {
	return readJSONLines(filepath.Join(s.dir, EntriesFile), func(line []byte) error {
		var e artifact.ArtifactEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt entry log: %w", err)
		}
		s.index(e)
		return nil
	})
}

func (s *Store) replayEdges() error {
	return readJSONLines(filepath.Join(s.dir, edgesFile), func(line []byte) error {
		var e artifact.DependencyEdge
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("corrupt edge log: %w", err)
		}
		if _, ok := s.byID[e.From.ArtifactID]; !ok {
			return nil
		}
		s.edges = append(s.edges, e)
		return nil
	})
}

func readJSONLines(path string, fn func([]byte) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// writeExclusive creates path and fails if it already exists. Artifact files
// are never overwritten.
func writeExclusive(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o444)
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write artifact file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to close artifact file: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data to a temp file in the same directory and renames
// it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
