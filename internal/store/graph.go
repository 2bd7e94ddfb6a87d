package store

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fortisil/popeye/pkg/artifact"
)

// AddEdge records a relationship between two stored artifacts. depends_on
// edges that would close a cycle are rejected with ErrCycle.
func (s *Store) AddEdge(from, to artifact.ArtifactRef, rel artifact.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[from.ArtifactID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, from.ArtifactID)
	}
	if _, ok := s.byID[to.ArtifactID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, to.ArtifactID)
	}
	return s.addEdgeLocked(from, to, rel)
}

func (s *Store) addEdgeLocked(from, to artifact.ArtifactRef, rel artifact.Relationship) error {
	edge, err := s.checkEdgeLocked(from, to, rel)
	if err != nil {
		return err
	}
	if err := appendJSONLine(filepath.Join(s.dir, edgesFile), edge); err != nil {
		return fmt.Errorf("failed to record edge: %w", err)
	}
	s.edges = append(s.edges, edge)
	return nil
}

// checkEdgeLocked validates an edge without recording it.
func (s *Store) checkEdgeLocked(from, to artifact.ArtifactRef, rel artifact.Relationship) (artifact.DependencyEdge, error) {
	if err := rel.Validate(); err != nil {
		return artifact.DependencyEdge{}, err
	}
	if rel == artifact.DependsOn {
		if from.ArtifactID == to.ArtifactID || s.reachableLocked(to.ArtifactID, from.ArtifactID) {
			return artifact.DependencyEdge{}, fmt.Errorf("%w: %s -> %s", ErrCycle, from.ShortID(), to.ShortID())
		}
	}
	return artifact.DependencyEdge{From: from, To: to, Relationship: rel}, nil
}

// reachableLocked reports whether target is reachable from start by
// following depends_on edges forward.
func (s *Store) reachableLocked(start, target string) bool {
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == target {
			return true
		}
		for _, e := range s.edges {
			if e.Relationship != artifact.DependsOn || e.From.ArtifactID != cur {
				continue
			}
			if next := e.To.ArtifactID; !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Edges returns a copy of every recorded edge.
func (s *Store) Edges() []artifact.DependencyEdge {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]artifact.DependencyEdge, len(s.edges))
	copy(out, s.edges)
	return out
}

// Dependencies returns the direct depends_on targets of an artifact.
func (s *Store) Dependencies(id string) []artifact.ArtifactRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []artifact.ArtifactRef
	for _, e := range s.edges {
		if e.Relationship == artifact.DependsOn && e.From.ArtifactID == id {
			out = append(out, e.To)
		}
	}
	return out
}

// Dependents returns every artifact that transitively depends on id, in
// artifact id order. Used to find what a revised artifact invalidates.
func (s *Store) Dependents(id string) []artifact.ArtifactRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := make(map[string]artifact.ArtifactRef)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range s.edges {
			if e.Relationship != artifact.DependsOn || e.To.ArtifactID != cur {
				continue
			}
			if _, ok := found[e.From.ArtifactID]; ok || e.From.ArtifactID == id {
				continue
			}
			found[e.From.ArtifactID] = e.From
			queue = append(queue, e.From.ArtifactID)
		}
	}

	out := make([]artifact.ArtifactRef, 0, len(found))
	for _, ref := range found {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArtifactID < out[j].ArtifactID })
	return out
}
