package catalog

import (
	"fmt"
	"io"

	"github.com/fortisil/popeye/internal/resolver"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
)

// Detail is the full view of one artifact.
type Detail struct {
	artifact.ArtifactEntry
	DependsOn  []artifact.ArtifactRef `json:"depends_on"`
	Dependents []artifact.ArtifactRef `json:"dependents"`
}

// Describe resolves id (full or short) and returns its entry with the
// artifacts it depends on and those that transitively depend on it.
func Describe(s *store.Store, id string) (*Detail, error) {
	e, err := resolver.ResolveArtifact(s, id)
	if err != nil {
		return nil, err
	}
	return &Detail{
		ArtifactEntry: e,
		DependsOn:     nonNil(s.Dependencies(e.ArtifactID)),
		Dependents:    nonNil(s.Dependents(e.ArtifactID)),
	}, nil
}

// GetArtifact writes one artifact as pretty-printed JSON. With content set, the
// verified artifact content is written instead.
func GetArtifact(s *store.Store, id string, content bool, w io.Writer) error {
	d, err := Describe(s, id)
	if err != nil {
		return err
	}

	if !content {
		return FormatSingleJSON(w, d)
	}

	data, err := s.ReadContent(d.Ref())
	if err != nil {
		return fmt.Errorf("failed to read artifact content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write artifact content: %w", err)
	}
	return nil
}

func nonNil(refs []artifact.ArtifactRef) []artifact.ArtifactRef {
	if refs == nil {
		return []artifact.ArtifactRef{}
	}
	return refs
}
