package filter

import (
	"path/filepath"
	"time"

	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
)

// Criteria defines filtering criteria for artifact entries.
// All filters are ANDed together - an entry must match ALL criteria to pass.
type Criteria struct {
	Since    time.Time   // zero = no lower bound
	Until    time.Time   // zero = no upper bound
	TypeGlob string      // glob pattern for the artifact type, empty = no filter
	Producer string      // exact match on produced_by, empty = no filter
	Phase    phase.Phase // exact match on the producing phase, empty = no filter
	Latest   bool        // only the highest version of each group
}

// Matches returns true if the entry matches all per-entry criteria.
// Latest is a set-level criterion and is applied by Apply.
func (c *Criteria) Matches(e artifact.ArtifactEntry) bool {
	if !c.Since.IsZero() && e.Timestamp.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && e.Timestamp.After(c.Until) {
		return false
	}

	if c.TypeGlob != "" {
		matched, err := filepath.Match(c.TypeGlob, string(e.Type))
		if err != nil || !matched {
			return false
		}
	}

	if c.Producer != "" && e.ProducedBy != c.Producer {
		return false
	}
	if c.Phase != "" && e.Phase != c.Phase {
		return false
	}

	return true
}

// Apply returns the entries that match, preserving their order.
func (c *Criteria) Apply(entries []artifact.ArtifactEntry) []artifact.ArtifactEntry {
	var latest map[string]int
	if c.Latest {
		latest = make(map[string]int)
		for _, e := range entries {
			if e.Version > latest[e.GroupID] {
				latest[e.GroupID] = e.Version
			}
		}
	}

	out := make([]artifact.ArtifactEntry, 0, len(entries))
	for _, e := range entries {
		if latest != nil && e.Version != latest[e.GroupID] {
			continue
		}
		if c.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() ||
		!c.Until.IsZero() ||
		c.TypeGlob != "" ||
		c.Producer != "" ||
		c.Phase != "" ||
		c.Latest
}
