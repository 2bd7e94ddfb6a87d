package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// Lookup is the part of the artifact store the resolver needs.
type Lookup interface {
	Get(id string) (artifact.ArtifactEntry, error)
	MatchPrefix(prefix string) []string
}

// ResolveArtifact resolves a full id or a short id prefix to its entry.
//
// The function handles three cases:
//  1. Input is already a full UUID (36 chars, 4 hyphens) - looked up directly
//  2. Input is too short (< 6 chars) - returns a validation error
//  3. Input is a short prefix - must match exactly one stored artifact
func ResolveArtifact(s Lookup, shortID string) (artifact.ArtifactEntry, error) {
	shortID = strings.ToLower(strings.TrimSpace(shortID))

	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		e, err := s.Get(shortID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return artifact.ArtifactEntry{}, &NotFoundError{ShortID: shortID}
			}
			return artifact.ArtifactEntry{}, fmt.Errorf("failed to look up artifact: %w", err)
		}
		return e, nil
	}

	if len(shortID) < MinShortIDLength {
		return artifact.ArtifactEntry{}, fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches := s.MatchPrefix(shortID)
	switch len(matches) {
	case 0:
		return artifact.ArtifactEntry{}, &NotFoundError{ShortID: shortID}
	case 1:
		e, err := s.Get(matches[0])
		if err != nil {
			return artifact.ArtifactEntry{}, fmt.Errorf("failed to look up artifact: %w", err)
		}
		return e, nil
	default:
		return artifact.ArtifactEntry{}, &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no artifacts matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no artifacts found matching '%s'", e.ShortID)
}

// AmbiguousError indicates multiple artifacts matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d artifacts", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError creates a user-friendly error message for ambiguous short IDs.
// Lists up to 10 matching ids, then "...and N more".
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous short ID '%s' matches %d artifacts:\n", err.ShortID, len(err.Matches))

	shown := min(len(err.Matches), 10)
	for _, id := range err.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-shown)
	}

	b.WriteString("\nUse a longer prefix to uniquely identify the artifact.")
	return b.String()
}

// IsNotFoundError checks if an error is a NotFoundError.
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguousError checks if an error is an AmbiguousError.
func IsAmbiguousError(err error) bool {
	var amb *AmbiguousError
	return errors.As(err, &amb)
}
