// Package catalog lists and inspects the artifacts of a run for the CLI.
package catalog

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fortisil/popeye/internal/filter"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/pkg/artifact"
	"go.uber.org/zap"
)

// OutputFormat specifies how to format the artifact list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with a one-line summary.
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete entries as line-delimited JSON.
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Validate checks if the OutputFormat is a valid enum value.
func (f OutputFormat) Validate() error {
	switch f {
	case OutputFormatDefault, OutputFormatJSONL:
		return nil
	default:
		return fmt.Errorf("unknown output format: %s", f)
	}
}

// Source is the read side of the artifact store.
type Source interface {
	Entries() []artifact.ArtifactEntry
	ReadContent(ref artifact.ArtifactRef) ([]byte, error)
}

// Lister writes artifact listings.
type Lister struct {
	source Source
	logger *zap.Logger
	now    func() time.Time
}

// NewLister creates a Lister over source. A nil logger discards warnings.
func NewLister(source Source, logger *zap.Logger) *Lister {
	return &Lister{
		source: source,
		logger: logging.Component(logger, "catalog"),
		now:    time.Now,
	}
}

// List writes every entry matching filters, oldest first.
// Artifacts whose content cannot be read are still listed; their summary
// reads "<unreadable>" and a warning is logged.
func (l *Lister) List(format OutputFormat, filters *filter.Criteria, w io.Writer) error {
	if err := format.Validate(); err != nil {
		return err
	}

	entries := l.source.Entries()
	if filters != nil {
		entries = filters.Apply(entries)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})

	if format == OutputFormatJSONL {
		if err := FormatJSONL(w, entries); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
		return nil
	}

	rows := make([]Row, len(entries))
	for i, e := range entries {
		rows[i] = Row{Entry: e, Summary: l.summary(e)}
	}
	FormatTable(w, rows, l.now())
	return nil
}

func (l *Lister) summary(e artifact.ArtifactEntry) string {
	content, err := l.source.ReadContent(e.Ref())
	if err != nil {
		logging.Warn(l.logger, "artifact_unreadable",
			zap.String("artifact_id", e.ArtifactID),
			zap.String("path", e.Path),
			zap.Error(err))
		return "<unreadable>"
	}
	return summarize(e.ContentType, content)
}
