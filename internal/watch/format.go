package watch

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fortisil/popeye/internal/events"
)

// OutputFormat specifies how watch renders events.
type OutputFormat string

const (
	// OutputFormatDefault is human-readable output with timestamps and emojis.
	OutputFormatDefault OutputFormat = "default"
	// OutputFormatJSON is one JSON object per line.
	OutputFormatJSON OutputFormat = "json"
)

// Formatter renders pipeline events.
type Formatter interface {
	Format(ev events.Event) error
}

// NewFormatter returns the formatter for format writing to w.
func NewFormatter(format OutputFormat, w io.Writer) (Formatter, error) {
	switch format {
	case OutputFormatDefault, "":
		return &defaultFormatter{writer: w}, nil
	case OutputFormatJSON:
		return &jsonFormatter{writer: w}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
}

type defaultFormatter struct {
	writer io.Writer
}

func (f *defaultFormatter) Format(ev events.Event) error {
	var line string
	switch ev.Kind {
	case events.KindArtifactCreated:
		line = "✨ Artifact created"
		if a := ev.Artifact; a != nil {
			line += fmt.Sprintf(": type=%s version=%d id=%s", a.Type, a.Version, a.ShortID())
		}
		if ev.Phase != "" {
			line += fmt.Sprintf(" phase=%s", ev.Phase)
		}
	case events.KindPhaseTransition:
		line = fmt.Sprintf("➡️  Phase: %s → %s", ev.From, ev.To)
		if ev.Message != "" {
			line += fmt.Sprintf(" (%s)", ev.Message)
		}
	case events.KindConsensusCompleted:
		line = fmt.Sprintf("🗳️  Consensus: phase=%s %s", ev.Phase, ev.Message)
	case events.KindChangeRequest:
		line = fmt.Sprintf("📝 Change request: %s", ev.Message)
	case events.KindPipelineHalted:
		line = haltedLine(ev)
	default:
		line = fmt.Sprintf("• %s %s", ev.Kind, ev.Message)
	}

	_, err := fmt.Fprintf(f.writer, "[%s] %s\n", ev.Timestamp.Local().Format("15:04:05"), strings.TrimSpace(line))
	return err
}

func haltedLine(ev events.Event) string {
	switch ev.Status {
	case "done":
		return fmt.Sprintf("🎉 Pipeline completed: run=%s", ev.RunID)
	case "stuck":
		return fmt.Sprintf("🛑 Pipeline stuck at %s: %s", ev.Phase, ev.Message)
	case "cancelled":
		return fmt.Sprintf("⏸️  Pipeline cancelled at %s: %s", ev.Phase, ev.Message)
	default:
		return fmt.Sprintf("Pipeline halted at %s: %s", ev.Phase, ev.Message)
	}
}

type jsonFormatter struct {
	writer io.Writer
}

func (f *jsonFormatter) Format(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = fmt.Fprintf(f.writer, "%s\n", data)
	return err
}
