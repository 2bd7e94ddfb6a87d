package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fortisil/popeye/pkg/artifact"
)

// Row is one artifact as shown by the table formatter.
type Row struct {
	Entry   artifact.ArtifactEntry
	Summary string
}

// FormatTable writes rows as a formatted table to the provided writer.
// Columns: ID, VER, TYPE, PHASE, BY, AGE, SUMMARY (truncated).
// Returns the number of rows formatted.
func FormatTable(w io.Writer, rows []Row, now time.Time) int {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No artifacts found")
		return 0
	}

	fmt.Fprintf(w, "%-10s %-5s %-22s %-24s %-10s %-8s %s\n",
		"ID", "VER", "TYPE", "PHASE", "BY", "AGE", "SUMMARY")
	fmt.Fprintf(w, "%-10s %-5s %-22s %-24s %-10s %-8s %s\n",
		"----------", "-----", "----------------------", "------------------------", "----------", "--------", "----------------------------------------")

	for _, r := range rows {
		fmt.Fprintf(w, "%-10s %-5s %-22s %-24s %-10s %-8s %s\n",
			r.Entry.Ref().ShortID(),
			formatVersion(r.Entry.Version),
			formatType(r.Entry.Type),
			r.Entry.Phase,
			formatProducedBy(r.Entry.ProducedBy),
			formatAge(r.Entry.Timestamp, now),
			r.Summary,
		)
	}

	noun := "artifact"
	if len(rows) != 1 {
		noun = "artifacts"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(rows), noun)

	return len(rows)
}

// FormatJSONL writes entries as line-delimited JSON, one entry per line.
func FormatJSONL(w io.Writer, entries []artifact.ArtifactEntry) error {
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes v as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact to JSON: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	return nil
}

// summarize returns the first meaningful line of markdown content, at most 40
// characters. JSON content is summarized by its top-level keys.
func summarize(ct artifact.ContentType, content []byte) string {
	if ct == artifact.ContentJSON {
		return summarizeJSON(content)
	}

	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "#"))
		if trimmed != "" {
			return truncate(trimmed, 40)
		}
	}
	return "-"
}

func summarizeJSON(content []byte) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(content, &obj); err != nil || len(obj) == 0 {
		return "-"
	}
	for _, key := range []string{"status", "verdict", "decision", "passed", "title"} {
		if raw, ok := obj[key]; ok {
			return truncate(key+"="+strings.Trim(string(raw), `"`), 40)
		}
	}
	return fmt.Sprintf("{%d keys}", len(obj))
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

// formatType truncates long type names for compact display.
func formatType(t artifact.Type) string {
	switch t {
	case artifact.TypeProductionReadiness:
		return "readiness"
	case artifact.TypeImplementationLog:
		return "impl_log"
	}
	return truncate(string(t), 22)
}

// formatProducedBy returns "-" for artifacts produced by the pipeline itself.
func formatProducedBy(role string) string {
	if role == "" {
		return "-"
	}
	return role
}

// formatVersion shows "v2", "v3", ... and "-" for first versions.
func formatVersion(version int) string {
	if version <= 1 {
		return "-"
	}
	return fmt.Sprintf("v%d", version)
}

// formatAge renders t relative to now, like "2m ago".
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
