// Package printer writes human-facing CLI output. Failures are rendered on
// stderr as a title, an explanation, optional context and suggested fixes;
// the returned error carries only the title.
package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
)

func init() {
	// Colors stay on when piped; NO_COLOR turns them off.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

const (
	successMark = "✓"
	warningMark = "⚠️"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)

	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects regular and error output. Nil writers restore the
// process defaults.
func SetOutput(out, errOut io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	stdout, stderr = out, errOut
}

// marked prints msg in c, adding mark unless the message already starts with it.
func marked(c *color.Color, mark, sep, msg string) {
	if strings.HasPrefix(msg, mark) {
		c.Fprint(stdout, msg)
		return
	}
	c.Fprint(stdout, mark+sep+msg)
}

// Success reports a completed action in green.
func Success(format string, a ...any) {
	marked(green, successMark, " ", fmt.Sprintf(format, a...))
}

// Info prints uncolored text.
func Info(format string, a ...any) {
	fmt.Fprintf(stdout, format, a...)
}

// Warning reports a non-fatal problem in yellow.
func Warning(format string, a ...any) {
	marked(yellow, warningMark, "  ", fmt.Sprintf(format, a...))
}

// Error is ErrorWithContext without context lines.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext renders a failure on stderr and returns an error holding
// only title, so cobra (with SilenceErrors) prints nothing twice. Context
// keys are printed in sorted order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	w := stderr
	red.Fprintf(w, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintln(w, explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(w, "\n%s\n", suggestions[0])
	default:
		fmt.Fprint(w, "\nEither:\n")
		for i, s := range suggestions {
			fmt.Fprintf(w, "  %d. %s\n", i+1, s)
		}
	}

	return fmt.Errorf("%s", title)
}

// Step announces one stage of a longer operation.
func Step(format string, a ...any) {
	cyan.Fprint(stdout, "→ "+fmt.Sprintf(format, a...))
}

// Field prints an aligned "label: value" line with a bold label.
func Field(label string, value any) {
	bold.Fprintf(stdout, "%-16s", label+":")
	fmt.Fprintf(stdout, " %v\n", value)
}

// Status renders a run status or gate outcome in its color.
func Status(s string) string {
	switch strings.ToLower(s) {
	case "done", "pass", "passed", "approved":
		return green.Sprint(s)
	case "running", "proposed":
		return cyan.Sprint(s)
	case "cancelled", "skip", "skipped", "rejected":
		return yellow.Sprint(s)
	case "stuck", "fail", "failed":
		return red.Sprint(s)
	default:
		return s
	}
}

// Println writes a plain line.
func Println(a ...any) {
	fmt.Fprintln(stdout, a...)
}

// Printf writes plain formatted text.
func Printf(format string, a ...any) {
	fmt.Fprintf(stdout, format, a...)
}
