// Package validation runs the project's configured check commands (tests,
// linters, builds) for the QA phase.
package validation

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/fortisil/popeye/internal/logging"
	"go.uber.org/zap"
)

// Command is one named shell command.
type Command struct {
	Name string `yaml:"name" json:"name"`
	Run  string `yaml:"run" json:"run"`
}

// Result is the outcome of one command.
type Result struct {
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Passed   bool          `json:"passed"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Output   string        `json:"output,omitempty"`
}

// Runner executes commands sequentially in a project directory.
type Runner struct {
	dir      string
	commands []Command
	timeout  time.Duration
	maxTail  int
	logger   *zap.Logger
}

// NewRunner creates a runner. timeout bounds each command; zero means no bound.
func NewRunner(dir string, commands []Command, timeout time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		dir:      dir,
		commands: commands,
		timeout:  timeout,
		maxTail:  4000,
		logger:   logging.Component(logger, "validation"),
	}
}

// Configured reports whether any commands are configured.
func (r *Runner) Configured() bool {
	return len(r.commands) > 0
}

// Run executes every command, continuing after failures. It stops early
// only when ctx is cancelled.
func (r *Runner) Run(ctx context.Context) []Result {
	results := make([]Result, 0, len(r.commands))
	for _, c := range r.commands {
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.runOne(ctx, c))
	}
	return results
}

func (r *Runner) runOne(ctx context.Context, c Command) Result {
	cctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cctx, "sh", "-c", c.Run)
	cmd.Dir = r.dir
	cmd.WaitDelay = time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Name:     c.Name,
		Command:  c.Run,
		Duration: time.Since(start),
		Output:   tail(out.String(), r.maxTail),
		Passed:   err == nil,
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(cctx.Err(), context.DeadlineExceeded):
		res.Passed = false
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		res.ExitCode = -1
		res.Output = err.Error()
	}

	logging.Event(r.logger, "validation_command_completed",
		zap.String("name", c.Name),
		zap.Bool("passed", res.Passed),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
	)
	return res
}

// AllPassed reports whether every result passed.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
