package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fortisil/popeye/internal/logging"
	"go.uber.org/zap"
)

// Output formats understood by CommandBackend.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// CommandBackend runs an external CLI per prompt. The prompt is written to
// stdin and the response read from stdout.
type CommandBackend struct {
	name      string
	command   []string
	modelFlag string
	model     string
	format    string
	dir       string
	env       []string
	logger    *zap.Logger
}

// CommandOption configures a CommandBackend.
type CommandOption func(*CommandBackend)

// WithModel passes model through modelFlag, e.g. "--model".
func WithModel(modelFlag, model string) CommandOption {
	return func(c *CommandBackend) {
		c.modelFlag = modelFlag
		c.model = model
	}
}

// WithOutputFormat selects how stdout is parsed: FormatText or FormatJSON.
func WithOutputFormat(format string) CommandOption {
	return func(c *CommandBackend) { c.format = format }
}

// WithDir sets the working directory of the process.
func WithDir(dir string) CommandOption {
	return func(c *CommandBackend) { c.dir = dir }
}

// WithEnv appends KEY=VALUE pairs to the process environment.
func WithEnv(env ...string) CommandOption {
	return func(c *CommandBackend) { c.env = append(c.env, env...) }
}

// WithLogger sets the backend logger.
func WithLogger(l *zap.Logger) CommandOption {
	return func(c *CommandBackend) { c.logger = logging.Component(l, "backend") }
}

// NewCommand builds a CommandBackend. command[0] is the executable.
func NewCommand(name string, command []string, opts ...CommandOption) (*CommandBackend, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, fmt.Errorf("backend %q: command cannot be empty", name)
	}
	c := &CommandBackend{
		name:    name,
		command: command,
		format:  FormatText,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.format != FormatText && c.format != FormatJSON {
		return nil, fmt.Errorf("backend %q: unknown output format %q", name, c.format)
	}
	return c, nil
}

// Name returns the configured backend name.
func (c *CommandBackend) Name() string {
	return c.name
}

// Args returns the argument list passed to the executable.
func (c *CommandBackend) Args() []string {
	args := append([]string{}, c.command[1:]...)
	if c.modelFlag != "" && c.model != "" {
		args = append(args, c.modelFlag, c.model)
	}
	return args
}

// ExecutePrompt implements Backend.
func (c *CommandBackend) ExecutePrompt(ctx context.Context, prompt string) (Response, error) {
	cmd := exec.CommandContext(ctx, c.command[0], c.Args()...)
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Dir = c.dir
	cmd.WaitDelay = time.Second
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return Response{}, fmt.Errorf("backend %s: %w", c.name, ctxErr)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return Response{}, fmt.Errorf("backend %s: failed to run %s: %w", c.name, c.command[0], err)
	}

	logging.Event(c.logger, "backend_call_completed",
		zap.String("backend", c.name),
		zap.Duration("duration", elapsed),
		zap.Int("prompt_bytes", len(prompt)),
		zap.Int("response_bytes", stdout.Len()),
		zap.Bool("exit_ok", err == nil),
	)

	if err != nil {
		return Response{Success: false, Text: tail(stderr.String(), 2000)}, nil
	}

	if c.format == FormatJSON {
		return parseJSONOutput(stdout.Bytes()), nil
	}
	return Response{Success: true, Text: stdout.String()}, nil
}

// parseJSONOutput decodes {"result"|"text": ..., "is_error": bool, "tool_calls": [...]}.
func parseJSONOutput(data []byte) Response {
	var out struct {
		Text      string     `json:"text"`
		Result    string     `json:"result"`
		IsError   bool       `json:"is_error"`
		ToolCalls []ToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return Response{Success: false, Text: "malformed backend output: " + err.Error()}
	}
	text := out.Text
	if text == "" {
		text = out.Result
	}
	return Response{Success: !out.IsError, Text: text, ToolCalls: out.ToolCalls}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
