// Package backend is the boundary to text-generation backends. The pipeline
// only ever calls ExecutePrompt; what answers it is configuration.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrBackendFailed is returned when a backend reports success=false.
	ErrBackendFailed = errors.New("backend reported failure")
	// ErrNoJSON is returned when a response holds no JSON object.
	ErrNoJSON = errors.New("response contains no JSON object")
)

// ToolCall is a tool invocation reported by a backend.
type ToolCall struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Response is the outcome of one prompt.
type Response struct {
	Success   bool       `json:"success"`
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Backend executes a prompt. A returned error means the call itself failed
// (process could not start, context cancelled). Success=false means the
// backend ran and declined or errored. Callers treat both as a failed call.
type Backend interface {
	ExecutePrompt(ctx context.Context, prompt string) (Response, error)
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, prompt string) (Response, error)

// ExecutePrompt implements Backend.
func (f Func) ExecutePrompt(ctx context.Context, prompt string) (Response, error) {
	return f(ctx, prompt)
}

// Text runs prompt and returns the response text, folding success=false
// into ErrBackendFailed.
func Text(ctx context.Context, b Backend, prompt string) (string, error) {
	resp, err := b.ExecutePrompt(ctx, prompt)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s", ErrBackendFailed, truncate(resp.Text, 200))
	}
	return resp.Text, nil
}

// Set is a named collection of backends.
type Set map[string]Backend

// Get returns the backend registered under name.
func (s Set) Get(name string) (Backend, error) {
	b, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (configured: %s)", name, strings.Join(s.Names(), ", "))
	}
	return b, nil
}

// Names returns the configured backend names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ExtractJSON returns the first JSON object in text. Markdown code fences and
// surrounding prose are tolerated.
func ExtractJSON(text string) ([]byte, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			s = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, ErrNoJSON
	}
	candidate := []byte(s[start : end+1])
	if !json.Valid(candidate) {
		return nil, fmt.Errorf("%w: invalid JSON object", ErrNoJSON)
	}
	return candidate, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
