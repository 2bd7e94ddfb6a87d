// Package scaffold creates the files a project needs before its first run.
package scaffold

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/fortisil/popeye/internal/config"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/validation"
)

//go:embed templates/*
var templatesFS embed.FS

// GitignoreEntry keeps run state out of version control.
const GitignoreEntry = pipeline.WorkDir + "/"

// Options selects what Initialize writes.
type Options struct {
	// Project defaults to the base name of the project root.
	Project string
	// Language is written to popeye.yml and selects default validation commands.
	Language string
	// Force overwrites an existing popeye.yml and CONSTITUTION.md.
	Force bool
}

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// templateData is the input of every template.
type templateData struct {
	Project    string
	Language   string
	Validation []validation.Command
}

// Initialize writes popeye.yml and CONSTITUTION.md into root and adds the
// work directory to .gitignore. It returns the paths it created or changed,
// relative to root.
func Initialize(root string, opts Options) ([]string, error) {
	if !opts.Force {
		if err := CheckExisting(root); err != nil {
			return nil, err
		}
	}
	if opts.Language == "" {
		return nil, fmt.Errorf("language is required")
	}
	if opts.Project == "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve project root: %w", err)
		}
		opts.Project = filepath.Base(abs)
	}

	files, err := getTemplateFiles(templateData{
		Project:    opts.Project,
		Language:   strings.ToLower(opts.Language),
		Validation: DefaultValidation(opts.Language),
	})
	if err != nil {
		return nil, err
	}

	var written []string
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(root, file.Path), file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		written = append(written, file.Path)
	}

	changed, err := ensureGitignore(root)
	if err != nil {
		return nil, err
	}
	if changed {
		written = append(written, ".gitignore")
	}

	if _, err := config.Load(filepath.Join(root, config.FileName)); err != nil {
		return nil, fmt.Errorf("created %s is invalid: %w", config.FileName, err)
	}

	return written, nil
}

// DefaultValidation returns the QA commands used for a language.
func DefaultValidation(language string) []validation.Command {
	switch strings.ToLower(language) {
	case "go", "golang":
		return []validation.Command{
			{Name: "vet", Run: "go vet ./..."},
			{Name: "test", Run: "go test ./..."},
		}
	case "python":
		return []validation.Command{{Name: "test", Run: "pytest -q"}}
	case "typescript", "javascript", "node":
		return []validation.Command{{Name: "test", Run: "npm test"}}
	default:
		return nil
	}
}

// getTemplateFiles renders all template files.
func getTemplateFiles(data templateData) ([]FileInfo, error) {
	targets := []struct {
		template string
		path     string
	}{
		{template: "templates/popeye.yml.tmpl", path: config.FileName},
		{template: "templates/CONSTITUTION.md.tmpl", path: pipeline.ConstitutionFile},
	}

	files := make([]FileInfo, 0, len(targets))
	for _, tgt := range targets {
		raw, err := templatesFS.ReadFile(tgt.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", tgt.path, err)
		}
		tmpl, err := template.New(tgt.path).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", tgt.path, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", tgt.path, err)
		}
		files = append(files, FileInfo{Path: tgt.path, Content: buf.Bytes(), Permissions: 0o644})
	}
	return files, nil
}

// ensureGitignore appends the work directory to .gitignore unless an entry
// for it is already present.
func ensureGitignore(root string) (bool, error) {
	path := filepath.Join(root, ".gitignore")
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to read .gitignore: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		switch strings.TrimSpace(line) {
		case pipeline.WorkDir, GitignoreEntry, "/" + pipeline.WorkDir, "/" + GitignoreEntry:
			return false, nil
		}
	}

	var buf bytes.Buffer
	buf.Write(data)
	if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
		buf.WriteByte('\n')
	}
	buf.WriteString(GitignoreEntry + "\n")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return false, fmt.Errorf("failed to update .gitignore: %w", err)
	}
	return true, nil
}
