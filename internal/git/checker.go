// Package git inspects the project repository the pipeline builds into.
package git

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Checker provides Git repository inspection for a project root.
type Checker struct {
	root string
}

// NewChecker creates a Git checker for the given directory.
func NewChecker(root string) *Checker {
	return &Checker{root: root}
}

func (c *Checker) open() (*gogit.Repository, error) {
	return gogit.PlainOpenWithOptions(c.root, &gogit.PlainOpenOptions{DetectDotGit: true})
}

// IsGitRepository reports whether the root is inside a Git repository.
func (c *Checker) IsGitRepository() (bool, error) {
	_, err := c.open()
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	return true, nil
}

// Root returns the working tree root of the repository containing the
// project, which may be an ancestor of it.
func (c *Checker) Root() (string, error) {
	repo, err := c.open()
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	return filepath.Clean(wt.Filesystem.Root()), nil
}

// Head returns the commit hash HEAD points to, or "" for a repository
// without commits or a directory that is not a repository.
func (c *Checker) Head() (string, error) {
	repo, err := c.open()
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open repository: %w", err)
	}
	ref, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return ref.Hash().String(), nil
}

// IsWorkspaceClean reports whether the working tree matches HEAD with no
// untracked files.
func (c *Checker) IsWorkspaceClean() (bool, error) {
	status, err := c.status()
	if err != nil {
		return false, err
	}
	return status.IsClean(), nil
}

// Changes lists the paths with uncommitted changes, split into tracked
// files that differ from HEAD and untracked files. Both lists are sorted.
func (c *Checker) Changes() (modified, untracked []string, err error) {
	status, err := c.status()
	if err != nil {
		return nil, nil, err
	}
	for file, s := range status {
		switch {
		case s.Worktree == gogit.Untracked:
			untracked = append(untracked, file)
		case s.Worktree != gogit.Unmodified || s.Staging != gogit.Unmodified:
			modified = append(modified, file)
		}
	}
	sort.Strings(modified)
	sort.Strings(untracked)
	return modified, untracked, nil
}

func (c *Checker) status() (gogit.Status, error) {
	repo, err := c.open()
	if err != nil {
		return nil, fmt.Errorf("failed to check Git status: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to check Git status: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to check Git status: %w", err)
	}
	return status, nil
}
