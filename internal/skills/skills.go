// Package skills is the role capability table. Each role resolves to a Skill
// holding its system prompt and a prompt builder. New roles are added by
// registering an entry, and a project can override any built-in prompt with
// a markdown file named after the role.
package skills

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fortisil/popeye/pkg/phase"
)

//go:embed prompts/*.md
var promptsFS embed.FS

// ErrUnknownRole is returned when no skill is registered for a role.
var ErrUnknownRole = errors.New("no skill registered for role")

// Section is a titled block of context appended to a prompt.
type Section struct {
	Title string
	Body  string
}

// Input carries everything a prompt may need.
type Input struct {
	Phase    phase.Phase
	Language string
	Task     string
	Sections []Section
	Guidance string
}

// Skill is one role's prompt template.
type Skill struct {
	Role         Role
	SystemPrompt string
}

// BuildPrompt renders the full prompt text for in. Output depends only on
// the skill and its input.
func (s Skill) BuildPrompt(in Input) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(s.SystemPrompt))
	b.WriteString("\n\n")

	if in.Phase != "" {
		fmt.Fprintf(&b, "Pipeline phase: %s\n", in.Phase)
	}
	if in.Language != "" {
		fmt.Fprintf(&b, "Target language: %s\n", in.Language)
	}

	b.WriteString("\n## Task\n\n")
	b.WriteString(strings.TrimSpace(in.Task))
	b.WriteString("\n")

	for _, sec := range in.Sections {
		if strings.TrimSpace(sec.Body) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", sec.Title, strings.TrimSpace(sec.Body))
	}

	if g := strings.TrimSpace(in.Guidance); g != "" {
		fmt.Fprintf(&b, "\n## Operator guidance\n\n%s\n", g)
	}

	return b.String()
}

// Loader resolves a role to its skill.
type Loader interface {
	LoadSkill(role Role) (Skill, error)
}

// Registry is the built-in capability table plus project overrides.
type Registry struct {
	mu          sync.RWMutex
	skills      map[Role]Skill
	overrideDir string
}

// NewRegistry loads the built-in skills. If overrideDir is non-empty,
// <overrideDir>/<role>.md replaces that role's system prompt when present.
func NewRegistry(overrideDir string) (*Registry, error) {
	r := &Registry{
		skills:      make(map[Role]Skill),
		overrideDir: overrideDir,
	}

	for _, role := range AllRoles() {
		data, err := promptsFS.ReadFile("prompts/" + string(role) + ".md")
		if err != nil {
			return nil, fmt.Errorf("missing built-in prompt for role %s: %w", role, err)
		}
		r.skills[role] = Skill{Role: role, SystemPrompt: string(data)}
	}

	return r, nil
}

// Register adds or replaces a skill.
func (r *Registry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Role] = s
}

// LoadSkill implements Loader.
func (r *Registry) LoadSkill(role Role) (Skill, error) {
	r.mu.RLock()
	s, ok := r.skills[role]
	r.mu.RUnlock()
	if !ok {
		return Skill{}, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}

	if r.overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(r.overrideDir, string(role)+".md"))
		switch {
		case err == nil:
			s.SystemPrompt = string(data)
		case !errors.Is(err, os.ErrNotExist):
			return Skill{}, fmt.Errorf("failed to read skill override for %s: %w", role, err)
		}
	}

	return s, nil
}

// Roles returns the registered roles in sorted order.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Role, 0, len(r.skills))
	for role := range r.skills {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
