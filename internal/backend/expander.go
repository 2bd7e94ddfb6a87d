package backend

import (
	"context"
	"fmt"

	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/pkg/phase"
)

// IdeaExpander turns a one-line idea into a specification and a master plan.
type IdeaExpander interface {
	ExpandIdea(ctx context.Context, idea, language string) (string, error)
	CreatePlan(ctx context.Context, expanded, planContext, language string) (string, error)
}

// PromptExpander implements IdeaExpander with the planner skill.
type PromptExpander struct {
	backend Backend
	skills  skills.Loader
}

// NewPromptExpander creates an expander backed by b.
func NewPromptExpander(b Backend, loader skills.Loader) *PromptExpander {
	return &PromptExpander{backend: b, skills: loader}
}

// ExpandIdea implements IdeaExpander.
func (e *PromptExpander) ExpandIdea(ctx context.Context, idea, language string) (string, error) {
	skill, err := e.skills.LoadSkill(skills.RolePlanner)
	if err != nil {
		return "", err
	}
	prompt := skill.BuildPrompt(skills.Input{
		Phase:    phase.Intake,
		Language: language,
		Task: "Expand the idea below into a product specification: users, features, " +
			"constraints, non-goals and acceptance criteria.",
		Sections: []skills.Section{{Title: "Idea", Body: idea}},
	})
	text, err := Text(ctx, e.backend, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to expand idea: %w", err)
	}
	return text, nil
}

// CreatePlan implements IdeaExpander.
func (e *PromptExpander) CreatePlan(ctx context.Context, expanded, planContext, language string) (string, error) {
	skill, err := e.skills.LoadSkill(skills.RolePlanner)
	if err != nil {
		return "", err
	}
	prompt := skill.BuildPrompt(skills.Input{
		Phase:    phase.Intake,
		Language: language,
		Task:     "Write the master plan for the specification below.",
		Sections: []skills.Section{
			{Title: "Specification", Body: expanded},
			{Title: "Project context", Body: planContext},
		},
	})
	text, err := Text(ctx, e.backend, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to create plan: %w", err)
	}
	return text, nil
}
