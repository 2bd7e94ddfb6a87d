package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/skills"
)

// BackendReviewer is a Reviewer that prompts a generation backend with a
// role skill and parses a JSON verdict from the reply.
type BackendReviewer struct {
	name    string
	backend backend.Backend
	skill   skills.Skill
}

// NewBackendReviewer creates a reviewer. Use the arbitrator skill for the
// arbitrator and the reviewer skill for everyone else.
func NewBackendReviewer(name string, b backend.Backend, skill skills.Skill) *BackendReviewer {
	return &BackendReviewer{name: name, backend: b, skill: skill}
}

// Name implements Reviewer.
func (r *BackendReviewer) Name() string {
	return r.name
}

// Review implements Reviewer.
func (r *BackendReviewer) Review(ctx context.Context, req Request) (Vote, error) {
	text, err := backend.Text(ctx, r.backend, r.prompt(req))
	if err != nil {
		return Vote{}, err
	}
	return ParseVote(text)
}

func (r *BackendReviewer) prompt(req Request) string {
	sections := []skills.Section{
		{Title: "Under review: " + req.Title, Body: req.Content},
		{Title: "Acceptance criteria", Body: bullet(req.Criteria)},
		{Title: "Supporting context", Body: req.Context},
	}
	if len(req.PriorVotes) > 0 {
		data, _ := json.MarshalIndent(req.PriorVotes, "", "  ")
		sections = append(sections, skills.Section{Title: "Prior votes", Body: string(data)})
	}

	return r.skill.BuildPrompt(skills.Input{
		Phase:    req.Phase,
		Language: req.Language,
		Task:     fmt.Sprintf("Review the %s (round %d) and return your verdict as JSON.", req.Title, req.Round),
		Sections: sections,
		Guidance: req.Guidance,
	})
}

// ParseVote decodes {"score","verdict","hard_reject","concerns"} from a
// reviewer reply. Code fences and surrounding prose are tolerated.
func ParseVote(text string) (Vote, error) {
	raw, err := backend.ExtractJSON(text)
	if err != nil {
		return Vote{}, err
	}

	var payload struct {
		Score      *float64 `json:"score"`
		Verdict    string   `json:"verdict"`
		HardReject bool     `json:"hard_reject"`
		Concerns   []string `json:"concerns"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Vote{}, fmt.Errorf("failed to decode vote: %w", err)
	}
	if payload.Score == nil {
		return Vote{}, fmt.Errorf("vote is missing a score")
	}

	v := Vote{
		Score:      *payload.Score,
		Verdict:    normalizeVerdict(payload.Verdict),
		HardReject: payload.HardReject,
		Concerns:   payload.Concerns,
	}
	if err := validateVote(v); err != nil {
		return Vote{}, err
	}
	return v, nil
}

func normalizeVerdict(s string) Verdict {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.HasPrefix(s, "approve"):
		return VerdictApprove
	case strings.HasPrefix(s, "reject"):
		return VerdictReject
	}
	return Verdict(s)
}

func bullet(items []string) string {
	var b strings.Builder
	for _, it := range items {
		b.WriteString("- ")
		b.WriteString(it)
		b.WriteString("\n")
	}
	return b.String()
}
