// Package audit holds the structured audit taxonomy: findings, the aggregated
// audit report and the production readiness verdict.
package audit

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/pkg/artifact"
)

// Severity ranks a finding. P0 is the most severe.
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Validate checks if the Severity is a valid enum value.
func (s Severity) Validate() error {
	switch s {
	case SeverityP0, SeverityP1, SeverityP2, SeverityP3:
		return nil
	default:
		return fmt.Errorf("unknown severity: %q", s)
	}
}

// Weight is the severity's contribution to the system risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityP0:
		return 40
	case SeverityP1:
		return 20
	case SeverityP2:
		return 5
	case SeverityP3:
		return 1
	}
	return 0
}

// Category classifies a finding.
type Category string

const (
	CategoryIntegration Category = "integration"
	CategoryConfig      Category = "config"
	CategoryTests       Category = "tests"
	CategorySchema      Category = "schema"
	CategorySecurity    Category = "security"
	CategoryDeployment  Category = "deployment"
)

// Validate checks if the Category is a valid enum value.
func (c Category) Validate() error {
	switch c {
	case CategoryIntegration, CategoryConfig, CategoryTests, CategorySchema,
		CategorySecurity, CategoryDeployment:
		return nil
	default:
		return fmt.Errorf("unknown category: %q", c)
	}
}

// Status is a PASS/FAIL verdict.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// MaxRiskScore caps SystemRiskScore.
const MaxRiskScore = 100

// AuditFinding is one problem found during audit.
type AuditFinding struct {
	ID             string                 `json:"id"`
	Severity       Severity               `json:"severity"`
	Category       Category               `json:"category"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description,omitempty"`
	Evidence       []artifact.ArtifactRef `json:"evidence"`
	SuggestedOwner skills.Role            `json:"suggested_owner,omitempty"`
	Blocking       bool                   `json:"blocking"`
}

// Validate checks the finding's enums.
func (f AuditFinding) Validate() error {
	if err := f.Severity.Validate(); err != nil {
		return fmt.Errorf("finding %s: %w", f.ID, err)
	}
	if err := f.Category.Validate(); err != nil {
		return fmt.Errorf("finding %s: %w", f.ID, err)
	}
	return nil
}

// AuditReport aggregates findings.
type AuditReport struct {
	OverallStatus    Status         `json:"overall_status"`
	SystemRiskScore  int            `json:"system_risk_score"`
	RecoveryRequired bool           `json:"recovery_required"`
	Findings         []AuditFinding `json:"findings"`
}

// NewReport aggregates findings. The report fails iff any finding blocks.
// Recovery is required iff a blocking finding is P0 or P1.
func NewReport(findings []AuditFinding) AuditReport {
	sorted := append([]AuditFinding{}, findings...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Severity < sorted[j].Severity })

	r := AuditReport{OverallStatus: StatusPass, Findings: sorted}
	for _, f := range sorted {
		r.SystemRiskScore += f.Severity.Weight()
		if !f.Blocking {
			continue
		}
		r.OverallStatus = StatusFail
		if f.Severity == SeverityP0 || f.Severity == SeverityP1 {
			r.RecoveryRequired = true
		}
	}
	if r.SystemRiskScore > MaxRiskScore {
		r.SystemRiskScore = MaxRiskScore
	}
	return r
}

// Blocking returns the blocking findings.
func (r AuditReport) Blocking() []AuditFinding {
	var out []AuditFinding
	for _, f := range r.Findings {
		if f.Blocking {
			out = append(out, f)
		}
	}
	return out
}

// ParseReport decodes an auditor response of the form {"findings": [...]}.
// Findings without evidence are attached to defaultEvidence. Unknown owners
// are dropped rather than rejected.
func ParseReport(text string, defaultEvidence []artifact.ArtifactRef) (AuditReport, error) {
	raw, err := backend.ExtractJSON(text)
	if err != nil {
		return AuditReport{}, fmt.Errorf("failed to parse audit response: %w", err)
	}

	var payload struct {
		Findings []AuditFinding `json:"findings"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return AuditReport{}, fmt.Errorf("failed to decode audit findings: %w", err)
	}

	for i := range payload.Findings {
		f := &payload.Findings[i]
		if f.ID == "" {
			f.ID = fmt.Sprintf("F%d", i+1)
		}
		if err := f.Validate(); err != nil {
			return AuditReport{}, err
		}
		if f.SuggestedOwner != "" && f.SuggestedOwner.Validate() != nil {
			f.SuggestedOwner = ""
		}
		if len(f.Evidence) == 0 {
			f.Evidence = append([]artifact.ArtifactRef{}, defaultEvidence...)
		}
	}

	return NewReport(payload.Findings), nil
}
