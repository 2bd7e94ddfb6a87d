// Package changerequest builds, routes and resolves mid-pipeline change
// requests. Routing is a fixed table from change type to the one phase
// allowed to approve that class of change.
package changerequest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/snapshot"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/google/uuid"
)

// ErrImmutable is returned when resolving a change request that is no
// longer proposed.
var ErrImmutable = errors.New("change request already resolved")

// ChangeType classifies a change request.
type ChangeType string

const (
	TypeScope        ChangeType = "scope"
	TypeArchitecture ChangeType = "architecture"
	TypeDependency   ChangeType = "dependency"
	TypeConfig       ChangeType = "config"
	TypeRequirement  ChangeType = "requirement"
)

// AllTypes lists every change type.
func AllTypes() []ChangeType {
	return []ChangeType{TypeScope, TypeArchitecture, TypeDependency, TypeConfig, TypeRequirement}
}

// Validate checks if the ChangeType is a valid enum value.
func (t ChangeType) Validate() error {
	if _, ok := routes[t]; !ok {
		return fmt.Errorf("unknown change type: %q", t)
	}
	return nil
}

// RiskLevel estimates the impact of a change.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Validate checks if the RiskLevel is a valid enum value.
func (r RiskLevel) Validate() error {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return nil
	default:
		return fmt.Errorf("unknown risk level: %q", r)
	}
}

// Status tracks a change request through approval.
type Status string

const (
	StatusProposed Status = "proposed"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ImpactAnalysis records what a change touches.
type ImpactAnalysis struct {
	AffectedArtifacts []artifact.ArtifactRef `json:"affected_artifacts"`
	AffectedPhases    []phase.Phase          `json:"affected_phases"`
	RiskLevel         RiskLevel              `json:"risk_level"`
}

// ChangeRequest is a structured proposal to modify the pipeline's inputs.
type ChangeRequest struct {
	CRID             string                `json:"cr_id"`
	Timestamp        time.Time             `json:"timestamp"`
	OriginPhase      phase.Phase           `json:"origin_phase"`
	RequestedBy      skills.Role           `json:"requested_by"`
	ChangeType       ChangeType            `json:"change_type"`
	Description      string                `json:"description"`
	Justification    string                `json:"justification"`
	ImpactAnalysis   ImpactAnalysis        `json:"impact_analysis"`
	Status           Status                `json:"status"`
	ApprovalArtifact *artifact.ArtifactRef `json:"approval_artifact,omitempty"`
	ResolvedAt       *time.Time            `json:"resolved_at,omitempty"`
}

// Args are the inputs of Build.
type Args struct {
	OriginPhase       phase.Phase
	RequestedBy       skills.Role
	ChangeType        ChangeType
	Description       string
	Justification     string
	AffectedArtifacts []artifact.ArtifactRef
	RiskLevel         RiskLevel
	Now               time.Time
}

// Build stamps a new change request with an id and timestamp. Affected
// phases are derived from the routing table.
func Build(a Args) (ChangeRequest, error) {
	if err := a.ChangeType.Validate(); err != nil {
		return ChangeRequest{}, err
	}
	if err := a.OriginPhase.Validate(); err != nil {
		return ChangeRequest{}, err
	}
	if strings.TrimSpace(a.Description) == "" {
		return ChangeRequest{}, fmt.Errorf("change request description cannot be empty")
	}
	risk := a.RiskLevel
	if risk == "" {
		risk = RiskMedium
	}
	if err := risk.Validate(); err != nil {
		return ChangeRequest{}, err
	}
	now := a.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	return ChangeRequest{
		CRID:          "CR-" + uuid.New().String()[:8],
		Timestamp:     now,
		OriginPhase:   a.OriginPhase,
		RequestedBy:   a.RequestedBy,
		ChangeType:    a.ChangeType,
		Description:   a.Description,
		Justification: a.Justification,
		ImpactAnalysis: ImpactAnalysis{
			AffectedArtifacts: append([]artifact.ArtifactRef{}, a.AffectedArtifacts...),
			AffectedPhases:    affectedPhases(Route(a.ChangeType)),
			RiskLevel:         risk,
		},
		Status: StatusProposed,
	}, nil
}

// routes is the fixed routing table. It must cover every ChangeType.
var routes = map[ChangeType]phase.Phase{
	TypeScope:        phase.ConsensusMasterPlan,
	TypeRequirement:  phase.ConsensusMasterPlan,
	TypeArchitecture: phase.ConsensusArchitecture,
	TypeDependency:   phase.ConsensusRolePlans,
	TypeConfig:       phase.QAValidation,
}

// Route returns the single phase authorized to approve a change type. It
// depends on nothing but the type. An unmapped type is a programming error.
func Route(t ChangeType) phase.Phase {
	p, ok := routes[t]
	if !ok {
		panic(fmt.Sprintf("changerequest: no route for change type %q", t))
	}
	return p
}

// RoutingTable returns a copy of the routing table.
func RoutingTable() map[ChangeType]phase.Phase {
	out := make(map[ChangeType]phase.Phase, len(routes))
	for k, v := range routes {
		out[k] = v
	}
	return out
}

// affectedPhases is the owning phase and everything after it on the main line.
func affectedPhases(owner phase.Phase) []phase.Phase {
	var out []phase.Phase
	for _, p := range phase.MainLine() {
		if p != phase.Done && !p.Before(owner) {
			out = append(out, p)
		}
	}
	return out
}

// Resolve returns a resolved copy of cr. Only proposed requests can be resolved.
func Resolve(cr ChangeRequest, approved bool, approval artifact.ArtifactRef) (ChangeRequest, error) {
	if cr.Status != StatusProposed {
		return cr, fmt.Errorf("%w: %s is %s", ErrImmutable, cr.CRID, cr.Status)
	}
	out := cr
	out.Status = StatusRejected
	if approved {
		out.Status = StatusApproved
	}
	ref := approval
	out.ApprovalArtifact = &ref
	at := time.Now().UTC()
	out.ResolvedAt = &at
	return out, nil
}

// FromDrift classifies snapshot drift into a change request. Config file
// changes are config changes. Anything else is scope drift.
func FromDrift(diff snapshot.SnapshotDiff, origin phase.Phase, requestedBy skills.Role, affected []artifact.ArtifactRef) (ChangeRequest, error) {
	if !diff.HasDrift {
		return ChangeRequest{}, fmt.Errorf("no drift to report")
	}

	t := TypeScope
	risk := RiskLow
	if len(diff.ConfigsChanged) > 0 {
		t = TypeConfig
		risk = RiskMedium
	}
	if len(diff.FilesRemoved) > 0 {
		risk = RiskHigh
	}

	var parts []string
	if n := len(diff.FilesAdded); n > 0 {
		parts = append(parts, fmt.Sprintf("%d file(s) added", n))
	}
	if n := len(diff.FilesRemoved); n > 0 {
		parts = append(parts, fmt.Sprintf("%d file(s) removed", n))
	}
	if n := len(diff.ConfigsChanged); n > 0 {
		parts = append(parts, "config changed: "+strings.Join(diff.ConfigsChanged, ", "))
	}
	if len(parts) == 0 {
		parts = append(parts, "project structure changed")
	}

	return Build(Args{
		OriginPhase:       origin,
		RequestedBy:       requestedBy,
		ChangeType:        t,
		Description:       "Repository drift since last approved snapshot: " + strings.Join(parts, "; "),
		Justification:     "Approvals must be evaluated against the current repository state.",
		AffectedArtifacts: affected,
		RiskLevel:         risk,
	})
}
