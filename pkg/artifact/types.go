package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/fortisil/popeye/pkg/phase"
	"github.com/google/uuid"
)

// Type identifies the kind of deliverable an artifact holds.
type Type string

const (
	TypeExpandedIdea        Type = "expanded_idea"
	TypeMasterPlan          Type = "master_plan"
	TypeArchitecture        Type = "architecture"
	TypeRolePlan            Type = "role_plan"
	TypeConsensus           Type = "consensus"
	TypeRepoSnapshot        Type = "repo_snapshot"
	TypeChangeRequest       Type = "change_request"
	TypeImplementationLog   Type = "implementation_log"
	TypeQAReport            Type = "qa_report"
	TypeReviewReport        Type = "review_report"
	TypeAuditReport         Type = "audit_report"
	TypeProductionReadiness Type = "production_readiness"
	TypeRCAReport           Type = "rca_report"
	TypeStuckReport         Type = "stuck_report"
	TypeGateFailure         Type = "gate_failure"
)

// AllTypes lists every artifact type.
func AllTypes() []Type {
	return []Type{
		TypeExpandedIdea, TypeMasterPlan, TypeArchitecture, TypeRolePlan,
		TypeConsensus, TypeRepoSnapshot, TypeChangeRequest, TypeImplementationLog,
		TypeQAReport, TypeReviewReport, TypeAuditReport, TypeProductionReadiness,
		TypeRCAReport, TypeStuckReport, TypeGateFailure,
	}
}

// Validate checks if the Type is a valid enum value.
func (t Type) Validate() error {
	switch t {
	case TypeExpandedIdea, TypeMasterPlan, TypeArchitecture, TypeRolePlan,
		TypeConsensus, TypeRepoSnapshot, TypeChangeRequest, TypeImplementationLog,
		TypeQAReport, TypeReviewReport, TypeAuditReport, TypeProductionReadiness,
		TypeRCAReport, TypeStuckReport, TypeGateFailure:
		return nil
	default:
		return fmt.Errorf("unknown artifact type: %q", t)
	}
}

// ContentType is the encoding of an artifact's file.
type ContentType string

const (
	ContentMarkdown ContentType = "markdown"
	ContentJSON     ContentType = "json"
)

// Validate checks if the ContentType is a valid enum value.
func (c ContentType) Validate() error {
	switch c {
	case ContentMarkdown, ContentJSON:
		return nil
	default:
		return fmt.Errorf("unknown content type: %q", c)
	}
}

// Extension returns the file extension used for this content type.
func (c ContentType) Extension() string {
	if c == ContentJSON {
		return ".json"
	}
	return ".md"
}

// Relationship labels a dependency edge.
type Relationship string

const (
	DependsOn  Relationship = "depends_on"
	Supersedes Relationship = "supersedes"
	References Relationship = "references"
)

// Validate checks if the Relationship is a valid enum value.
func (r Relationship) Validate() error {
	switch r {
	case DependsOn, Supersedes, References:
		return nil
	default:
		return fmt.Errorf("unknown relationship: %q", r)
	}
}

// ArtifactRef is a weak reference to a stored artifact by id and hash.
// Resolution happens through the artifact store.
type ArtifactRef struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
	SHA256     string `json:"sha256"`
	Version    int    `json:"version"`
	Type       Type   `json:"type"`
}

// ShortID returns the first 8 characters of the artifact id.
func (r ArtifactRef) ShortID() string {
	if len(r.ArtifactID) > 8 {
		return r.ArtifactID[:8]
	}
	return r.ArtifactID
}

// String renders the ref as type@vN(id8).
func (r ArtifactRef) String() string {
	return fmt.Sprintf("%s@v%d(%s)", r.Type, r.Version, r.ShortID())
}

// ArtifactEntry is the stored, immutable record of one artifact version.
type ArtifactEntry struct {
	ArtifactID  string      `json:"artifact_id"`
	Path        string      `json:"path"`
	SHA256      string      `json:"sha256"`
	Version     int         `json:"version"`
	Type        Type        `json:"type"`
	Phase       phase.Phase `json:"phase"`
	Timestamp   time.Time   `json:"timestamp"`
	ContentType ContentType `json:"content_type"`
	GroupID     string      `json:"group_id"`
	PreviousID  string      `json:"previous_id,omitempty"`
	ProducedBy  string      `json:"produced_by,omitempty"`
	Immutable   bool        `json:"immutable"`
}

// Ref returns the lightweight reference for this entry.
func (e ArtifactEntry) Ref() ArtifactRef {
	return ArtifactRef{
		ArtifactID: e.ArtifactID,
		Path:       e.Path,
		SHA256:     e.SHA256,
		Version:    e.Version,
		Type:       e.Type,
	}
}

// Validate checks if the ArtifactEntry has valid field values.
func (e *ArtifactEntry) Validate() error {
	if _, err := uuid.Parse(e.ArtifactID); err != nil {
		return fmt.Errorf("invalid artifact ID: not a valid UUID")
	}

	if e.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", e.Version)
	}

	if e.Version == 1 && e.PreviousID != "" {
		return fmt.Errorf("version 1 cannot have a previous_id")
	}

	if e.Version > 1 {
		if _, err := uuid.Parse(e.PreviousID); err != nil {
			return fmt.Errorf("version %d requires a valid previous_id", e.Version)
		}
	}

	if err := e.Type.Validate(); err != nil {
		return fmt.Errorf("invalid type: %w", err)
	}

	if err := e.ContentType.Validate(); err != nil {
		return fmt.Errorf("invalid content type: %w", err)
	}

	if err := e.Phase.Validate(); err != nil {
		return fmt.Errorf("invalid phase: %w", err)
	}

	if e.GroupID == "" {
		return fmt.Errorf("group_id cannot be empty")
	}

	if !IsDigest(e.SHA256) {
		return fmt.Errorf("invalid sha256: %q", e.SHA256)
	}

	if !e.Immutable {
		return fmt.Errorf("artifact entries must be immutable")
	}

	return nil
}

// DependencyEdge is a directed edge between two artifacts.
type DependencyEdge struct {
	From         ArtifactRef  `json:"from"`
	To           ArtifactRef  `json:"to"`
	Relationship Relationship `json:"relationship"`
}

// Hash returns the hex sha256 digest of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// IsDigest reports whether s looks like a hex sha256 digest.
func IsDigest(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
