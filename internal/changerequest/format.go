package changerequest

import (
	"fmt"
	"strings"
	"time"
)

// Format renders a stable, human-auditable summary of cr.
func Format(cr ChangeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Change Request %s\n", cr.CRID)
	fmt.Fprintf(&b, "  Status:        %s\n", cr.Status)
	fmt.Fprintf(&b, "  Type:          %s\n", cr.ChangeType)
	fmt.Fprintf(&b, "  Routed to:     %s\n", Route(cr.ChangeType))
	fmt.Fprintf(&b, "  Origin phase:  %s\n", cr.OriginPhase)
	if cr.RequestedBy != "" {
		fmt.Fprintf(&b, "  Requested by:  %s\n", cr.RequestedBy)
	}
	fmt.Fprintf(&b, "  Created:       %s\n", cr.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  Risk:          %s\n", cr.ImpactAnalysis.RiskLevel)
	fmt.Fprintf(&b, "\nDescription:\n  %s\n", cr.Description)
	if cr.Justification != "" {
		fmt.Fprintf(&b, "\nJustification:\n  %s\n", cr.Justification)
	}

	if len(cr.ImpactAnalysis.AffectedPhases) > 0 {
		phases := make([]string, len(cr.ImpactAnalysis.AffectedPhases))
		for i, p := range cr.ImpactAnalysis.AffectedPhases {
			phases[i] = string(p)
		}
		fmt.Fprintf(&b, "\nAffected phases: %s\n", strings.Join(phases, " -> "))
	}
	if len(cr.ImpactAnalysis.AffectedArtifacts) > 0 {
		b.WriteString("Affected artifacts:\n")
		for _, ref := range cr.ImpactAnalysis.AffectedArtifacts {
			fmt.Fprintf(&b, "  - %s\n", ref)
		}
	}

	if cr.ApprovalArtifact != nil {
		fmt.Fprintf(&b, "\nResolution: %s by %s", cr.Status, cr.ApprovalArtifact)
		if cr.ResolvedAt != nil {
			fmt.Fprintf(&b, " at %s", cr.ResolvedAt.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n")
	}

	return b.String()
}
