package gate

import (
	"fmt"
	"strings"

	"github.com/fortisil/popeye/internal/audit"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
)

// Check input keys understood by the standard checks.
const (
	InputConstitutionExpected = "constitution_hash_expected"
	InputConstitutionActual   = "constitution_hash_actual"
	InputMissingRolePlans     = "missing_role_plans"
	InputFailedRoles          = "failed_roles"
	InputValidationPassed     = "validation_passed"
	InputReviewApproved       = "review_approved"
	InputReadinessVerdict     = "readiness_verdict"
)

func standardDefinitions(threshold float64) []Definition {
	constitution := ConstitutionCheck()

	return []Definition{
		{
			Phase:             phase.Intake,
			RequiredArtifacts: []artifact.Type{artifact.TypeExpandedIdea, artifact.TypeMasterPlan},
			Criteria:          []string{"Idea expanded into a specification", "Master plan drafted from the specification"},
			Checks:            []Check{constitution},
		},
		{
			Phase:             phase.ConsensusMasterPlan,
			RequiredArtifacts: []artifact.Type{artifact.TypeMasterPlan, artifact.TypeRepoSnapshot, artifact.TypeConsensus},
			Criteria:          []string{"Master plan approved by reviewer consensus against the current repository state"},
			UsesConsensus:     true,
			MinConsensusScore: threshold,
			Checks:            []Check{constitution},
		},
		{
			Phase:             phase.Architecture,
			RequiredArtifacts: []artifact.Type{artifact.TypeArchitecture},
			Criteria:          []string{"Architecture derived from the approved master plan"},
			Checks:            []Check{constitution},
		},
		{
			Phase:             phase.ConsensusArchitecture,
			RequiredArtifacts: []artifact.Type{artifact.TypeArchitecture, artifact.TypeRepoSnapshot, artifact.TypeConsensus},
			Criteria:          []string{"Architecture approved by reviewer consensus against the current repository state"},
			UsesConsensus:     true,
			MinConsensusScore: threshold,
			Checks:            []Check{constitution},
		},
		{
			Phase:             phase.RolePlanning,
			RequiredArtifacts: []artifact.Type{artifact.TypeRolePlan},
			Criteria:          []string{"Every active role has a plan"},
			Checks:            []Check{constitution, EmptyListCheck("role_plans_complete", InputMissingRolePlans)},
		},
		{
			Phase:             phase.ConsensusRolePlans,
			RequiredArtifacts: []artifact.Type{artifact.TypeRolePlan, artifact.TypeRepoSnapshot, artifact.TypeConsensus},
			Criteria:          []string{"Role plans approved by reviewer consensus against the current repository state"},
			UsesConsensus:     true,
			MinConsensusScore: threshold,
			Checks:            []Check{constitution},
		},
		{
			Phase:             phase.Implementation,
			RequiredArtifacts: []artifact.Type{artifact.TypeImplementationLog},
			Criteria:          []string{"Every active role completed its implementation"},
			Checks:            []Check{constitution, EmptyListCheck("roles_implemented", InputFailedRoles)},
		},
		{
			Phase:             phase.QAValidation,
			RequiredArtifacts: []artifact.Type{artifact.TypeQAReport},
			Criteria:          []string{"Configured validation commands pass"},
			Checks:            []Check{constitution, BoolCheck("validation_passed", InputValidationPassed)},
		},
		{
			Phase:             phase.Review,
			RequiredArtifacts: []artifact.Type{artifact.TypeReviewReport},
			Criteria:          []string{"Implementation review approved"},
			Checks:            []Check{constitution, BoolCheck("review_approved", InputReviewApproved)},
		},
		{
			Phase:             phase.Audit,
			RequiredArtifacts: []artifact.Type{artifact.TypeAuditReport},
			Criteria:          []string{"No blocking audit findings"},
			Checks:            []Check{constitution},
		},
		{
			Phase:             phase.ProductionGate,
			RequiredArtifacts: []artifact.Type{artifact.TypeProductionReadiness},
			Criteria:          []string{"Production readiness verdict is PASS"},
			Checks:            []Check{constitution, ReadinessCheck()},
		},
	}
}

// ConstitutionCheck fails when the project constitution changed since intake.
// It passes when either hash is absent.
func ConstitutionCheck() Check {
	return Check{
		Name: "constitution_unchanged",
		Run: func(p Packet) error {
			want, _ := p.CheckInputs[InputConstitutionExpected].(string)
			got, _ := p.CheckInputs[InputConstitutionActual].(string)
			if want == "" || got == "" || want == got {
				return nil
			}
			return fmt.Errorf("constitution hash changed from %.12s to %.12s", want, got)
		},
	}
}

// BoolCheck requires CheckInputs[key] to be true.
func BoolCheck(name, key string) Check {
	return Check{
		Name: name,
		Run: func(p Packet) error {
			v, ok := p.CheckInputs[key].(bool)
			if !ok {
				return fmt.Errorf("input %q not provided", key)
			}
			if !v {
				return fmt.Errorf("%s is false", key)
			}
			return nil
		},
	}
}

// EmptyListCheck requires CheckInputs[key] to be an empty (or absent) list.
func EmptyListCheck(name, key string) Check {
	return Check{
		Name: name,
		Run: func(p Packet) error {
			items, _ := p.CheckInputs[key].([]string)
			if len(items) > 0 {
				return fmt.Errorf("%s: %s", key, strings.Join(items, ", "))
			}
			return nil
		},
	}
}

// ReadinessCheck requires a PASS production readiness verdict.
func ReadinessCheck() Check {
	return Check{
		Name: "readiness_verdict",
		Run: func(p Packet) error {
			v, _ := p.CheckInputs[InputReadinessVerdict].(audit.Status)
			if v != audit.StatusPass {
				return fmt.Errorf("final verdict is %q", v)
			}
			return nil
		},
	}
}
