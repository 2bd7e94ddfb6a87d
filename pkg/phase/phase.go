// Package phase defines the closed set of pipeline phases and their fixed order.
//
// The main line runs INTAKE through DONE. RECOVERY_LOOP and STUCK are side
// states reachable from any main-line phase that reports failure.
package phase

import "fmt"

// Phase identifies a pipeline phase.
type Phase string

const (
	Intake                Phase = "INTAKE"
	ConsensusMasterPlan   Phase = "CONSENSUS_MASTER_PLAN"
	Architecture          Phase = "ARCHITECTURE"
	ConsensusArchitecture Phase = "CONSENSUS_ARCHITECTURE"
	RolePlanning          Phase = "ROLE_PLANNING"
	ConsensusRolePlans    Phase = "CONSENSUS_ROLE_PLANS"
	Implementation        Phase = "IMPLEMENTATION"
	QAValidation          Phase = "QA_VALIDATION"
	Review                Phase = "REVIEW"
	Audit                 Phase = "AUDIT"
	ProductionGate        Phase = "PRODUCTION_GATE"
	Done                  Phase = "DONE"

	// Side states
	RecoveryLoop Phase = "RECOVERY_LOOP"
	Stuck        Phase = "STUCK"
)

// mainLine is the fixed execution order.
var mainLine = []Phase{
	Intake,
	ConsensusMasterPlan,
	Architecture,
	ConsensusArchitecture,
	RolePlanning,
	ConsensusRolePlans,
	Implementation,
	QAValidation,
	Review,
	Audit,
	ProductionGate,
	Done,
}

// MainLine returns a copy of the fixed phase order, INTAKE first, DONE last.
func MainLine() []Phase {
	out := make([]Phase, len(mainLine))
	copy(out, mainLine)
	return out
}

// All returns every phase including side states.
func All() []Phase {
	return append(MainLine(), RecoveryLoop, Stuck)
}

// Validate checks if the Phase is a valid enum value.
func (p Phase) Validate() error {
	switch p {
	case Intake, ConsensusMasterPlan, Architecture, ConsensusArchitecture,
		RolePlanning, ConsensusRolePlans, Implementation, QAValidation,
		Review, Audit, ProductionGate, Done, RecoveryLoop, Stuck:
		return nil
	default:
		return fmt.Errorf("unknown phase: %q", p)
	}
}

// Order returns the position of p in the main line, or -1 for side states.
func (p Phase) Order() int {
	for i, candidate := range mainLine {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the phase that follows p in the main line.
// DONE and the side states have no successor.
func (p Phase) Next() (Phase, bool) {
	i := p.Order()
	if i < 0 || i == len(mainLine)-1 {
		return "", false
	}
	return mainLine[i+1], true
}

// IsTerminal reports whether the pipeline halts in this phase.
func (p Phase) IsTerminal() bool {
	return p == Done || p == Stuck
}

// IsConsensus reports whether the phase runs a structured consensus round.
func (p Phase) IsConsensus() bool {
	switch p {
	case ConsensusMasterPlan, ConsensusArchitecture, ConsensusRolePlans:
		return true
	}
	return false
}

// Before reports whether p runs strictly earlier than other in the main line.
func (p Phase) Before(other Phase) bool {
	a, b := p.Order(), other.Order()
	return a >= 0 && b >= 0 && a < b
}

// Slug returns a lowercase, filesystem-friendly form of the phase name.
func (p Phase) Slug() string {
	b := []byte(p)
	for i, c := range b {
		switch {
		case c >= 'A' && c <= 'Z':
			b[i] = c + ('a' - 'A')
		case c == '_':
			b[i] = '-'
		}
	}
	return string(b)
}
