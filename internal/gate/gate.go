// Package gate holds one acceptance definition per pipeline phase and
// evaluates submitted packets against it.
package gate

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fortisil/popeye/internal/audit"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
)

// ErrUnknownPhase is returned for phases without a gate. This is a
// configuration error and is never retried.
var ErrUnknownPhase = errors.New("no gate definition for phase")

// Check is one phase-specific validation. A nil error means the check passed.
type Check struct {
	Name string
	Run  func(p Packet) error
}

// Definition is the acceptance contract of one phase.
type Definition struct {
	Phase             phase.Phase
	RequiredArtifacts []artifact.Type
	Criteria          []string
	UsesConsensus     bool
	MinConsensusScore float64
	Checks            []Check
}

// Packet is what a phase submits for evaluation.
type Packet struct {
	Phase       phase.Phase
	Artifacts   []artifact.ArtifactRef
	Consensus   *consensus.Packet
	Findings    []audit.AuditFinding
	CheckInputs map[string]any
}

// GateResult is the canonical pass/fail record a phase leaves behind.
type GateResult struct {
	Phase            phase.Phase     `json:"phase"`
	Pass             bool            `json:"pass"`
	Score            float64         `json:"score"`
	Blockers         []string        `json:"blockers"`
	MissingArtifacts []artifact.Type `json:"missing_artifacts"`
	FailedChecks     []string        `json:"failed_checks"`
	ConsensusScore   float64         `json:"consensus_score"`
	Reason           string          `json:"reason,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Engine owns the definition table.
type Engine struct {
	mu          sync.RWMutex
	definitions map[phase.Phase]Definition
	now         func() time.Time
}

// NewEngine builds the standard table. threshold is the minimum effective
// consensus score for consensus phases.
func NewEngine(threshold float64) *Engine {
	e := &Engine{
		definitions: make(map[phase.Phase]Definition),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, def := range standardDefinitions(threshold) {
		e.definitions[def.Phase] = def
	}
	return e
}

// SetClock overrides time.Now, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Register replaces the definition of def.Phase.
func (e *Engine) Register(def Definition) error {
	if err := def.Phase.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[def.Phase] = def
	return nil
}

// AddCheck appends a check to every registered definition.
func (e *Engine) AddCheck(c Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for p, def := range e.definitions {
		def.Checks = append(append([]Check{}, def.Checks...), c)
		e.definitions[p] = def
	}
}

// GetDefinition is a pure lookup.
func (e *Engine) GetDefinition(p phase.Phase) (Definition, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	def, ok := e.definitions[p]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownPhase, p)
	}
	return def, nil
}

// Evaluate checks packet against def. The result passes only when nothing
// is missing, nothing blocks, every check is green and, for consensus
// phases, consensus approved with a high enough score.
func (e *Engine) Evaluate(packet Packet, def Definition) GateResult {
	r := GateResult{
		Phase:            def.Phase,
		Blockers:         []string{},
		MissingArtifacts: []artifact.Type{},
		FailedChecks:     []string{},
		Timestamp:        e.now(),
	}

	if packet.Phase != def.Phase {
		r.Blockers = append(r.Blockers, fmt.Sprintf("packet for %s evaluated against %s gate", packet.Phase, def.Phase))
	}

	for _, t := range def.RequiredArtifacts {
		if !hasHashed(packet.Artifacts, t) {
			r.MissingArtifacts = append(r.MissingArtifacts, t)
			r.Blockers = append(r.Blockers, fmt.Sprintf("missing required artifact: %s", t))
		}
	}

	for _, f := range packet.Findings {
		if f.Blocking {
			r.Blockers = append(r.Blockers, fmt.Sprintf("blocking finding %s (%s %s): %s", f.ID, f.Severity, f.Category, f.Title))
		}
	}

	passed := 0
	for _, c := range def.Checks {
		if err := c.Run(packet); err != nil {
			r.FailedChecks = append(r.FailedChecks, c.Name)
			r.Blockers = append(r.Blockers, fmt.Sprintf("check %s failed: %v", c.Name, err))
			continue
		}
		passed++
	}
	r.Score = 1
	if len(def.Checks) > 0 {
		r.Score = float64(passed) / float64(len(def.Checks))
	}

	if def.UsesConsensus {
		cp := packet.Consensus
		switch {
		case cp == nil:
			r.Blockers = append(r.Blockers, "no consensus packet submitted")
		case !cp.Approved():
			r.ConsensusScore = cp.EffectiveScore()
			r.Blockers = append(r.Blockers, fmt.Sprintf("consensus %s (score %.3f)", cp.FinalStatus, r.ConsensusScore))
		default:
			r.ConsensusScore = cp.EffectiveScore()
			if r.ConsensusScore < def.MinConsensusScore {
				r.Blockers = append(r.Blockers, fmt.Sprintf("consensus score %.3f below minimum %.3f", r.ConsensusScore, def.MinConsensusScore))
			}
		}
	}

	r.Pass = len(r.Blockers) == 0
	if !r.Pass {
		r.Reason = strings.Join(r.Blockers, "; ")
	}
	return r
}

func hasHashed(refs []artifact.ArtifactRef, t artifact.Type) bool {
	for _, ref := range refs {
		if ref.Type == t && artifact.IsDigest(ref.SHA256) {
			return true
		}
	}
	return false
}
