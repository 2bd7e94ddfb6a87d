package gate

import (
	"errors"
	"testing"
	"time"

	"github.com/fortisil/popeye/internal/audit"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ref(t artifact.Type) artifact.ArtifactRef {
	return artifact.ArtifactRef{
		ArtifactID: "id-" + string(t),
		SHA256:     artifact.Hash([]byte(t)),
		Version:    1,
		Type:       t,
	}
}

func TestEveryPhaseHasAGateOrIsUnknown(t *testing.T) {
	e := NewEngine(0.7)
	for _, p := range phase.All() {
		def, err := e.GetDefinition(p)
		switch p {
		case phase.Done, phase.RecoveryLoop, phase.Stuck:
			assert.ErrorIs(t, err, ErrUnknownPhase, p)
		default:
			require.NoError(t, err, p)
			assert.Equal(t, p, def.Phase)
			assert.NotEmpty(t, def.RequiredArtifacts, p)
			assert.NotEmpty(t, def.Criteria, p)
			assert.Equal(t, p.IsConsensus(), def.UsesConsensus, p)
			if def.UsesConsensus {
				assert.Equal(t, 0.7, def.MinConsensusScore)
			}
		}
	}
}

func TestEvaluate(t *testing.T) {
	e := NewEngine(0.7)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.SetClock(func() time.Time { return fixed })

	intake, err := e.GetDefinition(phase.Intake)
	require.NoError(t, err)

	t.Run("passes with all artifacts", func(t *testing.T) {
		r := e.Evaluate(Packet{
			Phase:     phase.Intake,
			Artifacts: []artifact.ArtifactRef{ref(artifact.TypeExpandedIdea), ref(artifact.TypeMasterPlan)},
		}, intake)
		assert.True(t, r.Pass)
		assert.Equal(t, 1.0, r.Score)
		assert.Empty(t, r.Blockers)
		assert.Equal(t, fixed, r.Timestamp)
	})

	t.Run("missing and unhashed artifacts", func(t *testing.T) {
		unhashed := ref(artifact.TypeMasterPlan)
		unhashed.SHA256 = ""
		r := e.Evaluate(Packet{
			Phase:     phase.Intake,
			Artifacts: []artifact.ArtifactRef{unhashed},
		}, intake)
		assert.False(t, r.Pass)
		assert.Equal(t, []artifact.Type{artifact.TypeExpandedIdea, artifact.TypeMasterPlan}, r.MissingArtifacts)
	})

	t.Run("phase mismatch blocks", func(t *testing.T) {
		r := e.Evaluate(Packet{
			Phase:     phase.Architecture,
			Artifacts: []artifact.ArtifactRef{ref(artifact.TypeExpandedIdea), ref(artifact.TypeMasterPlan)},
		}, intake)
		assert.False(t, r.Pass)
	})

	t.Run("constitution drift fails the check", func(t *testing.T) {
		r := e.Evaluate(Packet{
			Phase:     phase.Intake,
			Artifacts: []artifact.ArtifactRef{ref(artifact.TypeExpandedIdea), ref(artifact.TypeMasterPlan)},
			CheckInputs: map[string]any{
				InputConstitutionExpected: "aaaa",
				InputConstitutionActual:   "bbbb",
			},
		}, intake)
		assert.False(t, r.Pass)
		assert.Equal(t, []string{"constitution_unchanged"}, r.FailedChecks)
		assert.Equal(t, 0.0, r.Score)
	})

	t.Run("blocking findings", func(t *testing.T) {
		def, err := e.GetDefinition(phase.Audit)
		require.NoError(t, err)
		r := e.Evaluate(Packet{
			Phase:     phase.Audit,
			Artifacts: []artifact.ArtifactRef{ref(artifact.TypeAuditReport)},
			Findings: []audit.AuditFinding{
				{ID: "F1", Severity: audit.SeverityP2, Category: audit.CategoryTests, Title: "flaky"},
				{ID: "F2", Severity: audit.SeverityP0, Category: audit.CategorySecurity, Title: "secret in repo", Blocking: true},
			},
		}, def)
		assert.False(t, r.Pass)
		require.Len(t, r.Blockers, 1)
		assert.Contains(t, r.Blockers[0], "F2")
		assert.Equal(t, 1.0, r.Score)
	})
}

func TestEvaluateConsensus(t *testing.T) {
	e := NewEngine(0.7)
	def, err := e.GetDefinition(phase.ConsensusMasterPlan)
	require.NoError(t, err)
	refs := []artifact.ArtifactRef{ref(artifact.TypeMasterPlan), ref(artifact.TypeRepoSnapshot), ref(artifact.TypeConsensus)}

	tests := []struct {
		name      string
		packet    *consensus.Packet
		wantPass  bool
		wantScore float64
	}{
		{name: "no packet", packet: nil},
		{
			name:      "approved",
			packet:    &consensus.Packet{FinalStatus: consensus.StatusApproved, WeightedScore: 0.88},
			wantPass:  true,
			wantScore: 0.88,
		},
		{
			name:      "rejected",
			packet:    &consensus.Packet{FinalStatus: consensus.StatusRejected, WeightedScore: 0.5},
			wantScore: 0.5,
		},
		{
			name: "arbitrated approve uses arbitrator score",
			packet: &consensus.Packet{
				FinalStatus:        consensus.StatusArbitrated,
				WeightedScore:      0.68,
				ArbitratorDecision: &consensus.Vote{Score: 0.81, Verdict: consensus.VerdictApprove},
			},
			wantPass:  true,
			wantScore: 0.81,
		},
		{
			name: "arbitrated approve below minimum",
			packet: &consensus.Packet{
				FinalStatus:        consensus.StatusArbitrated,
				ArbitratorDecision: &consensus.Vote{Score: 0.6, Verdict: consensus.VerdictApprove},
			},
			wantScore: 0.6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := e.Evaluate(Packet{Phase: phase.ConsensusMasterPlan, Artifacts: refs, Consensus: tt.packet}, def)
			assert.Equal(t, tt.wantPass, r.Pass, r.Blockers)
			assert.InDelta(t, tt.wantScore, r.ConsensusScore, 1e-9)
		})
	}
}

func TestStandardChecks(t *testing.T) {
	t.Run("bool check", func(t *testing.T) {
		c := BoolCheck("ok", "k")
		assert.Error(t, c.Run(Packet{}))
		assert.Error(t, c.Run(Packet{CheckInputs: map[string]any{"k": false}}))
		assert.NoError(t, c.Run(Packet{CheckInputs: map[string]any{"k": true}}))
	})

	t.Run("empty list check", func(t *testing.T) {
		c := EmptyListCheck("none", "k")
		assert.NoError(t, c.Run(Packet{}))
		assert.NoError(t, c.Run(Packet{CheckInputs: map[string]any{"k": []string{}}}))
		err := c.Run(Packet{CheckInputs: map[string]any{"k": []string{"qa", "backend"}}})
		assert.EqualError(t, err, "k: qa, backend")
	})

	t.Run("readiness check", func(t *testing.T) {
		c := ReadinessCheck()
		assert.Error(t, c.Run(Packet{}))
		assert.Error(t, c.Run(Packet{CheckInputs: map[string]any{InputReadinessVerdict: audit.StatusFail}}))
		assert.NoError(t, c.Run(Packet{CheckInputs: map[string]any{InputReadinessVerdict: audit.StatusPass}}))
	})
}

func TestRegisterAndAddCheck(t *testing.T) {
	e := NewEngine(0.5)
	assert.Error(t, e.Register(Definition{Phase: phase.Phase("NOPE")}))

	require.NoError(t, e.Register(Definition{Phase: phase.Review, RequiredArtifacts: nil}))
	def, err := e.GetDefinition(phase.Review)
	require.NoError(t, err)
	assert.Empty(t, def.Checks)

	e.AddCheck(Check{Name: "always_fails", Run: func(Packet) error { return errors.New("no") }})
	def, err = e.GetDefinition(phase.Review)
	require.NoError(t, err)
	r := e.Evaluate(Packet{Phase: phase.Review}, def)
	assert.False(t, r.Pass)
	assert.Equal(t, []string{"always_fails"}, r.FailedChecks)
}
