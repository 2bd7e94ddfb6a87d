package consensus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortisil/popeye/pkg/phase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubReviewer returns a fixed vote or error.
type stubReviewer struct {
	name  string
	vote  Vote
	err   error
	delay time.Duration
	calls atomic.Int32
	seen  atomic.Pointer[Request]
}

func (s *stubReviewer) Name() string { return s.name }

func (s *stubReviewer) Review(ctx context.Context, req Request) (Vote, error) {
	s.calls.Add(1)
	s.seen.Store(&req)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Vote{}, ctx.Err()
		}
	}
	return s.vote, s.err
}

func approve(name string, score float64) *stubReviewer {
	return &stubReviewer{name: name, vote: Vote{Score: score, Verdict: VerdictApprove}}
}

func reject(name string, score float64) *stubReviewer {
	return &stubReviewer{name: name, vote: Vote{Score: score, Verdict: VerdictReject}}
}

func failing(name string) *stubReviewer {
	return &stubReviewer{name: name, err: errors.New("backend unavailable")}
}

func asReviewers(stubs ...*stubReviewer) []Reviewer {
	out := make([]Reviewer, len(stubs))
	for i, s := range stubs {
		out[i] = s
	}
	return out
}

func baseConfig(arb Reviewer) Config {
	return Config{
		Threshold:       0.7,
		SpreadTolerance: 0.2,
		MinQuorum:       2,
		Timeout:         time.Second,
		Arbitrator:      arb,
	}
}

func TestNewRunnerValidation(t *testing.T) {
	arb := approve("arb", 0.9)
	three := asReviewers(approve("a", 1), approve("b", 1), approve("c", 1))

	tests := []struct {
		name      string
		cfg       Config
		reviewers []Reviewer
	}{
		{name: "no reviewers", cfg: baseConfig(arb)},
		{name: "threshold above one", cfg: Config{Threshold: 1.5, MinQuorum: 1, Arbitrator: arb}, reviewers: three},
		{name: "negative tolerance", cfg: Config{Threshold: 0.5, SpreadTolerance: -1, MinQuorum: 1, Arbitrator: arb}, reviewers: three},
		{name: "quorum above reviewer count", cfg: Config{Threshold: 0.5, MinQuorum: 4, Arbitrator: arb}, reviewers: three},
		{name: "zero quorum", cfg: Config{Threshold: 0.5, MinQuorum: 0, Arbitrator: arb}, reviewers: three},
		{name: "missing arbitrator", cfg: Config{Threshold: 0.5, MinQuorum: 1}, reviewers: three},
		{name: "negative weight", cfg: Config{Threshold: 0.5, MinQuorum: 1, Arbitrator: arb, Weights: map[string]float64{"a": -1}}, reviewers: three},
		{name: "duplicate names", cfg: Config{Threshold: 0.5, MinQuorum: 1, Arbitrator: arb}, reviewers: asReviewers(approve("a", 1), approve("a", 1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg, tt.reviewers)
			assert.Error(t, err)
		})
	}
}

func TestRunApproved(t *testing.T) {
	arb := approve("arb", 0.9)
	r, err := NewRunner(baseConfig(arb), asReviewers(approve("a", 0.9), approve("b", 0.85), approve("c", 0.88)))
	require.NoError(t, err)

	p, err := r.Run(context.Background(), Request{Phase: phase.ConsensusMasterPlan, Round: 1})
	require.NoError(t, err)

	assert.Equal(t, StatusApproved, p.FinalStatus)
	assert.InDelta(t, 0.877, p.WeightedScore, 0.001)
	assert.InDelta(t, 0.05, p.Spread, 1e-9)
	assert.True(t, p.QuorumMet)
	assert.Equal(t, 3, p.Respondents)
	assert.True(t, p.Approved())
	assert.Nil(t, p.ArbitratorDecision)
	assert.Zero(t, arb.calls.Load())
	assert.Equal(t, p.WeightedScore, p.EffectiveScore())
	assert.Equal(t, []string{"a", "b", "c"}, r.Reviewers())
}

func TestRunArbitrated(t *testing.T) {
	arb := &stubReviewer{name: "arb", vote: Vote{Score: 0.8, Verdict: VerdictApprove, Concerns: []string{"tighten scope"}}}
	cfg := baseConfig(arb)
	cfg.SpreadTolerance = 0.3
	r, err := NewRunner(cfg, asReviewers(approve("a", 0.95), reject("b", 0.2), approve("c", 0.9)))
	require.NoError(t, err)

	p, err := r.Run(context.Background(), Request{Phase: phase.ConsensusArchitecture, Round: 1})
	require.NoError(t, err)

	assert.Equal(t, StatusArbitrated, p.FinalStatus)
	assert.InDelta(t, 0.75, p.Spread, 1e-9)
	assert.Equal(t, int32(1), arb.calls.Load())
	require.NotNil(t, p.ArbitratorDecision)
	assert.Equal(t, "arb", p.ArbitratorDecision.Reviewer)
	assert.True(t, p.Approved())
	assert.Equal(t, 0.8, p.EffectiveScore())
	assert.Equal(t, []string{"arb: tighten scope"}, p.Concerns())

	seen := arb.seen.Load()
	require.NotNil(t, seen)
	assert.Len(t, seen.PriorVotes, 3)
}

func TestRunArbitratorRejects(t *testing.T) {
	arb := &stubReviewer{name: "arb", vote: Vote{Score: 0.3, Verdict: VerdictReject}}
	cfg := baseConfig(arb)
	cfg.SpreadTolerance = 0.1
	r, err := NewRunner(cfg, asReviewers(approve("a", 0.95), reject("b", 0.4)))
	require.NoError(t, err)

	p, err := r.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, StatusArbitrated, p.FinalStatus)
	assert.False(t, p.Approved())
}

func TestRunArbitratorFails(t *testing.T) {
	arb := failing("arb")
	cfg := baseConfig(arb)
	cfg.SpreadTolerance = 0.1
	r, err := NewRunner(cfg, asReviewers(approve("a", 0.95), reject("b", 0.4)))
	require.NoError(t, err)

	p, err := r.Run(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrArbitrationFailed)
	require.NotNil(t, p)
	assert.Equal(t, StatusRejected, p.FinalStatus)
	assert.False(t, p.Approved())
}

func TestRunRejected(t *testing.T) {
	t.Run("below threshold", func(t *testing.T) {
		r, err := NewRunner(baseConfig(approve("arb", 1)), asReviewers(approve("a", 0.6), approve("b", 0.65)))
		require.NoError(t, err)
		p, err := r.Run(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, p.FinalStatus)
	})

	t.Run("hard reject vetoes a high score", func(t *testing.T) {
		veto := &stubReviewer{name: "b", vote: Vote{Score: 0.8, Verdict: VerdictReject, HardReject: true}}
		r, err := NewRunner(baseConfig(approve("arb", 1)), asReviewers(approve("a", 0.9), veto))
		require.NoError(t, err)
		p, err := r.Run(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, p.FinalStatus)
		assert.False(t, p.Approved())
	})
}

func TestRunQuorum(t *testing.T) {
	tests := []struct {
		name      string
		reviewers []*stubReviewer
		minQuorum int
		wantErr   bool
	}{
		{
			name:      "one abstention still meets quorum",
			reviewers: []*stubReviewer{approve("a", 0.9), approve("b", 0.9), failing("c")},
			minQuorum: 2,
		},
		{
			name:      "too many abstentions",
			reviewers: []*stubReviewer{approve("a", 0.99), failing("b"), failing("c")},
			minQuorum: 2,
			wantErr:   true,
		},
		{
			name:      "everyone abstains",
			reviewers: []*stubReviewer{failing("a"), failing("b")},
			minQuorum: 1,
			wantErr:   true,
		},
		{
			name:      "malformed scores abstain",
			reviewers: []*stubReviewer{approve("a", 1.7), {name: "b", vote: Vote{Score: 0.9, Verdict: "maybe"}}, approve("c", 0.9)},
			minQuorum: 2,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(approve("arb", 1))
			cfg.MinQuorum = tt.minQuorum
			r, err := NewRunner(cfg, asReviewers(tt.reviewers...))
			require.NoError(t, err)

			p, err := r.Run(context.Background(), Request{})
			require.NotNil(t, p)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInsufficientQuorum)
				assert.False(t, p.QuorumMet)
				assert.Equal(t, StatusRejected, p.FinalStatus)
			} else {
				assert.NoError(t, err)
				assert.True(t, p.QuorumMet)
			}
			// quorum law: an unmet quorum never approves
			if !p.QuorumMet {
				assert.NotEqual(t, StatusApproved, p.FinalStatus)
			}
		})
	}
}

func TestRunTimeoutCountsAsAbstention(t *testing.T) {
	slow := &stubReviewer{name: "slow", vote: Vote{Score: 1, Verdict: VerdictApprove}, delay: 5 * time.Second}
	cfg := baseConfig(approve("arb", 1))
	cfg.Timeout = 50 * time.Millisecond
	cfg.MinQuorum = 1
	r, err := NewRunner(cfg, asReviewers(approve("a", 0.9), slow))
	require.NoError(t, err)

	start := time.Now()
	p, err := r.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, 1, p.Respondents)
	assert.True(t, p.Votes[1].Abstained)
	assert.Contains(t, p.Votes[1].Error, "deadline exceeded")
	assert.Equal(t, StatusApproved, p.FinalStatus)
}

func TestRunWeights(t *testing.T) {
	cfg := baseConfig(approve("arb", 1))
	cfg.SpreadTolerance = 1
	cfg.Weights = map[string]float64{"senior": 3}
	r, err := NewRunner(cfg, asReviewers(approve("senior", 0.9), reject("junior", 0.5)))
	require.NoError(t, err)

	p, err := r.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.InDelta(t, (3*0.9+0.5)/4, p.WeightedScore, 1e-9)
	assert.Equal(t, StatusApproved, p.FinalStatus)

	t.Run("all zero weights fall back to the plain average", func(t *testing.T) {
		cfg.Weights = map[string]float64{"senior": 0, "junior": 0}
		r, err := NewRunner(cfg, asReviewers(approve("senior", 0.9), reject("junior", 0.5)))
		require.NoError(t, err)
		p, err := r.Run(context.Background(), Request{})
		require.NoError(t, err)
		assert.InDelta(t, 0.7, p.WeightedScore, 1e-9)
	})
}

func TestPacketNil(t *testing.T) {
	var p *Packet
	assert.False(t, p.Approved())
	assert.Zero(t, p.EffectiveScore())
	assert.Nil(t, p.Concerns())
}
