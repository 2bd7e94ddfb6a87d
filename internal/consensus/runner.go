// Package consensus runs bounded, weighted multi-reviewer approval rounds with
// arbitration as the tie-break.
//
// A round fans the same Request out to every reviewer concurrently and waits
// for all of them (or the round timeout). Failed calls are abstentions. The
// outcome is evaluated in a fixed order: quorum, then spread, then threshold.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fortisil/popeye/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInsufficientQuorum is returned when fewer than MinQuorum reviewers respond.
	ErrInsufficientQuorum = errors.New("insufficient quorum")
	// ErrArbitrationFailed is returned when the arbitrator could not decide.
	ErrArbitrationFailed = errors.New("arbitration failed")
)

// Reviewer evaluates a Request independently of other reviewers.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, req Request) (Vote, error)
}

// Config holds the round parameters. There are no built-in defaults here;
// callers supply every value from project configuration.
type Config struct {
	Threshold       float64
	SpreadTolerance float64
	MinQuorum       int
	Weights         map[string]float64
	Timeout         time.Duration
	Arbitrator      Reviewer
}

// Runner executes consensus rounds.
type Runner struct {
	cfg       Config
	reviewers []Reviewer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = logging.Component(l, "consensus") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner validates cfg against the reviewer set.
func NewRunner(cfg Config, reviewers []Reviewer, opts ...Option) (*Runner, error) {
	if len(reviewers) == 0 {
		return nil, fmt.Errorf("consensus requires at least one reviewer")
	}
	if cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be within [0,1], got %v", cfg.Threshold)
	}
	if cfg.SpreadTolerance < 0 {
		return nil, fmt.Errorf("spread tolerance must be >= 0, got %v", cfg.SpreadTolerance)
	}
	if cfg.MinQuorum < 1 || cfg.MinQuorum > len(reviewers) {
		return nil, fmt.Errorf("min quorum must be within [1,%d], got %d", len(reviewers), cfg.MinQuorum)
	}
	if cfg.Arbitrator == nil {
		return nil, fmt.Errorf("consensus requires an arbitrator")
	}

	seen := make(map[string]bool)
	for _, rv := range reviewers {
		if seen[rv.Name()] {
			return nil, fmt.Errorf("duplicate reviewer name %q", rv.Name())
		}
		seen[rv.Name()] = true
	}
	for name, w := range cfg.Weights {
		if w < 0 {
			return nil, fmt.Errorf("weight for reviewer %q must be >= 0", name)
		}
	}

	r := &Runner{
		cfg:       cfg,
		reviewers: reviewers,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reviewers returns the reviewer names in configured order.
func (r *Runner) Reviewers() []string {
	names := make([]string, len(r.reviewers))
	for i, rv := range r.reviewers {
		names[i] = rv.Name()
	}
	return names
}

// Run executes one round. The returned packet is always non-nil and should be
// persisted even when err is non-nil.
func (r *Runner) Run(ctx context.Context, req Request) (*Packet, error) {
	rctx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	votes := make([]Vote, len(r.reviewers))
	g, gctx := errgroup.WithContext(rctx)
	for i, rv := range r.reviewers {
		g.Go(func() error {
			votes[i] = r.collect(gctx, rv, req)
			return nil
		})
	}
	_ = g.Wait() // failures are recorded as abstentions

	p := &Packet{
		PacketID:        uuid.New().String(),
		Phase:           req.Phase,
		Subject:         req.Subject,
		Round:           req.Round,
		Votes:           votes,
		Threshold:       r.cfg.Threshold,
		SpreadTolerance: r.cfg.SpreadTolerance,
		MinQuorum:       r.cfg.MinQuorum,
		Timestamp:       r.now(),
	}

	var err error
	switch {
	case !r.tally(p):
		p.FinalStatus = StatusRejected
		err = fmt.Errorf("%w: %d of %d reviewers responded, need %d",
			ErrInsufficientQuorum, p.Respondents, len(r.reviewers), r.cfg.MinQuorum)
	case p.Spread > r.cfg.SpreadTolerance:
		err = r.arbitrate(rctx, req, p)
	case p.WeightedScore >= r.cfg.Threshold && !hasHardReject(votes):
		p.FinalStatus = StatusApproved
	default:
		p.FinalStatus = StatusRejected
	}

	logging.Event(r.logger, "consensus_round_completed",
		zap.String("packet_id", p.PacketID),
		zap.String("phase", string(p.Phase)),
		zap.Int("round", p.Round),
		zap.Int("respondents", p.Respondents),
		zap.Float64("weighted_score", p.WeightedScore),
		zap.Float64("spread", p.Spread),
		zap.String("final_status", string(p.FinalStatus)),
	)

	return p, err
}

// collect runs one reviewer and folds any failure into an abstention.
func (r *Runner) collect(ctx context.Context, rv Reviewer, req Request) Vote {
	start := time.Now()
	v, err := rv.Review(ctx, req)
	v.Reviewer = rv.Name()
	v.Weight = r.weight(rv.Name())
	v.Duration = time.Since(start)

	if err == nil {
		err = validateVote(v)
	}
	if err != nil {
		logging.Warn(r.logger, "reviewer_abstained",
			zap.String("reviewer", rv.Name()),
			zap.Error(err),
		)
		return Vote{
			Reviewer:  rv.Name(),
			Weight:    v.Weight,
			Abstained: true,
			Error:     err.Error(),
			Duration:  v.Duration,
		}
	}
	return v
}

// tally fills respondents, weighted score and spread. Returns false when
// quorum is not met.
func (r *Runner) tally(p *Packet) bool {
	var sum, weights float64
	lo, hi := math.Inf(1), math.Inf(-1)
	var plain float64

	for _, v := range p.Votes {
		if v.Abstained {
			continue
		}
		p.Respondents++
		sum += v.Weight * v.Score
		weights += v.Weight
		plain += v.Score
		lo = math.Min(lo, v.Score)
		hi = math.Max(hi, v.Score)
	}

	p.QuorumMet = p.Respondents >= r.cfg.MinQuorum
	if p.Respondents == 0 {
		return p.QuorumMet
	}

	if weights > 0 {
		p.WeightedScore = sum / weights
	} else {
		p.WeightedScore = plain / float64(p.Respondents)
	}
	p.Spread = hi - lo
	return p.QuorumMet
}

// arbitrate asks the arbitrator to decide with every prior vote visible. It
// is called at most once per round.
func (r *Runner) arbitrate(ctx context.Context, req Request, p *Packet) error {
	areq := req
	areq.PriorVotes = append([]Vote{}, p.Votes...)

	logging.Event(r.logger, "consensus_arbitration_started",
		zap.String("packet_id", p.PacketID),
		zap.Float64("spread", p.Spread),
		zap.String("arbitrator", r.cfg.Arbitrator.Name()),
	)

	start := time.Now()
	d, err := r.cfg.Arbitrator.Review(ctx, areq)
	if err == nil {
		err = validateVote(d)
	}
	if err != nil {
		p.FinalStatus = StatusRejected
		return fmt.Errorf("%w: %s: %v", ErrArbitrationFailed, r.cfg.Arbitrator.Name(), err)
	}

	d.Reviewer = r.cfg.Arbitrator.Name()
	d.Weight = 1
	d.Duration = time.Since(start)
	p.ArbitratorDecision = &d
	p.FinalStatus = StatusArbitrated
	return nil
}

func (r *Runner) weight(name string) float64 {
	if w, ok := r.cfg.Weights[name]; ok {
		return w
	}
	return 1
}

func validateVote(v Vote) error {
	if math.IsNaN(v.Score) || v.Score < 0 || v.Score > 1 {
		return fmt.Errorf("score %v outside [0,1]", v.Score)
	}
	return v.Verdict.Validate()
}

func hasHardReject(votes []Vote) bool {
	for _, v := range votes {
		if !v.Abstained && v.HardReject {
			return true
		}
	}
	return false
}
