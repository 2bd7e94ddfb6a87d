package consensus

import (
	"fmt"
	"time"

	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
)

// Status is the final outcome of a consensus round.
type Status string

const (
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
	StatusArbitrated Status = "ARBITRATED"
)

// Verdict is a single reviewer's decision.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Validate checks if the Verdict is a valid enum value.
func (v Verdict) Validate() error {
	switch v {
	case VerdictApprove, VerdictReject:
		return nil
	default:
		return fmt.Errorf("unknown verdict: %q", v)
	}
}

// Request is the packet put in front of every reviewer in a round.
type Request struct {
	Phase      phase.Phase            `json:"phase"`
	Subject    artifact.ArtifactRef   `json:"subject"`
	Title      string                 `json:"title"`
	Content    string                 `json:"-"`
	Context    string                 `json:"-"`
	Criteria   []string               `json:"criteria,omitempty"`
	Supporting []artifact.ArtifactRef `json:"supporting,omitempty"`
	Language   string                 `json:"-"`
	Guidance   string                 `json:"-"`
	Round      int                    `json:"round"`

	// PriorVotes is only set for the arbitrator.
	PriorVotes []Vote `json:"-"`
}

// Vote is one reviewer's response. Abstained votes carry no score and do not
// count toward quorum.
type Vote struct {
	Reviewer   string        `json:"reviewer"`
	Score      float64       `json:"score"`
	Verdict    Verdict       `json:"verdict,omitempty"`
	HardReject bool          `json:"hard_reject"`
	Concerns   []string      `json:"concerns,omitempty"`
	Weight     float64       `json:"weight"`
	Abstained  bool          `json:"abstained"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Packet is the persisted record of one consensus round, win or lose.
type Packet struct {
	PacketID           string               `json:"packet_id"`
	Phase              phase.Phase          `json:"phase"`
	Subject            artifact.ArtifactRef `json:"subject"`
	Round              int                  `json:"round"`
	Votes              []Vote               `json:"votes"`
	Respondents        int                  `json:"respondents"`
	QuorumMet          bool                 `json:"quorum_met"`
	WeightedScore      float64              `json:"weighted_score"`
	Spread             float64              `json:"spread"`
	FinalStatus        Status               `json:"final_status"`
	ArbitratorDecision *Vote                `json:"arbitrator_decision,omitempty"`
	Threshold          float64              `json:"threshold"`
	SpreadTolerance    float64              `json:"spread_tolerance"`
	MinQuorum          int                  `json:"min_quorum"`
	Timestamp          time.Time            `json:"timestamp"`
}

// Approved reports whether the round let the subject through. An arbitrated
// round follows the arbitrator's vote.
func (p *Packet) Approved() bool {
	if p == nil {
		return false
	}
	switch p.FinalStatus {
	case StatusApproved:
		return true
	case StatusArbitrated:
		d := p.ArbitratorDecision
		return d != nil && d.Verdict == VerdictApprove && !d.HardReject
	}
	return false
}

// EffectiveScore is the arbitrator's score for arbitrated rounds and the
// weighted score otherwise.
func (p *Packet) EffectiveScore() float64 {
	if p == nil {
		return 0
	}
	if p.FinalStatus == StatusArbitrated && p.ArbitratorDecision != nil {
		return p.ArbitratorDecision.Score
	}
	return p.WeightedScore
}

// Concerns collects every concern raised in the round, arbitrator first.
func (p *Packet) Concerns() []string {
	if p == nil {
		return nil
	}
	var out []string
	if p.ArbitratorDecision != nil {
		for _, c := range p.ArbitratorDecision.Concerns {
			out = append(out, p.ArbitratorDecision.Reviewer+": "+c)
		}
	}
	for _, v := range p.Votes {
		for _, c := range v.Concerns {
			out = append(out, v.Reviewer+": "+c)
		}
	}
	return out
}
