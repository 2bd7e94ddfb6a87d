package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/changerequest"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// subject describes what a consensus phase puts in front of the reviewers.
type subject struct {
	title      string
	kind       artifact.Type
	supporting []artifact.Type
	owner      func(e artifact.ArtifactEntry) skills.Role
}

var subjects = map[phase.Phase]subject{
	phase.ConsensusMasterPlan: {
		title:      "Master plan",
		kind:       artifact.TypeMasterPlan,
		supporting: []artifact.Type{artifact.TypeExpandedIdea},
		owner:      func(artifact.ArtifactEntry) skills.Role { return skills.RolePlanner },
	},
	phase.ConsensusArchitecture: {
		title:      "Architecture",
		kind:       artifact.TypeArchitecture,
		supporting: []artifact.Type{artifact.TypeMasterPlan},
		owner:      func(artifact.ArtifactEntry) skills.Role { return skills.RoleArchitect },
	},
	phase.ConsensusRolePlans: {
		title:      "Role plans",
		kind:       artifact.TypeRolePlan,
		supporting: []artifact.Type{artifact.TypeMasterPlan, artifact.TypeArchitecture},
		owner:      func(e artifact.ArtifactEntry) skills.Role { return skills.Role(e.ProducedBy) },
	},
}

// entries returns the subject artifacts under review. Role plans are limited
// to the active roles.
func (sub subject) entries(st *PipelineState) []artifact.ArtifactEntry {
	if sub.kind != artifact.TypeRolePlan {
		if e, ok := st.LatestArtifact(store.GroupFor(sub.kind, "")); ok {
			return []artifact.ArtifactEntry{e}
		}
		return nil
	}
	var out []artifact.ArtifactEntry
	for _, role := range st.ActiveRoles {
		if e, ok := st.LatestArtifact(store.GroupFor(sub.kind, string(role))); ok {
			out = append(out, e)
		}
	}
	return out
}

// consensusExecutor returns the executor shared by the three consensus phases.
func consensusExecutor(p phase.Phase) ExecutorFunc {
	return func(ctx context.Context, st *PipelineState, deps *Deps) PhaseResult {
		return runConsensusPhase(ctx, st, deps, p)
	}
}

func runConsensusPhase(ctx context.Context, st *PipelineState, deps *Deps, p phase.Phase) PhaseResult {
	stg := newStage(st, deps, p)
	sub, ok := subjects[p]
	if !ok {
		return stg.fail(fmt.Errorf("%s is not a consensus phase", p), "no consensus subject")
	}

	items := sub.entries(st)
	if len(items) == 0 {
		return stg.fail(fmt.Errorf("no %s artifact to review", sub.kind), "nothing to review")
	}

	concerns, rejected, err := rejection(st, deps, p, items)
	if err != nil {
		return stg.fail(err, "failed to read the last consensus round")
	}
	if rejected {
		revised, err := reviseSubject(ctx, stg, sub, items, concerns)
		if err != nil {
			return stg.fail(err, "failed to revise %s", strings.ToLower(sub.title))
		}
		items = revised
	}
	for _, e := range items {
		stg.add(e)
	}

	snap, err := stg.captureSnapshot(ctx)
	if err != nil {
		return stg.fail(err, "failed to capture snapshot")
	}
	subjectRefs := refsOf(items)

	if snap.diff.HasDrift {
		cr, err := stg.raiseDriftRequest(ctx, snap, sub.owner(items[0]), subjectRefs)
		if err != nil {
			return stg.fail(err, "failed to record drift")
		}
		if owner := changerequest.Route(cr.ChangeType); owner.Before(p) {
			stg.target = owner
			return stg.fail(fmt.Errorf("drift %s must be approved by %s", cr.CRID, owner),
				"repository drifted since the last approval")
		}
	}

	req, err := consensusRequest(stg, sub, items, snap)
	if err != nil {
		return stg.fail(err, "failed to build consensus request")
	}

	packet, packetEntry, roundErr, err := runRounds(ctx, stg, req, append(subjectRefs, snap.entry.Ref()))
	if err != nil {
		return stg.fail(err, "failed to record consensus")
	}

	artifacts := append(subjectRefs, snap.entry.Ref(), packetEntry.Ref())
	result, err := stg.evaluate(ctx, gate.Packet{Artifacts: artifacts, Consensus: packet})
	if err != nil {
		return stg.fail(err, "gate evaluation failed")
	}
	if err := stg.resolveRouted(ctx, result.Pass, packetEntry.Ref()); err != nil {
		return stg.fail(err, "failed to resolve change requests")
	}
	if !result.Pass {
		if roundErr != nil {
			return stg.fail(roundErr, "consensus round failed")
		}
		return stg.gateFailed(result)
	}
	return stg.succeed("%s %s (score %.3f)", strings.ToLower(sub.title), packet.FinalStatus, packet.EffectiveScore())
}

func refsOf(entries []artifact.ArtifactEntry) []artifact.ArtifactRef {
	out := make([]artifact.ArtifactRef, len(entries))
	for i, e := range entries {
		out[i] = e.Ref()
	}
	return out
}

func consensusRequest(stg *stage, sub subject, items []artifact.ArtifactEntry, snap *capture) (consensus.Request, error) {
	st, deps := stg.st, stg.deps

	def, err := deps.Gates.GetDefinition(stg.phase)
	if err != nil {
		return consensus.Request{}, err
	}

	var content strings.Builder
	for _, e := range items {
		text, err := readText(deps, e)
		if err != nil {
			return consensus.Request{}, err
		}
		if len(items) > 1 {
			fmt.Fprintf(&content, "## %s (%s)\n\n", e.ProducedBy, e.Ref())
		}
		content.WriteString(strings.TrimSpace(text))
		content.WriteString("\n\n")
	}

	var supporting []artifact.ArtifactRef
	var background strings.Builder
	background.WriteString("Repository snapshot:\n")
	background.WriteString(describeSnapshot(snap.snapshot))
	for _, t := range sub.supporting {
		e, ok := st.LatestArtifact(store.GroupFor(t, ""))
		if !ok {
			continue
		}
		supporting = append(supporting, e.Ref())
		text, err := readText(deps, e)
		if err != nil {
			return consensus.Request{}, err
		}
		fmt.Fprintf(&background, "\n%s:\n%s\n", t, strings.TrimSpace(text))
	}
	supporting = append(supporting, snap.entry.Ref())
	for _, cr := range append(st.PendingChangeRequests(), stg.crs...) {
		if changerequest.Route(cr.ChangeType) == stg.phase {
			fmt.Fprintf(&background, "\nPending change request:\n%s\n", changerequest.Format(cr))
		}
	}

	title := sub.title
	if len(items) > 1 {
		roles := make([]string, len(items))
		for i, e := range items {
			roles[i] = e.ProducedBy
		}
		title = fmt.Sprintf("%s (%s)", sub.title, strings.Join(roles, ", "))
	}

	return consensus.Request{
		Phase:      stg.phase,
		Subject:    items[0].Ref(),
		Title:      title,
		Content:    content.String(),
		Context:    background.String(),
		Criteria:   def.Criteria,
		Supporting: supporting,
		Language:   st.Language,
		Guidance:   st.SessionGuidance,
		Round:      len(deps.Store.Lineage(consensusGroup(stg.phase))) + 1,
	}, nil
}

func consensusGroup(p phase.Phase) string {
	return store.GroupFor(artifact.TypeConsensus, p.Slug())
}

// runRounds runs consensus, retrying rounds that miss quorum up to the
// configured bound. Every packet is stored. roundErr is the error of the last
// round; err is a persistence failure.
func runRounds(ctx context.Context, stg *stage, req consensus.Request, dependsOn []artifact.ArtifactRef) (packet *consensus.Packet, entry artifact.ArtifactEntry, roundErr, err error) {
	deps := stg.deps
	attempts := 1
	if deps.Consensus != nil {
		attempts += deps.MaxQuorumRetries
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if deps.Consensus == nil {
			packet = unanimous(req, deps)
			roundErr = nil
		} else {
			packet, roundErr = deps.Consensus.Run(ctx, req)
		}

		entry, err = stg.storeJSON(ctx, artifact.TypeConsensus, packet,
			store.WithQualifier(stg.phase.Slug()),
			store.WithDependsOn(dependsOn...))
		if err != nil {
			return nil, entry, roundErr, err
		}

		ref := entry.Ref()
		deps.Metrics.RecordConsensus(string(stg.phase), string(packet.FinalStatus),
			packet.EffectiveScore(), packet.ArbitratorDecision != nil)
		deps.publish(ctx, events.Event{
			Kind:     events.KindConsensusCompleted,
			RunID:    stg.st.RunID,
			Phase:    stg.phase,
			Artifact: &ref,
			Message:  fmt.Sprintf("round %d %s (score %.3f)", req.Round, packet.FinalStatus, packet.EffectiveScore()),
		})

		if !errors.Is(roundErr, consensus.ErrInsufficientQuorum) || ctx.Err() != nil || attempt == attempts {
			break
		}
		logging.Warn(deps.Logger, "consensus_quorum_retry",
			zap.String("run_id", stg.st.RunID),
			zap.String("phase", string(stg.phase)),
			zap.Int("attempt", attempt),
			zap.Error(roundErr),
		)
		req.Round++
	}
	return packet, entry, roundErr, nil
}

// unanimous is the packet recorded when consensus is disabled.
func unanimous(req consensus.Request, deps *Deps) *consensus.Packet {
	return &consensus.Packet{
		PacketID:      uuid.New().String(),
		Phase:         req.Phase,
		Subject:       req.Subject,
		Round:         req.Round,
		Votes:         []consensus.Vote{},
		QuorumMet:     true,
		WeightedScore: 1,
		FinalStatus:   consensus.StatusApproved,
		Timestamp:     deps.now(),
	}
}

// rejection reports whether the last committed round of p reached quorum and
// rejected the subject currently on record, and returns its concerns. A
// missed quorum, a redirect or any other failure leaves the subject as it is
// and consensus runs again.
func rejection(st *PipelineState, deps *Deps, p phase.Phase, items []artifact.ArtifactEntry) ([]string, bool, error) {
	last, ok := st.LatestArtifact(consensusGroup(p))
	if !ok {
		return nil, false, nil
	}
	var prev consensus.Packet
	if err := deps.Store.ReadJSON(last.Ref(), &prev); err != nil {
		return nil, false, err
	}
	if !prev.QuorumMet || prev.Approved() || prev.Subject.ArtifactID != items[0].ArtifactID {
		return nil, false, nil
	}
	return prev.Concerns(), true, nil
}

// reviseSubject writes a new version of every subject artifact addressing the
// concerns of the last rejected round.
func reviseSubject(ctx context.Context, stg *stage, sub subject, items []artifact.ArtifactEntry, concerns []string) ([]artifact.ArtifactEntry, error) {
	st, deps := stg.st, stg.deps

	feedback := "- none recorded"
	if len(concerns) > 0 {
		feedback = "- " + strings.Join(concerns, "\n- ")
	}
	rc := recoveryContext(deps, st)

	revised := make([]artifact.ArtifactEntry, len(items))
	errs := make([]error, len(items))
	g, gctx := errgroup.WithContext(ctx)
	for i, e := range items {
		g.Go(func() error {
			revised[i], errs[i] = reviseOne(gctx, stg, sub, e, feedback, rc)
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return revised, nil
}

func reviseOne(ctx context.Context, stg *stage, sub subject, e artifact.ArtifactEntry, feedback, rc string) (artifact.ArtifactEntry, error) {
	deps := stg.deps
	role := sub.owner(e)

	current, err := readText(deps, e)
	if err != nil {
		return e, err
	}
	sections := []skills.Section{
		{Title: "Current version", Body: current},
		{Title: "Reviewer concerns", Body: feedback},
	}
	if rc != "" {
		sections = append(sections, skills.Section{Title: "Recovery context", Body: rc})
	}
	p, err := prompt(deps, stg.st, role,
		fmt.Sprintf("Revise the %s so that it addresses every reviewer concern. Return the complete revised document.", strings.ToLower(sub.title)),
		sections...)
	if err != nil {
		return e, err
	}
	text, err := backend.Text(ctx, deps.Backend, p)
	if err != nil {
		return e, fmt.Errorf("revision by %s failed: %w", role, err)
	}

	opts := []store.WriteOption{
		store.WithGroup(e.GroupID),
		store.WithProducer(string(role)),
		store.WithDependsOn(deps.Store.Dependencies(e.ArtifactID)...),
	}
	if sub.kind == artifact.TypeRolePlan {
		opts = append(opts, store.WithQualifier(string(role)))
	}
	revised, err := deps.Store.CreateAndStoreText(ctx, e.Type, text, stg.phase, opts...)
	if err != nil {
		return e, err
	}
	return revised, nil
}
