package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fortisil/popeye/internal/changerequest"
	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/snapshot"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"go.uber.org/zap"
)

// capture is the outcome of scanning the project for one phase.
type capture struct {
	entry    artifact.ArtifactEntry
	snapshot *snapshot.RepoSnapshot
	diff     snapshot.SnapshotDiff
	previous *artifact.ArtifactRef
}

// captureSnapshot scans the project and diffs it against the latest recorded
// snapshot. An unchanged tree reuses the recorded artifact.
func (s *stage) captureSnapshot(ctx context.Context) (*capture, error) {
	snap, err := s.deps.Snapshot(s.deps.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to generate repo snapshot: %w", err)
	}

	c := &capture{snapshot: snap}
	if prevRef := s.st.LatestRepoSnapshot; prevRef != nil {
		var prev snapshot.RepoSnapshot
		if err := s.deps.Store.ReadJSON(*prevRef, &prev); err != nil {
			return nil, fmt.Errorf("failed to load previous snapshot: %w", err)
		}
		ref := *prevRef
		c.previous = &ref
		c.diff = snapshot.Diff(&prev, snap)

		if snapshot.Fingerprint(&prev) == snapshot.Fingerprint(snap) {
			e, err := s.deps.Store.Get(prevRef.ArtifactID)
			if err != nil {
				return nil, err
			}
			s.add(e)
			c.entry = e
			c.snapshot = &prev
			return c, nil
		}
	}

	e, err := s.storeJSON(ctx, artifact.TypeRepoSnapshot, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to store repo snapshot: %w", err)
	}
	c.entry = e
	ref := e.Ref()
	s.set(func(st *PipelineState) { st.LatestRepoSnapshot = &ref })
	return c, nil
}

// raiseDriftRequest records a change request for detected drift and returns it.
func (s *stage) raiseDriftRequest(ctx context.Context, c *capture, requestedBy skills.Role, affected []artifact.ArtifactRef) (changerequest.ChangeRequest, error) {
	if c.previous != nil {
		affected = append(affected, *c.previous)
	}
	cr, err := changerequest.FromDrift(c.diff, s.phase, requestedBy, affected)
	if err != nil {
		return cr, err
	}
	if _, err := s.storeJSON(ctx, artifact.TypeChangeRequest, cr,
		store.WithQualifier(cr.CRID),
		store.WithProducer(string(requestedBy)),
		store.WithDependsOn(c.entry.Ref()),
	); err != nil {
		return cr, fmt.Errorf("failed to store change request: %w", err)
	}
	s.raise(cr)

	s.deps.Metrics.RecordChangeRequest(string(cr.ChangeType))
	s.deps.publish(ctx, events.Event{
		Kind:    events.KindChangeRequest,
		RunID:   s.st.RunID,
		Phase:   s.phase,
		Message: fmt.Sprintf("%s %s routed to %s", cr.CRID, cr.ChangeType, changerequest.Route(cr.ChangeType)),
	})
	logging.Event(s.deps.Logger, "change_request_raised",
		zap.String("run_id", s.st.RunID),
		zap.String("cr_id", cr.CRID),
		zap.String("change_type", string(cr.ChangeType)),
		zap.String("routed_to", string(changerequest.Route(cr.ChangeType))),
	)
	return cr, nil
}

// resolveRouted decides every pending change request owned by this phase,
// including ones raised earlier in the same call.
func (s *stage) resolveRouted(ctx context.Context, approved bool, approval artifact.ArtifactRef) error {
	pending := append(s.st.PendingChangeRequests(), s.crs...)
	for _, cr := range pending {
		if changerequest.Route(cr.ChangeType) != s.phase {
			continue
		}
		resolved, err := changerequest.Resolve(cr, approved, approval)
		if err != nil {
			return err
		}
		if _, err := s.storeJSON(ctx, artifact.TypeChangeRequest, resolved,
			store.WithQualifier(cr.CRID),
			store.WithDependsOn(approval),
		); err != nil {
			return fmt.Errorf("failed to store resolved change request: %w", err)
		}
		s.resolveStaged(resolved)
	}
	return nil
}

// resolveStaged replaces a CR whether it is already in the state or only
// raised in this stage.
func (s *stage) resolveStaged(cr changerequest.ChangeRequest) {
	for i, raised := range s.crs {
		if raised.CRID == cr.CRID {
			s.crs[i] = cr
			return
		}
	}
	s.resolve(cr)
}

// describeSnapshot renders the structural facts of a snapshot for prompts.
func describeSnapshot(snap *snapshot.RepoSnapshot) string {
	if snap == nil {
		return "No snapshot available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Files: %d, lines: %d\n", snap.TotalFiles, snap.TotalLines)
	if len(snap.LanguagesDetected) > 0 {
		fmt.Fprintf(&b, "Languages: %s\n", strings.Join(snap.LanguagesDetected, ", "))
	}
	if len(snap.ConfigFiles) > 0 {
		fmt.Fprintf(&b, "Config files: %s\n", strings.Join(snap.ConfigFiles, ", "))
	}
	if len(snap.Scripts) > 0 {
		names := make([]string, 0, len(snap.Scripts))
		for name := range snap.Scripts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "Scripts: %s\n", strings.Join(names, ", "))
	}
	if len(snap.PortsEntrypoints) > 0 {
		fmt.Fprintf(&b, "Entrypoints: %s\n", strings.Join(snap.PortsEntrypoints, ", "))
	}
	if snap.MigrationsPresent {
		b.WriteString("Migrations: present\n")
	}
	if len(snap.TreeSummary) > 0 {
		b.WriteString("Tree:\n")
		for _, d := range snap.TreeSummary {
			fmt.Fprintf(&b, "  %s (%d files)\n", d.Dir, d.Files)
		}
	}
	return b.String()
}
