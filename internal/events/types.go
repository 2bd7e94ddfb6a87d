// Package events publishes pipeline activity to Redis Pub/Sub so that other
// processes (popeye watch, dashboards) can follow a run in real time.
//
// All keys and channels are namespaced by project name so several projects can
// share one Redis server.
//
// Key pattern: popeye:{project}:{entity}
// Channel: popeye:{project}:pipeline_events
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
)

// Kind identifies what happened.
type Kind string

const (
	KindArtifactCreated    Kind = "artifact_created"
	KindPhaseTransition    Kind = "phase_transition"
	KindConsensusCompleted Kind = "consensus_completed"
	KindChangeRequest      Kind = "change_request"
	KindPipelineHalted     Kind = "pipeline_halted"
)

// Event is a single pipeline notification.
type Event struct {
	Kind      Kind                  `json:"kind"`
	RunID     string                `json:"run_id,omitempty"`
	Phase     phase.Phase           `json:"phase,omitempty"`
	From      phase.Phase           `json:"from,omitempty"`
	To        phase.Phase           `json:"to,omitempty"`
	Artifact  *artifact.ArtifactRef `json:"artifact,omitempty"`
	Status    string                `json:"status,omitempty"`
	Message   string                `json:"message,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// Publisher receives pipeline events. Implementations must be safe for
// concurrent use because fan-out calls write artifacts in parallel.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// EventsChannel returns the Pub/Sub channel name for pipeline events.
// Pattern: popeye:{project}:pipeline_events
func EventsChannel(project string) string {
	return fmt.Sprintf("popeye:%s:pipeline_events", project)
}

// HistoryKey returns the Redis key of the capped event history list.
// Pattern: popeye:{project}:event_history
func HistoryKey(project string) string {
	return fmt.Sprintf("popeye:%s:event_history", project)
}
