// Package pipeline sequences the phase executors and owns the recovery loop.
//
// A run is described by one PipelineState. The Machine hands the state to the
// executor of the current phase, applies the outcome, persists the state and
// moves on. Phases never run concurrently. Failures go through RECOVERY_LOOP
// and, once the recovery budget is spent, end in STUCK.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fortisil/popeye/internal/changerequest"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/pkg/artifact"
	"github.com/fortisil/popeye/pkg/phase"
	"github.com/google/uuid"
)

// ErrNoState is returned when no run has been started in the project.
var ErrNoState = errors.New("no pipeline state found")

// Status is the lifecycle status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusStuck     Status = "stuck"
	StatusCancelled Status = "cancelled"
)

// Validate checks if the Status is a valid enum value.
func (s Status) Validate() error {
	switch s {
	case StatusRunning, StatusDone, StatusStuck, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("unknown status: %q", s)
	}
}

// Transition is one entry of the phase history.
type Transition struct {
	From      phase.Phase `json:"from"`
	To        phase.Phase `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// PipelineState is the single mutable context of one run.
type PipelineState struct {
	RunID    string `json:"run_id"`
	Idea     string `json:"idea"`
	Language string `json:"language"`

	CurrentPhase phase.Phase `json:"current_phase"`
	Status       Status      `json:"status"`

	Artifacts   []artifact.ArtifactEntry        `json:"artifacts"`
	GateResults map[phase.Phase]gate.GateResult `json:"gate_results"`
	ActiveRoles []skills.Role                   `json:"active_roles"`

	RecoveryCount         int         `json:"recovery_count"`
	MaxRecoveryIterations int         `json:"max_recovery_iterations"`
	FailedPhase           phase.Phase `json:"failed_phase,omitempty"`
	RecoveryTarget        phase.Phase `json:"recovery_target,omitempty"`
	LastError             string      `json:"last_error,omitempty"`

	LatestRepoSnapshot *artifact.ArtifactRef `json:"latest_repo_snapshot,omitempty"`
	ConstitutionHash   string                `json:"constitution_hash,omitempty"`
	SessionGuidance    string                `json:"session_guidance,omitempty"`

	ChangeRequests []changerequest.ChangeRequest `json:"change_requests"`
	History        []Transition                  `json:"history"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates the state of a fresh run positioned at INTAKE.
func NewState(idea, language string, roles []skills.Role, maxRecovery int, now time.Time) *PipelineState {
	active := append([]skills.Role{}, roles...)
	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })

	return &PipelineState{
		RunID:                 uuid.New().String(),
		Idea:                  idea,
		Language:              language,
		CurrentPhase:          phase.Intake,
		Status:                StatusRunning,
		Artifacts:             []artifact.ArtifactEntry{},
		GateResults:           make(map[phase.Phase]gate.GateResult),
		ActiveRoles:           active,
		MaxRecoveryIterations: maxRecovery,
		ChangeRequests:        []changerequest.ChangeRequest{},
		History:               []Transition{},
		StartedAt:             now,
		UpdatedAt:             now,
	}
}

// Validate checks the invariants a persisted state must hold.
func (s *PipelineState) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("run_id cannot be empty")
	}
	if err := s.CurrentPhase.Validate(); err != nil {
		return fmt.Errorf("invalid current phase: %w", err)
	}
	if err := s.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	if s.RecoveryCount < 0 {
		return fmt.Errorf("recovery_count must be >= 0, got %d", s.RecoveryCount)
	}
	if s.MaxRecoveryIterations < 0 {
		return fmt.Errorf("max_recovery_iterations must be >= 0, got %d", s.MaxRecoveryIterations)
	}
	for _, r := range s.ActiveRoles {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("invalid active role: %w", err)
		}
	}
	return nil
}

// Terminal reports whether the run has halted.
func (s *PipelineState) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusStuck
}

// LatestArtifact returns the newest committed entry of a group.
func (s *PipelineState) LatestArtifact(group string) (artifact.ArtifactEntry, bool) {
	var best artifact.ArtifactEntry
	found := false
	for _, e := range s.Artifacts {
		if e.GroupID == group && (!found || e.Version > best.Version) {
			best, found = e, true
		}
	}
	return best, found
}

// LatestOfType returns the newest committed entry of every group holding t,
// sorted by group.
func (s *PipelineState) LatestOfType(t artifact.Type) []artifact.ArtifactEntry {
	latest := make(map[string]artifact.ArtifactEntry)
	for _, e := range s.Artifacts {
		if e.Type != t {
			continue
		}
		if cur, ok := latest[e.GroupID]; !ok || e.Version > cur.Version {
			latest[e.GroupID] = e
		}
	}
	out := make([]artifact.ArtifactEntry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// HasArtifact reports whether an entry id is part of the committed state.
func (s *PipelineState) HasArtifact(id string) bool {
	for _, e := range s.Artifacts {
		if e.ArtifactID == id {
			return true
		}
	}
	return false
}

// PendingChangeRequests returns the CRs still awaiting a decision.
func (s *PipelineState) PendingChangeRequests() []changerequest.ChangeRequest {
	var out []changerequest.ChangeRequest
	for _, cr := range s.ChangeRequests {
		if cr.Status == changerequest.StatusProposed {
			out = append(out, cr)
		}
	}
	return out
}

// StateFile persists a PipelineState as JSON.
type StateFile struct {
	path string
}

// NewStateFile returns a StateFile writing to path.
func NewStateFile(path string) *StateFile {
	return &StateFile{path: path}
}

// Path returns the file location.
func (f *StateFile) Path() string {
	return f.path
}

// Exists reports whether a state has been saved.
func (f *StateFile) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// Load reads and validates the saved state.
func (f *StateFile) Load() (*PipelineState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoState
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var st PipelineState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("invalid state: %w", err)
	}
	if st.GateResults == nil {
		st.GateResults = make(map[phase.Phase]gate.GateResult)
	}
	return &st, nil
}

// Save writes the state atomically so a crash never leaves a torn file.
func (f *StateFile) Save(st *PipelineState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := store.WriteFileAtomic(f.path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// Remove deletes the saved state.
func (f *StateFile) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove state: %w", err)
	}
	return nil
}
