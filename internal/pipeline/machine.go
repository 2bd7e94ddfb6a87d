package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/pkg/phase"
	"go.uber.org/zap"
)

var (
	// ErrStuck is returned by Run when the recovery budget is exhausted.
	ErrStuck = errors.New("pipeline is stuck")
	// ErrAlreadyStarted is returned by Start when a state already exists.
	ErrAlreadyStarted = errors.New("a pipeline run already exists; resume or reset it")
	// ErrFinished is returned by Resume for runs that reached DONE or STUCK.
	ErrFinished = errors.New("pipeline run has finished")
	// ErrNoExecutor is a configuration error: a phase has no executor.
	ErrNoExecutor = errors.New("no executor for phase")
)

// Machine sequences phases for one project.
type Machine struct {
	deps         *Deps
	state        *StateFile
	lock         *RunLock
	executors    map[phase.Phase]Executor
	phaseTimeout time.Duration
	metricsPath  string
	logger       *zap.Logger
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithExecutor replaces the executor of one phase.
func WithExecutor(p phase.Phase, e Executor) MachineOption {
	return func(m *Machine) { m.executors[p] = e }
}

// WithPhaseTimeout bounds every executor call. Zero means no bound.
func WithPhaseTimeout(d time.Duration) MachineOption {
	return func(m *Machine) { m.phaseTimeout = d }
}

// WithRunLock guards runs with a lock file.
func WithRunLock(l *RunLock) MachineOption {
	return func(m *Machine) { m.lock = l }
}

// WithMetricsTextfile writes the metrics registry to path after every phase.
func WithMetricsTextfile(path string) MachineOption {
	return func(m *Machine) { m.metricsPath = path }
}

// DefaultExecutors returns the executor of every phase.
func DefaultExecutors() map[phase.Phase]Executor {
	return map[phase.Phase]Executor{
		phase.Intake:                ExecutorFunc(intake),
		phase.ConsensusMasterPlan:   consensusExecutor(phase.ConsensusMasterPlan),
		phase.Architecture:          ExecutorFunc(architecture),
		phase.ConsensusArchitecture: consensusExecutor(phase.ConsensusArchitecture),
		phase.RolePlanning:          ExecutorFunc(rolePlanning),
		phase.ConsensusRolePlans:    consensusExecutor(phase.ConsensusRolePlans),
		phase.Implementation:        ExecutorFunc(implementation),
		phase.QAValidation:          ExecutorFunc(qaValidation),
		phase.Review:                ExecutorFunc(review),
		phase.Audit:                 ExecutorFunc(auditPhase),
		phase.ProductionGate:        ExecutorFunc(productionGate),
		phase.RecoveryLoop:          ExecutorFunc(recoveryLoop),
		phase.Stuck:                 ExecutorFunc(stuck),
	}
}

// NewMachine creates a machine persisting to stateFile.
func NewMachine(deps *Deps, stateFile *StateFile, opts ...MachineOption) *Machine {
	m := &Machine{
		deps:      deps,
		state:     stateFile,
		executors: DefaultExecutors(),
		logger:    logging.Component(deps.Logger, "pipeline"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartOptions describe a new run.
type StartOptions struct {
	Idea                  string
	Language              string
	Roles                 []skills.Role
	MaxRecoveryIterations int
	Guidance              string
}

// Start creates a new run and drives it to completion.
func (m *Machine) Start(ctx context.Context, opts StartOptions) (*PipelineState, error) {
	if opts.Idea == "" {
		return nil, fmt.Errorf("idea cannot be empty")
	}
	if opts.MaxRecoveryIterations < 0 {
		return nil, fmt.Errorf("max recovery iterations must be >= 0, got %d", opts.MaxRecoveryIterations)
	}
	for _, r := range opts.Roles {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	if m.state.Exists() {
		return nil, ErrAlreadyStarted
	}

	st := NewState(opts.Idea, opts.Language, opts.Roles, opts.MaxRecoveryIterations, m.deps.now())
	st.SessionGuidance = opts.Guidance
	if err := m.state.Save(st); err != nil {
		return nil, err
	}
	logging.Event(m.logger, "pipeline_started",
		zap.String("run_id", st.RunID),
		zap.String("language", st.Language),
		zap.Int("roles", len(st.ActiveRoles)),
		zap.Int("max_recovery_iterations", st.MaxRecoveryIterations),
	)
	return st, m.Run(ctx, st)
}

// Resume continues the saved run from its current phase. Non-empty guidance
// replaces the session guidance passed to prompts.
func (m *Machine) Resume(ctx context.Context, guidance string) (*PipelineState, error) {
	release, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	st, err := m.state.Load()
	if err != nil {
		return nil, err
	}
	if st.Terminal() {
		return st, fmt.Errorf("%w (%s)", ErrFinished, st.Status)
	}
	if guidance != "" {
		st.SessionGuidance = guidance
	}
	st.Status = StatusRunning
	logging.Event(m.logger, "pipeline_resumed",
		zap.String("run_id", st.RunID),
		zap.String("phase", string(st.CurrentPhase)),
	)
	return st, m.Run(ctx, st)
}

// Reset deletes the saved run. Artifacts are immutable and stay in the store.
// A run that has not finished is only reset with force.
func (m *Machine) Reset(force bool) error {
	release, err := m.acquire()
	if err != nil {
		return err
	}
	defer release()

	st, err := m.state.Load()
	if errors.Is(err, ErrNoState) {
		return nil
	}
	if err != nil && !force {
		return err
	}
	if err == nil && !st.Terminal() && st.Status != StatusCancelled && !force {
		return fmt.Errorf("run %s is %s in %s; use force to reset it", st.RunID, st.Status, st.CurrentPhase)
	}
	if err := m.state.Remove(); err != nil {
		return err
	}
	logging.Event(m.logger, "pipeline_reset", zap.Bool("force", force))
	return nil
}

// Cancel stops the run. A live run holding the lock is interrupted and
// records the cancellation itself; otherwise the saved state is marked
// cancelled. Reports whether a live process was signalled.
func (m *Machine) Cancel() (bool, error) {
	if m.lock != nil {
		if pid := m.lock.ActiveOwner(); pid != 0 && pid != os.Getpid() {
			proc, err := os.FindProcess(pid)
			if err != nil {
				return false, fmt.Errorf("failed to find run process %d: %w", pid, err)
			}
			if err := proc.Signal(os.Interrupt); err != nil {
				return false, fmt.Errorf("failed to signal run process %d: %w", pid, err)
			}
			return true, nil
		}
	}

	st, err := m.state.Load()
	if err != nil {
		return false, err
	}
	if st.Terminal() {
		return false, fmt.Errorf("%w (%s)", ErrFinished, st.Status)
	}
	st.Status = StatusCancelled
	st.UpdatedAt = m.deps.now()
	return false, m.state.Save(st)
}

func (m *Machine) acquire() (func(), error) {
	if m.lock == nil {
		return func() {}, nil
	}
	if err := m.lock.Acquire(); err != nil {
		return nil, err
	}
	return func() {
		if err := m.lock.Release(); err != nil {
			logging.Warn(m.logger, "lock_release_failed", zap.Error(err))
		}
	}, nil
}

// Run drives st until DONE, STUCK or cancellation. The state is persisted
// after every transition.
func (m *Machine) Run(ctx context.Context, st *PipelineState) error {
	for {
		if err := ctx.Err(); err != nil {
			return m.cancelled(st, err)
		}

		switch st.CurrentPhase {
		case phase.Done:
			return m.halt(st, StatusDone, "pipeline completed")
		case phase.Stuck:
			res, err := m.execute(ctx, st, phase.Stuck)
			if err != nil {
				return err
			}
			haltErr := m.halt(st, StatusStuck, res.Message)
			if !res.Success {
				return errors.Join(ErrStuck, fmt.Errorf("failed to write stuck report: %s", res.Error), haltErr)
			}
			if haltErr != nil {
				return haltErr
			}
			return ErrStuck
		}

		current := st.CurrentPhase
		res, err := m.execute(ctx, st, current)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return m.cancelled(st, ctx.Err())
		}

		if _, err := m.deps.Store.UpdateIndex(m.deps.Store.Entries()); err != nil {
			st.LastError = err.Error()
			if saveErr := m.state.Save(st); saveErr != nil {
				return errors.Join(err, saveErr)
			}
			return fmt.Errorf("phase %s: %w", current, err)
		}

		next, reason := m.next(st, current, res)
		if err := m.transition(ctx, st, next, reason); err != nil {
			return err
		}
	}
}

// execute runs one executor under the phase timeout. A panicking executor is
// reported as a failed phase; its stage was never committed.
func (m *Machine) execute(ctx context.Context, st *PipelineState, p phase.Phase) (res PhaseResult, err error) {
	exec, ok := m.executors[p]
	if !ok {
		return PhaseResult{}, fmt.Errorf("%w: %s", ErrNoExecutor, p)
	}

	pctx := ctx
	if m.phaseTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, m.phaseTimeout)
		defer cancel()
	}

	logging.Event(m.logger, "phase_started",
		zap.String("run_id", st.RunID),
		zap.String("phase", string(p)),
		zap.Int("recovery_count", st.RecoveryCount),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = PhaseResult{Phase: p, Error: fmt.Sprintf("executor panicked: %v", r), Message: "executor panicked"}
		}
		m.deps.Metrics.RecordPhase(string(p), res.Success, time.Since(start).Seconds())

		fields := []zap.Field{
			zap.String("run_id", st.RunID),
			zap.String("phase", string(p)),
			zap.Bool("success", res.Success),
			zap.Int("artifacts", len(res.Artifacts)),
			zap.String("message", res.Message),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		}
		if res.Success {
			logging.Event(m.logger, "phase_completed", fields...)
		} else {
			logging.Warn(m.logger, "phase_failed", append(fields, zap.String("error", res.Error))...)
		}
	}()

	return exec.Execute(pctx, st, m.deps), nil
}

// next decides the transition after p produced res.
func (m *Machine) next(st *PipelineState, p phase.Phase, res PhaseResult) (phase.Phase, string) {
	if res.Success {
		if p == phase.RecoveryLoop {
			target := st.RecoveryTarget
			if target == "" {
				target = st.FailedPhase
			}
			return target, "recovery complete: " + res.Message
		}
		n, _ := p.Next()
		return n, res.Message
	}

	if p != phase.RecoveryLoop {
		st.FailedPhase = p
		st.RecoveryTarget = res.RecoveryTarget
		if st.RecoveryTarget == "" {
			st.RecoveryTarget = recoveryTarget(p)
		}
	}
	st.LastError = res.Error
	if st.LastError == "" {
		st.LastError = res.Message
	}
	st.RecoveryCount++
	m.deps.Metrics.SetRecoveryIterations(st.RecoveryCount)

	if st.RecoveryCount > st.MaxRecoveryIterations {
		return phase.Stuck, fmt.Sprintf("recovery exhausted after %d iteration(s): %s", st.MaxRecoveryIterations, st.LastError)
	}
	return phase.RecoveryLoop, fmt.Sprintf("%s failed: %s", p, st.LastError)
}

// recoveryTarget is the phase re-entered after p fails. Failures found by
// validation, review or audit are fixed by implementing again.
func recoveryTarget(p phase.Phase) phase.Phase {
	switch p {
	case phase.QAValidation, phase.Review, phase.Audit:
		return phase.Implementation
	}
	return p
}

func (m *Machine) transition(ctx context.Context, st *PipelineState, to phase.Phase, reason string) error {
	from := st.CurrentPhase
	now := m.deps.now()
	st.CurrentPhase = to
	st.UpdatedAt = now
	st.History = append(st.History, Transition{From: from, To: to, Reason: reason, Timestamp: now})

	if err := m.state.Save(st); err != nil {
		return err
	}
	m.writeMetrics()

	logging.Event(m.logger, "phase_transition",
		zap.String("run_id", st.RunID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("recovery_count", st.RecoveryCount),
		zap.String("reason", reason),
	)
	m.deps.publish(ctx, events.Event{
		Kind:    events.KindPhaseTransition,
		RunID:   st.RunID,
		From:    from,
		To:      to,
		Message: reason,
	})
	return nil
}

func (m *Machine) halt(st *PipelineState, status Status, message string) error {
	st.Status = status
	st.UpdatedAt = m.deps.now()
	if err := m.state.Save(st); err != nil {
		return err
	}
	m.writeMetrics()

	logging.Event(m.logger, "pipeline_halted",
		zap.String("run_id", st.RunID),
		zap.String("status", string(status)),
		zap.String("phase", string(st.CurrentPhase)),
		zap.String("message", message),
	)
	// The caller's context may already be done; the halt event is still sent.
	m.deps.publish(context.Background(), events.Event{
		Kind:    events.KindPipelineHalted,
		RunID:   st.RunID,
		Phase:   st.CurrentPhase,
		Status:  string(status),
		Message: message,
	})
	return nil
}

func (m *Machine) cancelled(st *PipelineState, cause error) error {
	if err := m.halt(st, StatusCancelled, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (m *Machine) writeMetrics() {
	if m.metricsPath == "" {
		return
	}
	if err := m.deps.Metrics.WriteTextfile(m.metricsPath); err != nil {
		logging.Warn(m.logger, "metrics_write_failed", zap.Error(err))
	}
}
