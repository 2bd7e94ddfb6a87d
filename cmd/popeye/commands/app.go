package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/config"
	"github.com/fortisil/popeye/internal/consensus"
	"github.com/fortisil/popeye/internal/events"
	"github.com/fortisil/popeye/internal/gate"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/metrics"
	"github.com/fortisil/popeye/internal/pipeline"
	"github.com/fortisil/popeye/internal/printer"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/snapshot"
	"github.com/fortisil/popeye/internal/store"
	"github.com/fortisil/popeye/internal/validation"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// skillsDir holds optional per-role prompt overrides inside the work directory.
const skillsDir = "skills"

// app is one project as seen by a command: its configuration, work directory
// and, once opened, its store and event bus.
type app struct {
	root   string
	layout pipeline.Layout
	cfg    *config.PopeyeConfig
	logger *zap.Logger

	store  *store.Store
	events *events.Client
}

// loadApp reads the configuration of the project at dir. configPath may be
// empty, in which case <dir>/popeye.yml is used.
func loadApp(dir, configPath string) (*app, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}
	if configPath == "" {
		configPath = filepath.Join(root, config.FileName)
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return nil, printer.ErrorWithContext(
			"popeye.yml not found",
			"This directory is not a Popeye project.",
			map[string]string{"Config": configPath},
			[]string{"Initialize it first:\n  popeye init --language go"},
		)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Fix popeye.yml and run:\n  popeye validate"},
		)
	}

	logger, err := logging.New(*cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &app{
		root:   root,
		layout: pipeline.NewLayout(root),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Close releases the event bus connection and flushes the logger.
func (a *app) Close() {
	if a.events != nil {
		a.events.Close()
	}
	_ = a.logger.Sync()
}

// project is the namespace used on the event bus.
func (a *app) project() string {
	return a.cfg.ProjectName(a.root)
}

// connectEvents opens the Redis event bus when it is enabled. A bus that
// cannot be reached is reported and the run continues without it.
func (a *app) connectEvents(ctx context.Context) events.Publisher {
	if !a.cfg.Events.Enabled {
		return events.Nop{}
	}
	if a.events != nil {
		return a.events
	}

	client, err := a.eventsClient()
	if err != nil {
		logging.Warn(a.logger, "events_disabled", zap.Error(err))
		return events.Nop{}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		printer.Warning("Event bus at %s is unreachable; continuing without live events\n", a.cfg.Events.RedisAddr)
		logging.Warn(a.logger, "events_unreachable", zap.String("addr", a.cfg.Events.RedisAddr), zap.Error(err))
		return events.Nop{}
	}

	a.events = client
	return client
}

func (a *app) eventsClient() (*events.Client, error) {
	return events.NewClient(
		&redis.Options{Addr: a.cfg.Events.RedisAddr},
		a.project(),
		events.WithHistoryLimit(a.cfg.Events.HistoryLimit),
	)
}

// openStore opens the artifact store, publishing writes to pub.
func (a *app) openStore(pub events.Publisher) (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := store.Open(a.layout.StoreDir(), store.WithPublisher(pub), store.WithLogger(a.logger))
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

// backends builds one command backend per configured backend.
func (a *app) backends() (backend.Set, error) {
	set := make(backend.Set, len(a.cfg.Backends))
	for name := range a.cfg.Backends {
		b, err := a.newBackend(name, "")
		if err != nil {
			return nil, err
		}
		set[name] = b
	}
	return set, nil
}

// newBackend builds the named backend, passing model when the backend has a
// model flag.
func (a *app) newBackend(name, model string) (*backend.CommandBackend, error) {
	bc, ok := a.cfg.Backends[name]
	if !ok {
		return nil, fmt.Errorf("backend '%s' is not defined in backends", name)
	}

	opts := []backend.CommandOption{
		backend.WithDir(a.root),
		backend.WithEnv(bc.Env...),
		backend.WithLogger(a.logger),
	}
	if bc.Format != "" {
		opts = append(opts, backend.WithOutputFormat(bc.Format))
	}
	if bc.ModelFlag != "" && model != "" {
		opts = append(opts, backend.WithModel(bc.ModelFlag, model))
	}
	return backend.NewCommand(name, bc.Command, opts...)
}

// consensusRunner builds the reviewer panel. It returns nil when consensus is
// disabled.
func (a *app) consensusRunner(loader skills.Loader) (*consensus.Runner, error) {
	if !a.cfg.ConsensusEnabled() {
		return nil, nil
	}
	cc := a.cfg.Consensus

	reviewerSkill, err := loader.LoadSkill(skills.RoleReviewer)
	if err != nil {
		return nil, err
	}
	reviewers := make([]consensus.Reviewer, 0, len(cc.Reviewers))
	for _, rc := range cc.Reviewers {
		b, err := a.newBackend(rc.Backend, rc.Model)
		if err != nil {
			return nil, err
		}
		reviewers = append(reviewers, consensus.NewBackendReviewer(rc.Name, b, reviewerSkill))
	}

	arbitratorSkill, err := loader.LoadSkill(skills.RoleArbitrator)
	if err != nil {
		return nil, err
	}
	ab, err := a.newBackend(cc.Arbitrator.Backend, cc.Arbitrator.Model)
	if err != nil {
		return nil, err
	}

	return consensus.NewRunner(consensus.Config{
		Threshold:       *cc.Threshold,
		SpreadTolerance: *cc.SpreadTolerance,
		MinQuorum:       *cc.MinQuorum,
		Weights:         cc.Weights(),
		Timeout:         cc.Timeout,
		Arbitrator:      consensus.NewBackendReviewer(cc.Arbitrator.Name, ab, arbitratorSkill),
	}, reviewers, consensus.WithLogger(a.logger))
}

// gateThreshold is the minimum consensus score checked by consensus gates.
// Without a vote the synthetic approval always scores 1.
func (a *app) gateThreshold() float64 {
	if a.cfg.ConsensusEnabled() {
		return *a.cfg.Consensus.Threshold
	}
	return 0
}

// deps wires every collaborator the pipeline executors need.
func (a *app) deps(ctx context.Context) (*pipeline.Deps, error) {
	pub := a.connectEvents(ctx)
	s, err := a.openStore(pub)
	if err != nil {
		return nil, err
	}

	registry, err := skills.NewRegistry(filepath.Join(a.layout.Dir(), skillsDir))
	if err != nil {
		return nil, err
	}

	primary, err := a.newBackend(a.cfg.Pipeline.Backend, a.cfg.Pipeline.Model)
	if err != nil {
		return nil, err
	}

	runner, err := a.consensusRunner(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to configure consensus: %w", err)
	}

	return &pipeline.Deps{
		Root:      a.root,
		Store:     s,
		Gates:     gate.NewEngine(a.gateThreshold()),
		Consensus: runner,
		Snapshot: func(dir string) (*snapshot.RepoSnapshot, error) {
			return snapshot.Generate(dir)
		},
		Skills:           registry,
		Backend:          primary,
		Expander:         backend.NewPromptExpander(primary, registry),
		Validator:        validation.NewRunner(a.root, a.cfg.Validation.Commands, a.cfg.Validation.Timeout, a.logger),
		Publisher:        pub,
		Metrics:          metrics.New(),
		Logger:           a.logger,
		MaxQuorumRetries: *a.cfg.Consensus.MaxQuorumRetries,
	}, nil
}

// machine builds the state machine for this project.
func (a *app) machine(ctx context.Context) (*pipeline.Machine, error) {
	deps, err := a.deps(ctx)
	if err != nil {
		return nil, err
	}
	return a.newMachine(deps), nil
}

// newMachine builds a machine over deps with the project's lock, timeout and
// metrics settings.
func (a *app) newMachine(deps *pipeline.Deps, opts ...pipeline.MachineOption) *pipeline.Machine {
	base := []pipeline.MachineOption{
		pipeline.WithRunLock(pipeline.NewRunLock(a.layout.LockPath())),
		pipeline.WithPhaseTimeout(a.cfg.Pipeline.PhaseTimeout),
	}
	if *a.cfg.Metrics.Enabled {
		base = append(base, pipeline.WithMetricsTextfile(a.layout.Resolve(a.cfg.Metrics.Path)))
	}
	return pipeline.NewMachine(deps, a.stateFile(), append(base, opts...)...)
}

// controlMachine builds a machine that only inspects or stops the saved run.
// It needs neither backends nor the store.
func (a *app) controlMachine() *pipeline.Machine {
	return a.newMachine(&pipeline.Deps{Root: a.root, Logger: a.logger})
}

func (a *app) stateFile() *pipeline.StateFile {
	return pipeline.NewStateFile(a.layout.StatePath())
}
