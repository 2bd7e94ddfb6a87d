package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fortisil/popeye/internal/backend"
	"github.com/fortisil/popeye/internal/logging"
	"github.com/fortisil/popeye/internal/skills"
	"github.com/fortisil/popeye/internal/validation"
	"gopkg.in/yaml.v3"
)

// FileName is the project configuration file at the project root.
const FileName = "popeye.yml"

// Defaults applied by Validate when a field is omitted. Consensus threshold,
// spread tolerance and quorum have no defaults and must be configured.
const (
	DefaultMaxRecoveryIterations = 3
	DefaultMaxQuorumRetries      = 2
	DefaultConsensusTimeout      = 5 * time.Minute
	DefaultPhaseTimeout          = 30 * time.Minute
	DefaultValidationTimeout     = 10 * time.Minute
	DefaultRedisAddr             = "localhost:6379"
	DefaultHistoryLimit          = 1000
	DefaultMetricsPath           = ".popeye/metrics.prom"
)

// PopeyeConfig represents the top-level popeye.yml configuration
type PopeyeConfig struct {
	Version    string                   `yaml:"version"`
	Project    string                   `yaml:"project,omitempty"`
	Language   string                   `yaml:"language"`
	Consensus  *ConsensusConfig         `yaml:"consensus,omitempty"`
	Pipeline   *PipelineConfig          `yaml:"pipeline,omitempty"`
	Backends   map[string]BackendConfig `yaml:"backends"`
	Validation *ValidationConfig        `yaml:"validation,omitempty"`
	Events     *EventsConfig            `yaml:"events,omitempty"`
	Logging    *logging.Config          `yaml:"logging,omitempty"`
	Metrics    *MetricsConfig           `yaml:"metrics,omitempty"`
}

// ConsensusConfig configures the reviewer vote used by consensus phases.
type ConsensusConfig struct {
	Enabled          *bool            `yaml:"enabled,omitempty"`
	Threshold        *float64         `yaml:"threshold,omitempty"`
	SpreadTolerance  *float64         `yaml:"spread_tolerance,omitempty"`
	MinQuorum        *int             `yaml:"min_quorum,omitempty"`
	Timeout          time.Duration    `yaml:"timeout,omitempty"`
	MaxQuorumRetries *int             `yaml:"max_quorum_retries,omitempty"`
	Reviewers        []ReviewerConfig `yaml:"reviewers"`
	Arbitrator       *ReviewerConfig  `yaml:"arbitrator,omitempty"`
}

// ReviewerConfig binds a reviewer name to a backend.
type ReviewerConfig struct {
	Name    string   `yaml:"name"`
	Backend string   `yaml:"backend"`
	Model   string   `yaml:"model,omitempty"`
	Weight  *float64 `yaml:"weight,omitempty"`
}

// PipelineConfig configures phase sequencing.
type PipelineConfig struct {
	Backend               string        `yaml:"backend"`
	Model                 string        `yaml:"model,omitempty"`
	MaxRecoveryIterations *int          `yaml:"max_recovery_iterations,omitempty"`
	PhaseTimeout          time.Duration `yaml:"phase_timeout,omitempty"`
	Roles                 []string      `yaml:"roles,omitempty"`
}

// BackendConfig describes how to invoke one generation CLI.
type BackendConfig struct {
	Command   []string `yaml:"command"`
	ModelFlag string   `yaml:"model_flag,omitempty"`
	Format    string   `yaml:"format,omitempty"`
	Env       []string `yaml:"env,omitempty"`
}

// ValidationConfig lists QA commands.
type ValidationConfig struct {
	Commands []validation.Command `yaml:"commands"`
	Timeout  time.Duration        `yaml:"timeout,omitempty"`
}

// EventsConfig enables the Redis event bus.
type EventsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	RedisAddr    string `yaml:"redis_addr,omitempty"`
	HistoryLimit int    `yaml:"history_limit,omitempty"`
}

// MetricsConfig controls the Prometheus textfile written after each phase.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// Validate performs strict validation on the configuration and applies
// defaults for omitted optional fields.
func (c *PopeyeConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Language == "" {
		return fmt.Errorf("language is required")
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends defined")
	}
	for name, b := range c.Backends {
		if err := b.Validate(name); err != nil {
			return err
		}
	}

	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateConsensus(); err != nil {
		return err
	}

	if c.Validation == nil {
		c.Validation = &ValidationConfig{}
	}
	if c.Validation.Timeout == 0 {
		c.Validation.Timeout = DefaultValidationTimeout
	}
	for i, cmd := range c.Validation.Commands {
		if cmd.Run == "" {
			return fmt.Errorf("validation.commands[%d]: run is required", i)
		}
		if cmd.Name == "" {
			c.Validation.Commands[i].Name = fmt.Sprintf("command-%d", i+1)
		}
	}

	if c.Events == nil {
		c.Events = &EventsConfig{}
	}
	if c.Events.RedisAddr == "" {
		c.Events.RedisAddr = DefaultRedisAddr
	}
	if c.Events.HistoryLimit == 0 {
		c.Events.HistoryLimit = DefaultHistoryLimit
	}
	if c.Events.HistoryLimit < 0 {
		return fmt.Errorf("events.history_limit must be >= 0, got %d", c.Events.HistoryLimit)
	}

	if c.Logging == nil {
		c.Logging = &logging.Config{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	if c.Metrics.Enabled == nil {
		enabled := true
		c.Metrics.Enabled = &enabled
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	return nil
}

func (c *PopeyeConfig) validatePipeline() error {
	if c.Pipeline == nil {
		return fmt.Errorf("pipeline section is required")
	}
	p := c.Pipeline

	if p.Backend == "" {
		return fmt.Errorf("pipeline.backend is required")
	}
	if _, ok := c.Backends[p.Backend]; !ok {
		return fmt.Errorf("pipeline.backend '%s' is not defined in backends", p.Backend)
	}

	if p.MaxRecoveryIterations == nil {
		n := DefaultMaxRecoveryIterations
		p.MaxRecoveryIterations = &n
	}
	if *p.MaxRecoveryIterations < 0 {
		return fmt.Errorf("pipeline.max_recovery_iterations must be >= 0, got %d", *p.MaxRecoveryIterations)
	}
	if p.PhaseTimeout == 0 {
		p.PhaseTimeout = DefaultPhaseTimeout
	}

	if len(p.Roles) == 0 {
		p.Roles = []string{string(skills.RoleBackend), string(skills.RoleQA)}
	}
	seen := make(map[string]bool)
	for _, r := range p.Roles {
		role := skills.Role(r)
		if err := role.Validate(); err != nil {
			return fmt.Errorf("pipeline.roles: %w", err)
		}
		if !role.IsBuildRole() {
			return fmt.Errorf("pipeline.roles: '%s' cannot be an active build role", r)
		}
		if seen[r] {
			return fmt.Errorf("pipeline.roles: duplicate role '%s'", r)
		}
		seen[r] = true
	}

	return nil
}

func (c *PopeyeConfig) validateConsensus() error {
	if c.Consensus == nil {
		c.Consensus = &ConsensusConfig{}
	}
	cc := c.Consensus
	if cc.Enabled == nil {
		enabled := true
		cc.Enabled = &enabled
	}
	if cc.Timeout == 0 {
		cc.Timeout = DefaultConsensusTimeout
	}
	if cc.MaxQuorumRetries == nil {
		n := DefaultMaxQuorumRetries
		cc.MaxQuorumRetries = &n
	}
	if *cc.MaxQuorumRetries < 0 {
		return fmt.Errorf("consensus.max_quorum_retries must be >= 0, got %d", *cc.MaxQuorumRetries)
	}

	if !*cc.Enabled {
		return nil
	}

	if cc.Threshold == nil {
		return fmt.Errorf("consensus.threshold is required when consensus is enabled")
	}
	if *cc.Threshold < 0 || *cc.Threshold > 1 {
		return fmt.Errorf("consensus.threshold must be within [0,1], got %v", *cc.Threshold)
	}
	if cc.SpreadTolerance == nil {
		return fmt.Errorf("consensus.spread_tolerance is required when consensus is enabled")
	}
	if *cc.SpreadTolerance < 0 {
		return fmt.Errorf("consensus.spread_tolerance must be >= 0, got %v", *cc.SpreadTolerance)
	}

	if len(cc.Reviewers) == 0 {
		return fmt.Errorf("consensus.reviewers: at least one reviewer is required")
	}
	names := make(map[string]bool)
	for i, r := range cc.Reviewers {
		if err := c.validateReviewer(fmt.Sprintf("consensus.reviewers[%d]", i), r); err != nil {
			return err
		}
		if names[r.Name] {
			return fmt.Errorf("consensus.reviewers: duplicate reviewer name '%s'", r.Name)
		}
		names[r.Name] = true
	}

	if cc.MinQuorum == nil {
		return fmt.Errorf("consensus.min_quorum is required when consensus is enabled")
	}
	if *cc.MinQuorum < 1 || *cc.MinQuorum > len(cc.Reviewers) {
		return fmt.Errorf("consensus.min_quorum must be within [1,%d], got %d", len(cc.Reviewers), *cc.MinQuorum)
	}

	if cc.Arbitrator == nil {
		return fmt.Errorf("consensus.arbitrator is required when consensus is enabled")
	}
	return c.validateReviewer("consensus.arbitrator", *cc.Arbitrator)
}

func (c *PopeyeConfig) validateReviewer(field string, r ReviewerConfig) error {
	if r.Name == "" {
		return fmt.Errorf("%s: name is required", field)
	}
	if _, ok := c.Backends[r.Backend]; !ok {
		return fmt.Errorf("%s: backend '%s' is not defined in backends", field, r.Backend)
	}
	if r.Weight != nil && *r.Weight < 0 {
		return fmt.Errorf("%s: weight must be >= 0, got %v", field, *r.Weight)
	}
	return nil
}

// Validate performs validation on a single backend configuration
func (b BackendConfig) Validate(name string) error {
	if len(b.Command) == 0 || b.Command[0] == "" {
		return fmt.Errorf("backend '%s': command is required", name)
	}
	switch b.Format {
	case "", backend.FormatText, backend.FormatJSON:
	default:
		return fmt.Errorf("backend '%s': invalid format: %s (must be 'text' or 'json')", name, b.Format)
	}
	return nil
}

// ConsensusEnabled reports whether consensus phases run a reviewer vote.
func (c *PopeyeConfig) ConsensusEnabled() bool {
	return c.Consensus != nil && c.Consensus.Enabled != nil && *c.Consensus.Enabled
}

// ActiveRoles returns the configured build roles.
func (c *PopeyeConfig) ActiveRoles() []skills.Role {
	roles := make([]skills.Role, len(c.Pipeline.Roles))
	for i, r := range c.Pipeline.Roles {
		roles[i] = skills.Role(r)
	}
	return roles
}

// Weights returns the reviewer weights that were configured explicitly.
func (c *ConsensusConfig) Weights() map[string]float64 {
	out := make(map[string]float64)
	for _, r := range c.Reviewers {
		if r.Weight != nil {
			out[r.Name] = *r.Weight
		}
	}
	return out
}

// ProjectName returns the configured project name or the base name of root.
func (c *PopeyeConfig) ProjectName(root string) string {
	if c.Project != "" {
		return c.Project
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return filepath.Base(root)
	}
	return filepath.Base(abs)
}

// Load reads and validates popeye.yml from the specified path
func Load(path string) (*PopeyeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config PopeyeConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}
