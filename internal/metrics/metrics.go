// Package metrics holds the Prometheus collectors for a pipeline run.
//
// Popeye is a CLI rather than a long-running server, so metrics are written
// to a node_exporter textfile after each phase instead of being scraped.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the pipeline engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Phase execution
	PhaseRunsTotal *prometheus.CounterVec
	PhaseDuration  *prometheus.HistogramVec

	// Gates
	GateResultsTotal *prometheus.CounterVec
	GateScore        *prometheus.GaugeVec

	// Consensus
	ConsensusRoundsTotal *prometheus.CounterVec
	ConsensusScore       *prometheus.GaugeVec
	ArbitrationsTotal    prometheus.Counter

	// Recovery and change requests
	RecoveryIterations   prometheus.Gauge
	ChangeRequestsTotal  *prometheus.CounterVec
	ArtifactsStoredTotal *prometheus.CounterVec
}

// New creates metrics registered on a fresh registry.
//
// Each Metrics owns its registry so tests and repeated runs in one process
// never collide on collector registration.
//
// Metrics:
//   - popeye_phase_runs_total{phase,outcome} - phase executions by outcome
//   - popeye_phase_duration_seconds{phase} - phase execution time
//   - popeye_gate_results_total{phase,result} - gate pass/fail counts
//   - popeye_gate_score{phase} - last gate score
//   - popeye_consensus_rounds_total{phase,status} - consensus rounds by final status
//   - popeye_consensus_score{phase} - last effective consensus score
//   - popeye_arbitrations_total - arbitrator invocations
//   - popeye_recovery_iterations - current recovery count
//   - popeye_change_requests_total{type} - change requests raised
//   - popeye_artifacts_stored_total{type} - artifacts written
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PhaseRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popeye_phase_runs_total",
				Help: "Total number of phase executions",
			},
			[]string{"phase", "outcome"}, // "success" or "failure"
		),

		PhaseDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popeye_phase_duration_seconds",
				Help:    "Duration of phase execution in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8), // 100ms to ~27min
			},
			[]string{"phase"},
		),

		GateResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popeye_gate_results_total",
				Help: "Total number of gate evaluations",
			},
			[]string{"phase", "result"},
		),

		GateScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "popeye_gate_score",
				Help: "Score of the most recent gate evaluation",
			},
			[]string{"phase"},
		),

		ConsensusRoundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popeye_consensus_rounds_total",
				Help: "Total number of consensus rounds",
			},
			[]string{"phase", "status"},
		),

		ConsensusScore: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "popeye_consensus_score",
				Help: "Effective score of the most recent consensus round",
			},
			[]string{"phase"},
		),

		ArbitrationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "popeye_arbitrations_total",
				Help: "Total number of arbitrator invocations",
			},
		),

		RecoveryIterations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "popeye_recovery_iterations",
				Help: "Current number of recovery iterations in this run",
			},
		),

		ChangeRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popeye_change_requests_total",
				Help: "Total number of change requests raised",
			},
			[]string{"type"},
		),

		ArtifactsStoredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popeye_artifacts_stored_total",
				Help: "Total number of artifacts written to the store",
			},
			[]string{"type"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordPhase records a phase execution with its duration.
func (m *Metrics) RecordPhase(phase string, success bool, durationSeconds float64) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.PhaseRunsTotal.WithLabelValues(phase, outcome).Inc()
	m.PhaseDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// RecordGate records a gate evaluation.
func (m *Metrics) RecordGate(phase string, pass bool, score float64) {
	if m == nil {
		return
	}
	result := "fail"
	if pass {
		result = "pass"
	}
	m.GateResultsTotal.WithLabelValues(phase, result).Inc()
	m.GateScore.WithLabelValues(phase).Set(score)
}

// RecordConsensus records a consensus round.
func (m *Metrics) RecordConsensus(phase, status string, score float64, arbitrated bool) {
	if m == nil {
		return
	}
	m.ConsensusRoundsTotal.WithLabelValues(phase, status).Inc()
	m.ConsensusScore.WithLabelValues(phase).Set(score)
	if arbitrated {
		m.ArbitrationsTotal.Inc()
	}
}

// SetRecoveryIterations updates the recovery counter gauge.
func (m *Metrics) SetRecoveryIterations(n int) {
	if m == nil {
		return
	}
	m.RecoveryIterations.Set(float64(n))
}

// RecordChangeRequest records a raised change request.
func (m *Metrics) RecordChangeRequest(changeType string) {
	if m == nil {
		return
	}
	m.ChangeRequestsTotal.WithLabelValues(changeType).Inc()
}

// RecordArtifact records an artifact write.
func (m *Metrics) RecordArtifact(artifactType string) {
	if m == nil {
		return
	}
	m.ArtifactsStoredTotal.WithLabelValues(artifactType).Inc()
}

// WriteTextfile writes all metrics in the Prometheus text format to path,
// creating parent directories as needed.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
