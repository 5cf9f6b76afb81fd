package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// invocationsTotal counts agent invocations.
	// Labels: phase, result (success, error)
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epicflow",
			Subsystem: "orchestrator",
			Name:      "invocations_total",
			Help:      "Total number of agent invocations by phase and result",
		},
		[]string{"phase", "result"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "epicflow",
			Subsystem: "orchestrator",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of agent invocations in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"phase"},
	)

	// transitionsTotal counts committed transitions.
	// Labels: event (advance, retry, loop-back, failed, cancelled, completed)
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epicflow",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Total number of checkpointed transitions by event",
		},
		[]string{"event"},
	)

	checkpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epicflow",
			Subsystem: "orchestrator",
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint commits by result",
		},
		[]string{"result"},
	)

	// runsTotal counts finished runs.
	// Labels: state (completed, failed)
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epicflow",
			Subsystem: "orchestrator",
			Name:      "runs_total",
			Help:      "Total number of finished runs by final state",
		},
		[]string{"state"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "epicflow",
			Subsystem: "orchestrator",
			Name:      "active_runs",
			Help:      "Number of runs currently executing",
		},
	)

	markerConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "epicflow",
			Subsystem: "orchestrator",
			Name:      "marker_conflicts_total",
			Help:      "Done and findings markers found together, by phase",
		},
		[]string{"phase"},
	)
)
