// Package metrics declares the Prometheus instrumentation for the healing
// pipeline. All counters live in the default registry and are exposed by the
// API server's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhooksReceived counts ingestion requests that passed authentication.
	// Labels: outcome (created, deduplicated, rejected)
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "ingest",
			Name:      "webhooks_total",
			Help:      "Total CI-failure webhooks by outcome",
		},
		[]string{"outcome"},
	)

	// AttemptsTotal counts attempt outcomes.
	// Labels: outcome (succeeded, failed)
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "orchestrator",
			Name:      "attempts_total",
			Help:      "Total fix attempts by outcome",
		},
		[]string{"outcome"},
	)

	// RunTransitions counts run-level state transitions driven by the
	// orchestrator. Labels: transition (fixed, escalated, requeued)
	RunTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "orchestrator",
			Name:      "run_transitions_total",
			Help:      "Total automatic run transitions",
		},
		[]string{"transition"},
	)

	// HumanActions counts human interventions.
	// Labels: action (approve, deny, abort, human-fix)
	HumanActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "orchestrator",
			Name:      "human_actions_total",
			Help:      "Total human actions applied to runs",
		},
		[]string{"action"},
	)

	// PRActions counts GitHub pull-request lifecycle operations.
	// Labels: action (opened, skipped, merged, closed)
	PRActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "github",
			Name:      "pr_actions_total",
			Help:      "Total pull-request actions",
		},
		[]string{"action"},
	)

	// ValidationRuns counts container-validation executions.
	// Labels: result (passed, failed, skipped)
	ValidationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "validation",
			Name:      "runs_total",
			Help:      "Total container validation executions by result",
		},
		[]string{"result"},
	)

	// MemoryOperations counts attempt-memory reads and writes.
	// Labels: op (search, record), result (success, error)
	MemoryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "memory",
			Name:      "operations_total",
			Help:      "Total attempt-memory operations",
		},
		[]string{"op", "result"},
	)

	// NotificationFailures counts chat notifications that could not be
	// delivered. Notifications are best-effort; this is the only trace.
	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Total chat notifications that failed to send",
		},
	)

	// EventPublishFailures counts live-bus publishes that failed after the
	// durable event row was written.
	EventPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "healops",
			Subsystem: "events",
			Name:      "publish_failures_total",
			Help:      "Total live event publishes that failed",
		},
	)

	// JobsInFlight gauges attempt jobs currently being processed by the
	// worker pool.
	JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "healops",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Attempt jobs currently being processed",
		},
	)

	// AttemptDuration tracks wall-clock time per attempt workflow.
	AttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "healops",
			Subsystem: "orchestrator",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of attempt workflows in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)
)

// RecordAttempt records an attempt outcome.
func RecordAttempt(succeeded bool) {
	if succeeded {
		AttemptsTotal.WithLabelValues("succeeded").Inc()
	} else {
		AttemptsTotal.WithLabelValues("failed").Inc()
	}
}

// RecordValidation records a container-validation result.
func RecordValidation(result string) {
	ValidationRuns.WithLabelValues(result).Inc()
}

// RecordMemoryOp records an attempt-memory operation outcome.
func RecordMemoryOp(op string, err error) {
	if err != nil {
		MemoryOperations.WithLabelValues(op, "error").Inc()
		return
	}
	MemoryOperations.WithLabelValues(op, "success").Inc()
}
