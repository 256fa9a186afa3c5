package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API / Lifecycle Controller ──────────────────────────────────────────────

	TasksDelegated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "delegation",
		Name:      "tasks_delegated_total",
		Help:      "Total tasks created by delegate(), labelled by initial status.",
	}, []string{"status"})

	TasksApproved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "delegation",
		Name:      "tasks_approved_total",
		Help:      "Total pending tasks approved and queued.",
	})

	TasksCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "delegation",
		Name:      "tasks_cancelled_total",
		Help:      "Total tasks cancelled, labelled by the status they were in.",
	}, []string{"was"})

	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "delegation",
		Name:      "dispatch_failures_total",
		Help:      "Total queue submissions that failed (task left in prior status).",
	})

	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "delegation",
		Name:      "notify_failures_total",
		Help:      "Total best-effort GitHub label/comment notifications that failed.",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lzportal",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method, route pattern, and status code.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route", "status"})

	// ─── Runner ──────────────────────────────────────────────────────────────────

	RunnerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "runner",
		Name:      "tasks_processed_total",
		Help:      "Total task invocations processed, labelled by terminal status.",
	}, []string{"status"})

	RunnerTasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lzportal",
		Subsystem: "runner",
		Name:      "tasks_inflight",
		Help:      "Task invocations currently being executed.",
	})

	RunnerTaskDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lzportal",
		Subsystem: "runner",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task handler invocation time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	RunnerSkippedCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "runner",
		Name:      "skipped_cancelled_total",
		Help:      "Total queued invocations skipped because the task was cancelled before execution.",
	})

	RunnerDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "runner",
		Name:      "dlq_total",
		Help:      "Total malformed invocations forwarded to the dead-letter topic.",
	})

	// ─── Reconciler ──────────────────────────────────────────────────────────────

	ReconcilerTasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lzportal",
		Subsystem: "reconciler",
		Name:      "stuck_tasks_failed_total",
		Help:      "Total tasks failed by the reconciler for exceeding the execution deadline.",
	})
)
