package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the CHRONOS scheduling
// engine. Uses promauto for automatic registration with the default
// registry.
var (
	// --- Job Metrics ---

	// JobsByStatus gauges the current count of jobs in each status.
	JobsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chronos",
			Subsystem: "jobs",
			Name:      "by_status",
			Help:      "Current number of jobs by status",
		},
		[]string{"status"},
	)

	// ExecutionsTotal counts completed execution attempts by outcome.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronos",
			Subsystem: "executions",
			Name:      "total",
			Help:      "Total number of job executions by outcome status",
		},
		[]string{"status", "task_type"},
	)

	// ExecutionDuration tracks job execution duration.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chronos",
			Subsystem: "executions",
			Name:      "duration_seconds",
			Help:      "Duration of job executions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~27m
		},
		[]string{"task_type", "status"},
	)

	// --- Picker / Worker Metrics ---

	// PickerClaimLag measures delay between nextRunAt and the moment a
	// job was actually claimed.
	PickerClaimLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chronos",
			Subsystem: "picker",
			Name:      "claim_lag_seconds",
			Help:      "Delay between a job's nextRunAt and its claim",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
	)

	// PollTicks counts worker poll cycles.
	PollTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronos",
			Subsystem: "worker",
			Name:      "poll_ticks_total",
			Help:      "Total number of worker poll cycles",
		},
	)

	// JobsClaimed counts jobs claimed by the picker.
	JobsClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronos",
			Subsystem: "picker",
			Name:      "jobs_claimed_total",
			Help:      "Total number of jobs claimed",
		},
	)

	// ActiveJobs tracks jobs currently being executed on this worker.
	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chronos",
			Subsystem: "worker",
			Name:      "active_jobs",
			Help:      "Number of currently executing jobs on this worker",
		},
	)

	// StaleJobsRecovered counts jobs reclaimed from crashed workers.
	StaleJobsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronos",
			Subsystem: "picker",
			Name:      "stale_jobs_recovered_total",
			Help:      "Total number of jobs reclaimed from stale locks",
		},
	)

	// --- Retry Metrics ---

	// RetriesTotal counts job retries.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chronos",
			Subsystem: "executions",
			Name:      "retries_total",
			Help:      "Total number of job retries",
		},
		[]string{"task_type"},
	)

	// --- Dependency Metrics ---

	// DependentsFannedOut counts WAITING children transitioned to
	// SCHEDULED after a parent's success.
	DependentsFannedOut = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronos",
			Subsystem: "dependencies",
			Name:      "fanned_out_total",
			Help:      "Total number of dependent jobs scheduled after a parent succeeded",
		},
	)

	// DependentsBlocked counts WAITING children transitioned to BLOCKED
	// after a parent's permanent failure.
	DependentsBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "chronos",
			Subsystem: "dependencies",
			Name:      "blocked_total",
			Help:      "Total number of dependent jobs blocked after a parent failed",
		},
	)

	// --- Lock Manager Metrics ---

	// LocksHeld gauges named locks currently held by this process.
	LocksHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chronos",
			Subsystem: "locking",
			Name:      "held",
			Help:      "Number of named locks currently held by this process",
		},
	)
)

// RecordExecution records metrics for a completed execution attempt.
func RecordExecution(taskType, status string, durationSeconds float64) {
	ExecutionsTotal.WithLabelValues(status, taskType).Inc()
	ExecutionDuration.WithLabelValues(taskType, status).Observe(durationSeconds)
}

// RecordClaim records a job being claimed by the picker.
func RecordClaim(lagSeconds float64) {
	JobsClaimed.Inc()
	PickerClaimLag.Observe(lagSeconds)
}
