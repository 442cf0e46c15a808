package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_reports_total",
			Help: "Total number of error reports received",
		},
		[]string{"status"},
	)

	// Workflow metrics
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_workflows_started_total",
			Help: "Total number of workflow runs started",
		},
		[]string{"workflow", "engine"},
	)

	WorkflowsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_workflows_finished_total",
			Help: "Total number of workflow runs that reached a terminal state",
		},
		[]string{"workflow", "status"},
	)

	WorkflowDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faultline_workflow_duration_seconds",
			Help:    "Duration of workflow runs in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow"},
	)

	WorkflowsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "faultline_workflows_in_flight",
			Help: "Number of workflow runs currently executing in this process",
		},
	)

	// Activity metrics
	ActivityAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_activity_attempts_total",
			Help: "Total number of activity attempts",
		},
		[]string{"activity", "result"},
	)

	ActivityDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faultline_activity_duration_seconds",
			Help:    "Duration of activity attempts in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"activity"},
	)

	CheckpointHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_activity_checkpoint_hits_total",
			Help: "Activities skipped because a completed checkpoint existed",
		},
		[]string{"activity"},
	)

	// Grouping metrics
	GroupsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_groups_created_total",
			Help: "Total number of error groups created",
		},
	)

	DuplicatesMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "faultline_duplicates_marked_total",
			Help: "Total number of raw errors marked as duplicates",
		},
	)

	StatsRecomputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_stats_recomputed_total",
			Help: "Total number of group statistics recomputations",
		},
		[]string{"health"},
	)

	// DLQ metrics
	DLQWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_dlq_writes_total",
			Help: "Total number of failed workflows written to the dead-letter queue",
		},
		[]string{"backend", "result"},
	)

	// Scheduler metrics
	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_scheduler_runs_total",
			Help: "Total number of scheduled job runs",
		},
		[]string{"job", "result"},
	)

	// Usage metrics
	UsageFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_usage_flushes_total",
			Help: "Total number of per-project usage batches written to redis",
		},
		[]string{"result"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faultline_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faultline_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Result converts an error into the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
