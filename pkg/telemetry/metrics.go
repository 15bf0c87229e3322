package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIJobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "api",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs submitted through the REST API.",
	}, []string{"type"})

	// ─── Lifecycle controller ────────────────────────────────────────────────────

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "lifecycle",
		Name:      "commands_total",
		Help:      "Lifecycle commands processed, labelled by command and outcome.",
	}, []string{"command", "outcome"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "lifecycle",
		Name:      "jobs_finished_total",
		Help:      "Jobs that reached a terminal status, labelled by type and status.",
	}, []string{"type", "status"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerTasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "tasks_dispatched_total",
		Help:      "Total tasks handed to a runner.",
	}, []string{"type"})

	SchedulerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"type"})

	SchedulerTaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"type"})

	SchedulerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "retries_total",
		Help:      "Total task retry attempts.",
	}, []string{"type"})

	SchedulerTasksExhausted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "tasks_exhausted_total",
		Help:      "Tasks terminally failed after exhausting their retry budget.",
	}, []string{"type"})

	SchedulerStaleResultsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "stale_results_dropped_total",
		Help:      "Late task results discarded because the job was cancelled or reset.",
	})

	SchedulerRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "rate_limited_total",
		Help:      "Dispatch attempts deferred by the rate limiter.",
	})

	SchedulerHaltedJobs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "scheduler",
		Name:      "halted_jobs_total",
		Help:      "Jobs whose scheduling was halted by a concurrency invariant breach.",
	})

	// ─── Event publisher ─────────────────────────────────────────────────────────

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published, labelled by event type.",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber's buffer was full.",
	})

	EventSinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "batchflow",
		Subsystem: "events",
		Name:      "sink_errors_total",
		Help:      "Failed publishes to the external event sink after retries.",
	})
)
