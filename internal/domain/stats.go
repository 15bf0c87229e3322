package domain

import "time"

// StatsSnapshot is a derived, non-authoritative aggregate over a set of
// jobs and their tasks. It is recomputed on demand from job/task state
// and is always safe to regenerate.
type StatsSnapshot struct {
	TakenAt time.Time `json:"taken_at"`

	JobsTotal     int `json:"jobs_total"`
	JobsPending   int `json:"jobs_pending"`
	JobsRunning   int `json:"jobs_running"`
	JobsPaused    int `json:"jobs_paused"`
	JobsCompleted int `json:"jobs_completed"`
	JobsFailed    int `json:"jobs_failed"`
	JobsCancelled int `json:"jobs_cancelled"`

	TasksTotal     int `json:"tasks_total"`
	TasksCompleted int `json:"tasks_completed"`
	TasksFailed    int `json:"tasks_failed"`
	TasksSkipped   int `json:"tasks_skipped"`
	TasksRunning   int `json:"tasks_running"`
	TasksPending   int `json:"tasks_pending"`

	// ThroughputPerMinute counts task completions inside the sampling window.
	ThroughputPerMinute float64 `json:"throughput_per_minute"`
	// AvgTaskDuration averages completed task execution time.
	AvgTaskDuration time.Duration `json:"avg_task_duration"`
	// EstimatedRemaining is a rough ETA for the outstanding task backlog.
	// Zero when there is no backlog or no duration sample yet.
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}
