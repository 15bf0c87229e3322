package domain

import "time"

// JobStatus represents the lifecycle states of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Priority orders jobs for display and dispatch preference.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// rank maps priorities to a sortable weight. Unknown values sort last.
func (p Priority) rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 4
}

// Before reports whether p sorts ahead of other.
func (p Priority) Before(other Priority) bool { return p.rank() < other.rank() }

// CompletionPolicy decides when a job with terminal tasks counts as completed.
type CompletionPolicy string

const (
	// CompleteAnySuccess marks the job completed when all tasks are terminal
	// and at least one completed successfully.
	CompleteAnySuccess CompletionPolicy = "any_success"
	// CompleteAllSuccess requires every task to complete successfully.
	CompleteAllSuccess CompletionPolicy = "all_success"
)

// Job is a unit of batch work composed of independently retryable tasks.
// Jobs own their tasks: deleting a job cascades to its tasks.
type Job struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Type             string           `json:"type"`
	OwnerID          string           `json:"owner_id,omitempty"`
	Priority         Priority         `json:"priority"`
	Status           JobStatus        `json:"status"`
	ConcurrencyLimit int              `json:"concurrency_limit"`
	MaxRetries       int              `json:"max_retries"`
	CompletionPolicy CompletionPolicy `json:"completion_policy"`
	// FailureRatio aborts the job early when failed/total exceeds it.
	// Zero disables the threshold.
	FailureRatio   float64    `json:"failure_ratio,omitempty"`
	TasksTotal     int        `json:"tasks_total"`
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
	TasksSkipped   int        `json:"tasks_skipped"`
	Progress       float64    `json:"progress"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TasksPendingOrRunning derives the non-terminal task count, preserving
// the invariant completed + failed + skipped + pendingOrRunning == total.
func (j *Job) TasksPendingOrRunning() int {
	return j.TasksTotal - j.TasksCompleted - j.TasksFailed - j.TasksSkipped
}

// Clone returns a deep copy safe to hand to callers and persistence.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
