package domain

import "fmt"

// NotFoundError is returned when a job or task ID does not exist.
type NotFoundError struct {
	Kind string // "job" or "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// InvalidStateError is returned when a command is not valid from the
// job's current status. It is surfaced directly to the caller and never
// retried automatically.
type InvalidStateError struct {
	JobID   string
	Status  JobStatus
	Command string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s job %s in status %s", e.Command, e.JobID, e.Status)
}

// TaskExecutionError wraps an opaque failure surfaced by a task runner.
type TaskExecutionError struct {
	TaskID  string
	Attempt int
	Cause   error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d failed: %v", e.TaskID, e.Attempt, e.Cause)
}

func (e *TaskExecutionError) Unwrap() error { return e.Cause }

// RetryExhaustedError marks a task that failed maxRetries times and will
// never be scheduled again.
type RetryExhaustedError struct {
	TaskID   string
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s permanently failed after %d attempts", e.TaskID, e.Attempts)
}

// ConcurrencyLimitViolationError reports an internal invariant breach:
// more tasks running for one job than its limit allows. It indicates a
// scheduler bug and halts scheduling for the affected job.
type ConcurrencyLimitViolationError struct {
	JobID   string
	Running int
	Limit   int
}

func (e *ConcurrencyLimitViolationError) Error() string {
	return fmt.Sprintf("job %s has %d running tasks, limit is %d", e.JobID, e.Running, e.Limit)
}

// UnknownJobTypeError is returned when no runner is registered for a job type.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return fmt.Sprintf("no runner registered for job type %q", e.JobType)
}

// RateLimitExceededError is returned when dispatch for a job type exceeds
// its configured rate limit.
type RateLimitExceededError struct {
	JobType string
	Limit   int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for job type %q: limit is %d", e.JobType, e.Limit)
}
