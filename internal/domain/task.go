package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the states a task can be in.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	// TaskSkipped marks a task abandoned because its job was cancelled or
	// aborted before the task could run to a result.
	TaskSkipped TaskStatus = "skipped"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// Task is one independently schedulable piece of work inside a job.
// The back-reference JobID never implies ownership the other direction.
type Task struct {
	ID         string          `json:"id"`
	JobID      string          `json:"job_id"`
	Index      int             `json:"index"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     TaskStatus      `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	// Progress is optional fine-grained progress (0–100) reported by the
	// runner while the task is running. Nil means no report yet.
	Progress    *float64        `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand to runners and persistence.
func (t *Task) Clone() *Task {
	c := *t
	if t.Progress != nil {
		p := *t.Progress
		c.Progress = &p
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// TaskAttempt records a single execution attempt of a task, kept as a
// durable audit trail alongside the live task row.
type TaskAttempt struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	TaskID     string     `json:"task_id"`
	Attempt    int        `json:"attempt"`
	Status     TaskStatus `json:"status"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
	ExecutedAt time.Time  `json:"executed_at"`
}
