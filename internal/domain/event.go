package domain

import "time"

// EventType identifies a change notification emitted by the orchestrator.
type EventType string

const (
	EventJobAdded     EventType = "job_added"
	EventJobUpdated   EventType = "job_updated"
	EventJobRemoved   EventType = "job_removed"
	EventStatsUpdated EventType = "stats_updated"
)

// Event is an ordered change notification. Seq increases monotonically
// per orchestrator instance; duplicate delivery is tolerable, reordering
// is not.
type Event struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Type       EventType `json:"type"`
	JobID      string    `json:"job_id,omitempty"`
	// Job carries a snapshot of the job for job_added/job_updated.
	Job *Job `json:"job,omitempty"`
	// Changed lists the job fields that changed for job_updated.
	Changed    []string       `json:"changed,omitempty"`
	Stats      *StatsSnapshot `json:"stats,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// CommandAudit records an applied (or rejected) lifecycle command for the
// durable audit trail.
type CommandAudit struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	Command    string    `json:"command"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
