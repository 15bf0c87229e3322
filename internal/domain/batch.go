package domain

// BatchAction is a lifecycle command applied to a set of jobs at once.
type BatchAction string

const (
	BatchStart  BatchAction = "start"
	BatchPause  BatchAction = "pause"
	BatchResume BatchAction = "resume"
	BatchCancel BatchAction = "cancel"
	BatchRetry  BatchAction = "retry"
	BatchDelete BatchAction = "delete"
)

// Valid reports whether the action is a known batch command.
func (a BatchAction) Valid() bool {
	switch a {
	case BatchStart, BatchPause, BatchResume, BatchCancel, BatchRetry, BatchDelete:
		return true
	}
	return false
}

// BatchOutcome classifies the per-job result of a batch command.
type BatchOutcome string

const (
	OutcomeApplied BatchOutcome = "applied"
	// OutcomeSkippedInvalidState means the command was not valid from the
	// job's current status and the job was left untouched.
	OutcomeSkippedInvalidState BatchOutcome = "skipped-invalid-state"
	OutcomeError               BatchOutcome = "error"
)

// BatchResult is the per-job outcome of a batch command. A batch never
// fails atomically: one job's error must not abort the others.
type BatchResult struct {
	JobID   string       `json:"job_id"`
	Outcome BatchOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}
