package orchestrator

import (
	"log/slog"
	"time"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/pkg/telemetry"
)

// computeProgress derives job progress (0–100) purely from task states:
// every terminal task contributes its full share, every running task
// contributes its reported progress — or half its share when the runner
// reports nothing. An empty job is 0, never a division by zero.
func computeProgress(tasks []*domain.Task, total int) float64 {
	if total == 0 {
		return 0
	}
	share := 100.0 / float64(total)
	var p float64
	for _, t := range tasks {
		switch {
		case t.Status.IsTerminal():
			p += share
		case t.Status == domain.TaskRunning:
			credit := defaultPartialCredit
			if t.Progress != nil {
				credit = *t.Progress
			}
			p += credit / 100 * share
		}
	}
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// recomputeLocked refreshes job progress, evaluates the automatic
// completed/failed transitions, and emits job_updated/stats_updated.
// Progress never regresses while the job is running, so observers see a
// monotonic bar even when a running task's fine-grained report dips
// below the default partial credit. js.mu must be held.
func (o *Orchestrator) recomputeLocked(js *jobState, changed []string, changedTask *domain.Task) {
	job := js.job
	prev := job.Progress
	p := computeProgress(js.tasks, job.TasksTotal)
	if job.Status == domain.JobRunning && p < prev {
		p = prev
	}
	if p != prev {
		job.Progress = p
		changed = append(changed, "progress")
	}

	if job.Status == domain.JobRunning {
		switch {
		case o.failureRatioExceededLocked(js):
			o.abortLocked(js, domain.JobFailed)
			changed = append(changed, "status", "completed_at", "tasks_skipped")
			o.logger.Error("job failed: failure ratio exceeded",
				slog.String("job_id", job.ID),
				slog.Int("tasks_failed", job.TasksFailed),
				slog.Int("tasks_total", job.TasksTotal),
			)
		case js.allTasksTerminalLocked():
			status := o.finalStatusLocked(js)
			now := time.Now().UTC()
			job.Status = status
			job.CompletedAt = &now
			job.UpdatedAt = now
			changed = append(changed, "status", "completed_at")
			telemetry.JobsFinished.WithLabelValues(job.Type, string(status)).Inc()
			o.logger.Info("job finished",
				slog.String("job_id", job.ID),
				slog.String("status", string(status)),
				slog.Int("tasks_completed", job.TasksCompleted),
				slog.Int("tasks_failed", job.TasksFailed),
			)
		}
	}

	if len(changed) > 0 {
		o.emitJobLocked(js, changed...)
		jobCopy := job.Clone()
		var taskCopies []*domain.Task
		if changedTask != nil {
			taskCopies = []*domain.Task{changedTask}
		}
		o.persistUpdate(jobCopy, taskCopies)
		o.notifyStats()
	}
}

// failureRatioExceededLocked is the early-abort threshold check.
// js.mu must be held.
func (o *Orchestrator) failureRatioExceededLocked(js *jobState) bool {
	job := js.job
	if job.FailureRatio <= 0 || job.TasksTotal == 0 {
		return false
	}
	return float64(job.TasksFailed)/float64(job.TasksTotal) > job.FailureRatio
}

// allTasksTerminalLocked reports whether no task can still produce a
// result. js.mu must be held.
func (js *jobState) allTasksTerminalLocked() bool {
	for _, t := range js.tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// finalStatusLocked applies the job's completion policy once all tasks
// are terminal. js.mu must be held.
func (o *Orchestrator) finalStatusLocked(js *jobState) domain.JobStatus {
	job := js.job
	switch job.CompletionPolicy {
	case domain.CompleteAllSuccess:
		if job.TasksCompleted == job.TasksTotal {
			return domain.JobCompleted
		}
	default: // any_success
		if job.TasksCompleted > 0 {
			return domain.JobCompleted
		}
	}
	return domain.JobFailed
}
