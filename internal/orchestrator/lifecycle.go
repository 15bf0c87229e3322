package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/pkg/telemetry"
)

// Start moves a pending job to running and begins dispatching tasks.
func (o *Orchestrator) Start(ctx context.Context, jobID string) error {
	return o.command(ctx, jobID, "start", func(js *jobState) ([]*domain.Task, error) {
		if js.job.Status != domain.JobPending {
			return nil, &domain.InvalidStateError{JobID: jobID, Status: js.job.Status, Command: "start"}
		}
		o.startLocked(js)
		return nil, nil
	})
}

// Pause stops dispatching new tasks for a running job. Tasks already
// running are allowed to finish and report results normally.
func (o *Orchestrator) Pause(ctx context.Context, jobID string) error {
	return o.command(ctx, jobID, "pause", func(js *jobState) ([]*domain.Task, error) {
		if js.job.Status != domain.JobRunning {
			return nil, &domain.InvalidStateError{JobID: jobID, Status: js.job.Status, Command: "pause"}
		}
		js.job.Status = domain.JobPaused
		js.job.UpdatedAt = time.Now().UTC()
		o.emitJobLocked(js, "status")
		return nil, nil
	})
}

// Resume re-enables dispatch for a paused job. With no intervening task
// completions this restores the exact pre-pause scheduling state.
func (o *Orchestrator) Resume(ctx context.Context, jobID string) error {
	return o.command(ctx, jobID, "resume", func(js *jobState) ([]*domain.Task, error) {
		if js.job.Status != domain.JobPaused {
			return nil, &domain.InvalidStateError{JobID: jobID, Status: js.job.Status, Command: "resume"}
		}
		js.job.Status = domain.JobRunning
		js.job.UpdatedAt = time.Now().UTC()
		o.emitJobLocked(js, "status")
		o.dispatchLocked(js)
		return nil, nil
	})
}

// Cancel transitions the job to cancelled immediately. Non-terminal tasks
// become skipped; in-flight runners get a best-effort abort, and any late
// results they still produce are discarded, not applied.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	return o.command(ctx, jobID, "cancel", func(js *jobState) ([]*domain.Task, error) {
		switch js.job.Status {
		case domain.JobPending, domain.JobRunning, domain.JobPaused:
		default:
			return nil, &domain.InvalidStateError{JobID: jobID, Status: js.job.Status, Command: "cancel"}
		}
		o.abortLocked(js, domain.JobCancelled)
		o.emitJobLocked(js, "status", "completed_at", "tasks_skipped")
		return cloneTasks(js.tasks), nil
	})
}

// Retry resets a failed or cancelled job for a fresh attempt: failed and
// skipped tasks return to pending with a zero retry count, completed
// tasks keep their results, and the job starts again.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) error {
	return o.command(ctx, jobID, "retry", func(js *jobState) ([]*domain.Task, error) {
		if js.job.Status != domain.JobFailed && js.job.Status != domain.JobCancelled {
			return nil, &domain.InvalidStateError{JobID: jobID, Status: js.job.Status, Command: "retry"}
		}

		js.epoch++ // any straggler results from the previous run are now stale
		js.stopTimersLocked()
		js.halted = false
		js.running = 0

		now := time.Now().UTC()
		for _, t := range js.tasks {
			if t.Status == domain.TaskFailed || t.Status == domain.TaskSkipped {
				t.Status = domain.TaskPending
				t.RetryCount = 0
				t.Error = ""
				t.Result = nil
				t.Progress = nil
				t.StartedAt = nil
				t.CompletedAt = nil
				t.UpdatedAt = now
			}
		}
		job := js.job
		job.TasksFailed = 0
		job.TasksSkipped = 0
		job.StartedAt = nil
		job.CompletedAt = nil
		job.Status = domain.JobPending
		job.Progress = computeProgress(js.tasks, job.TasksTotal)
		job.UpdatedAt = now

		o.startLocked(js)
		return cloneTasks(js.tasks), nil
	})
}

// Delete removes a terminal job and cascades to its tasks. It never
// cancels first: deleting a non-terminal job is an InvalidStateError.
func (o *Orchestrator) Delete(ctx context.Context, jobID string) error {
	_, span := otel.Tracer("lifecycle").Start(ctx, "lifecycle.delete")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	o.mu.Lock()
	js, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		telemetry.CommandsTotal.WithLabelValues("delete", "error").Inc()
		return &domain.NotFoundError{Kind: "job", ID: jobID}
	}
	js.mu.Lock()
	if !js.job.Status.IsTerminal() {
		status := js.job.Status
		js.mu.Unlock()
		o.mu.Unlock()
		telemetry.CommandsTotal.WithLabelValues("delete", "rejected").Inc()
		o.audit(jobID, "delete", "rejected", string(status))
		return &domain.InvalidStateError{JobID: jobID, Status: status, Command: "delete"}
	}
	js.stopTimersLocked()
	delete(o.jobs, jobID)
	for i, id := range o.order {
		if id == jobID {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
	js.mu.Unlock()
	o.mu.Unlock()

	o.pub.publish(domain.Event{Type: domain.EventJobRemoved, JobID: jobID})
	o.notifyStats()
	telemetry.CommandsTotal.WithLabelValues("delete", "applied").Inc()
	o.audit(jobID, "delete", "applied", "")

	if o.repo != nil || o.mirror != nil {
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if o.repo != nil {
				if err := o.repo.DeleteJob(pctx, jobID); err != nil {
					o.logger.Error("failed to delete job rows", slog.String("job_id", jobID), slog.String("error", err.Error()))
				}
			}
			if o.mirror != nil {
				if err := o.mirror.DeleteJob(pctx, jobID); err != nil {
					o.logger.Error("failed to delete job mirror", slog.String("job_id", jobID), slog.String("error", err.Error()))
				}
			}
		}()
	}

	o.logger.Info("job deleted", slog.String("job_id", jobID))
	return nil
}

// Batch applies one lifecycle command to each job independently. One
// job's failure never aborts the others; the caller gets a per-job
// outcome, including skipped-invalid-state for ineligible jobs.
func (o *Orchestrator) Batch(ctx context.Context, action domain.BatchAction, jobIDs []string) []domain.BatchResult {
	ctx, span := otel.Tracer("lifecycle").Start(ctx, "lifecycle.batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.action", string(action)),
		attribute.Int("batch.size", len(jobIDs)),
	)

	results := make([]domain.BatchResult, 0, len(jobIDs))
	for _, id := range jobIDs {
		var err error
		switch action {
		case domain.BatchStart:
			err = o.Start(ctx, id)
		case domain.BatchPause:
			err = o.Pause(ctx, id)
		case domain.BatchResume:
			err = o.Resume(ctx, id)
		case domain.BatchCancel:
			err = o.Cancel(ctx, id)
		case domain.BatchRetry:
			err = o.Retry(ctx, id)
		case domain.BatchDelete:
			err = o.Delete(ctx, id)
		default:
			results = append(results, domain.BatchResult{
				JobID: id, Outcome: domain.OutcomeError, Error: "unknown action: " + string(action),
			})
			continue
		}

		switch {
		case err == nil:
			results = append(results, domain.BatchResult{JobID: id, Outcome: domain.OutcomeApplied})
		case isInvalidState(err):
			results = append(results, domain.BatchResult{
				JobID: id, Outcome: domain.OutcomeSkippedInvalidState, Error: err.Error(),
			})
		default:
			results = append(results, domain.BatchResult{
				JobID: id, Outcome: domain.OutcomeError, Error: err.Error(),
			})
		}
	}
	return results
}

func isInvalidState(err error) bool {
	var ise *domain.InvalidStateError
	return errors.As(err, &ise)
}

// command wraps the shared bookkeeping of single-job lifecycle commands:
// lookup, per-job locking, metrics, audit, and post-command persistence.
func (o *Orchestrator) command(ctx context.Context, jobID, name string, apply func(*jobState) ([]*domain.Task, error)) error {
	_, span := otel.Tracer("lifecycle").Start(ctx, "lifecycle."+name)
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	js, err := o.jobState(jobID)
	if err != nil {
		telemetry.CommandsTotal.WithLabelValues(name, "error").Inc()
		return err
	}

	js.mu.Lock()
	changedTasks, err := apply(js)
	var jobCopy *domain.Job
	if err == nil {
		jobCopy = js.job.Clone()
	}
	js.mu.Unlock()

	if err != nil {
		telemetry.CommandsTotal.WithLabelValues(name, "rejected").Inc()
		o.audit(jobID, name, "rejected", err.Error())
		return err
	}

	telemetry.CommandsTotal.WithLabelValues(name, "applied").Inc()
	o.audit(jobID, name, "applied", "")
	o.persistUpdate(jobCopy, changedTasks)
	o.notifyStats()
	o.logger.Info("command applied",
		slog.String("job_id", jobID),
		slog.String("command", name),
		slog.String("status", string(jobCopy.Status)),
	)
	return nil
}

// startLocked flips the job to running and opens its dispatch window.
// Shared by Start and Retry. js.mu must be held.
func (o *Orchestrator) startLocked(js *jobState) {
	now := time.Now().UTC()
	js.job.Status = domain.JobRunning
	js.job.StartedAt = &now
	js.job.UpdatedAt = now
	js.runCtx, js.runCancel = context.WithCancel(o.baseCtx)
	o.emitJobLocked(js, "status", "started_at")
	o.dispatchLocked(js)
	// A job with no dispatchable work (zero tasks) must still settle.
	if len(js.tasks) == 0 {
		o.recomputeLocked(js, nil, nil)
	}
}

// abortLocked marks every non-terminal task skipped, bumps the epoch so
// in-flight results are discarded, and moves the job to the given
// terminal status. Progress is frozen where it was. js.mu must be held.
func (o *Orchestrator) abortLocked(js *jobState, status domain.JobStatus) {
	js.epoch++
	if js.runCancel != nil {
		js.runCancel()
	}
	js.stopTimersLocked()
	js.running = 0

	now := time.Now().UTC()
	for _, t := range js.tasks {
		if !t.Status.IsTerminal() {
			t.Status = domain.TaskSkipped
			t.Progress = nil
			t.UpdatedAt = now
			js.job.TasksSkipped++
		}
	}
	js.job.Status = status
	js.job.CompletedAt = &now
	js.job.UpdatedAt = now
	telemetry.JobsFinished.WithLabelValues(js.job.Type, string(status)).Inc()
}

// cloneTasks snapshots tasks for async persistence.
func cloneTasks(tasks []*domain.Task) []*domain.Task {
	out := make([]*domain.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// stopTimersLocked cancels pending retry-backoff timers. js.mu must be held.
func (js *jobState) stopTimersLocked() {
	for id, tm := range js.timers {
		tm.Stop()
		delete(js.timers, id)
	}
	for id := range js.delayed {
		delete(js.delayed, id)
	}
}
