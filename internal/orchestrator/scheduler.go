package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/internal/runner"
	"github.com/creativeghq/batchflow/pkg/telemetry"
)

// dispatchLocked fills free execution slots with eligible tasks, in
// ascending index order with insertion order breaking ties. It never
// lets more than the job's concurrency limit run at once. js.mu must be
// held; the method takes no other locks.
func (o *Orchestrator) dispatchLocked(js *jobState) {
	job := js.job
	if js.halted || job.Status != domain.JobRunning {
		return
	}

	if js.running > job.ConcurrencyLimit {
		// Scheduler bug. Halt this job only; the rest of the orchestrator
		// keeps going.
		violation := &domain.ConcurrencyLimitViolationError{
			JobID: job.ID, Running: js.running, Limit: job.ConcurrencyLimit,
		}
		js.halted = true
		telemetry.SchedulerHaltedJobs.Inc()
		o.logger.Error("concurrency invariant breached, halting job scheduling",
			slog.String("job_id", job.ID),
			slog.String("error", violation.Error()),
		)
		return
	}

	for js.running < job.ConcurrencyLimit {
		t := o.nextEligibleLocked(js)
		if t == nil {
			return
		}

		if o.globalSlots != nil {
			select {
			case o.globalSlots <- struct{}{}:
			default:
				// Global cap reached; re-dispatched when any job frees a slot.
				return
			}
		}

		now := time.Now().UTC()
		t.Status = domain.TaskRunning
		t.StartedAt = &now
		t.UpdatedAt = now
		js.running++

		telemetry.SchedulerTasksDispatched.WithLabelValues(job.Type).Inc()
		telemetry.SchedulerTasksInFlight.WithLabelValues(job.Type).Inc()

		go o.execute(js, job.Type, t.Clone(), js.runCtx, js.epoch)
	}
}

// nextEligibleLocked returns the first pending task not waiting out a
// retry delay. js.tasks is kept in ascending index order, so the scan
// is deterministic. js.mu must be held.
func (o *Orchestrator) nextEligibleLocked(js *jobState) *domain.Task {
	for _, t := range js.tasks {
		if t.Status == domain.TaskPending && !js.delayed[t.ID] {
			return t
		}
	}
	return nil
}

// scheduleDispatchLocked arms a timer that re-runs dispatch after d.
// Used when the rate limiter defers work. js.mu must be held.
func (o *Orchestrator) scheduleDispatchLocked(js *jobState, d time.Duration) {
	if _, armed := js.timers[rateLimitTimerKey]; armed {
		return
	}
	epoch := js.epoch
	js.timers[rateLimitTimerKey] = time.AfterFunc(d, func() {
		js.mu.Lock()
		defer js.mu.Unlock()
		delete(js.timers, rateLimitTimerKey)
		if js.epoch != epoch {
			return
		}
		o.dispatchLocked(js)
	})
}

// execute runs one task attempt outside any lock. The task is a clone;
// the live record is only touched when the result is applied.
func (o *Orchestrator) execute(js *jobState, jobType string, t *domain.Task, runCtx context.Context, epoch uint64) {
	// The rate limiter is a Redis round-trip, so it is consulted here,
	// off the job lock. Reads and lifecycle commands never queue behind it.
	if o.limiter != nil {
		allowed, err := o.limiter.Allow(runCtx, jobType)
		if err != nil {
			// Allow on limiter failure so Redis trouble never stalls jobs.
			o.logger.Error("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			telemetry.SchedulerRateLimitedTotal.Inc()
			limited := &domain.RateLimitExceededError{JobType: jobType, Limit: o.limiter.Limit()}
			o.logger.Warn("dispatch deferred",
				slog.String("job_id", t.JobID),
				slog.String("error", limited.Error()),
			)
			o.undispatch(js, t.ID, epoch)
			return
		}
	}

	ctx, span := otel.Tracer("scheduler").Start(runCtx, "scheduler.execute_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", t.JobID),
		attribute.String("task.id", t.ID),
		attribute.Int("task.index", t.Index),
		attribute.Int("task.retry_count", t.RetryCount),
	)

	rn, err := o.runners.Get(jobType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no runner registered")
		o.applyResult(js, t.ID, epoch, nil, err, 0)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, o.taskTimeout)
	defer cancel()
	execCtx = withTaskProgress(execCtx, o, js, t.ID, epoch)

	start := time.Now()
	out, err := rn.Execute(execCtx, t)
	dur := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task attempt failed")
	}
	o.applyResult(js, t.ID, epoch, out, err, dur)
}

// undispatch returns a reserved task to pending after the rate limiter
// denies its slot, and re-arms dispatch for the backoff window.
func (o *Orchestrator) undispatch(js *jobState, taskID string, epoch uint64) {
	if o.globalSlots != nil {
		defer func() {
			<-o.globalSlots
			go o.dispatchRunnable()
		}()
	}

	js.mu.Lock()
	defer js.mu.Unlock()

	telemetry.SchedulerTasksInFlight.WithLabelValues(js.job.Type).Dec()
	if epoch != js.epoch {
		return
	}
	t, ok := js.byID[taskID]
	if !ok || t.Status != domain.TaskRunning {
		return
	}

	js.running--
	t.Status = domain.TaskPending
	t.StartedAt = nil
	t.UpdatedAt = time.Now().UTC()
	o.scheduleDispatchLocked(js, rateLimitRetryDelay)
}

// applyResult applies one attempt's outcome under the job lock. Results
// carrying a stale epoch — the job was cancelled or reset while the task
// was in flight — are discarded without touching any state.
func (o *Orchestrator) applyResult(js *jobState, taskID string, epoch uint64, out []byte, execErr error, dur time.Duration) {
	// Each execution holds exactly one global slot; give it back whether
	// or not the result still applies, then wake any starved job.
	if o.globalSlots != nil {
		defer func() {
			<-o.globalSlots
			go o.dispatchRunnable()
		}()
	}

	js.mu.Lock()
	defer js.mu.Unlock()

	job := js.job
	// The attempt is over either way; the in-flight gauge must drain
	// even when the result is stale.
	telemetry.SchedulerTasksInFlight.WithLabelValues(job.Type).Dec()
	if epoch != js.epoch {
		telemetry.SchedulerStaleResultsDropped.Inc()
		o.logger.Debug("stale task result discarded",
			slog.String("job_id", job.ID),
			slog.String("task_id", taskID),
		)
		return
	}
	t, ok := js.byID[taskID]
	if !ok || t.Status != domain.TaskRunning {
		telemetry.SchedulerStaleResultsDropped.Inc()
		return
	}

	js.running--
	telemetry.SchedulerTaskDurationSeconds.WithLabelValues(job.Type).Observe(dur.Seconds())

	now := time.Now().UTC()
	var changed []string
	var changedTask *domain.Task

	if execErr == nil {
		t.Status = domain.TaskCompleted
		t.Result = out
		t.Error = ""
		t.Progress = nil
		t.CompletedAt = &now
		t.UpdatedAt = now
		job.TasksCompleted++
		changed = append(changed, "tasks_completed")
		o.recordCompletion(now, dur)
		o.recordAttempt(t, t.RetryCount+1, domain.TaskCompleted, dur, "")
		o.logger.Info("task completed",
			slog.String("job_id", job.ID),
			slog.String("task_id", t.ID),
			slog.Int64("duration_ms", dur.Milliseconds()),
		)
	} else {
		attempt := t.RetryCount + 1
		attemptErr := &domain.TaskExecutionError{TaskID: t.ID, Attempt: attempt, Cause: execErr}
		t.Error = attemptErr.Error()
		t.UpdatedAt = now
		o.recordAttempt(t, attempt, domain.TaskFailed, dur, attemptErr.Error())

		decision := js.policy.Decide(t.RetryCount, execErr)
		if decision.Retry {
			// A granted retry is the only thing that increments retryCount,
			// so it never exceeds the task's maxRetries budget.
			t.RetryCount++
			telemetry.SchedulerRetriesTotal.WithLabelValues(job.Type).Inc()
			t.Status = domain.TaskPending
			t.StartedAt = nil
			t.Progress = nil
			o.logger.Warn("task attempt failed, will retry",
				slog.String("job_id", job.ID),
				slog.String("task_id", t.ID),
				slog.Int("retry_count", t.RetryCount),
				slog.Duration("delay", decision.Delay),
				slog.String("error", execErr.Error()),
			)
			if decision.Delay > 0 {
				o.delayRetryLocked(js, t.ID, decision.Delay)
			}
		} else {
			exhausted := &domain.RetryExhaustedError{TaskID: t.ID, Attempts: attempt}
			t.Status = domain.TaskFailed
			t.CompletedAt = &now
			t.Progress = nil
			job.TasksFailed++
			changed = append(changed, "tasks_failed")
			telemetry.SchedulerTasksExhausted.WithLabelValues(job.Type).Inc()
			o.logger.Error("task permanently failed",
				slog.String("job_id", job.ID),
				slog.String("task_id", t.ID),
				slog.String("error", exhausted.Error()),
			)
		}
	}
	changedTask = t.Clone()

	o.recomputeLocked(js, changed, changedTask)

	if job.Status == domain.JobRunning {
		o.dispatchLocked(js)
	}
}

// delayRetryLocked parks a pending task until its backoff elapses.
// js.mu must be held.
func (o *Orchestrator) delayRetryLocked(js *jobState, taskID string, d time.Duration) {
	js.delayed[taskID] = true
	epoch := js.epoch
	js.timers[taskID] = time.AfterFunc(d, func() {
		js.mu.Lock()
		defer js.mu.Unlock()
		delete(js.timers, taskID)
		delete(js.delayed, taskID)
		if js.epoch != epoch {
			return
		}
		o.dispatchLocked(js)
	})
}

// dispatchRunnable offers freed global capacity to every running job.
func (o *Orchestrator) dispatchRunnable() {
	o.mu.RLock()
	states := make([]*jobState, 0, len(o.order))
	for _, id := range o.order {
		states = append(states, o.jobs[id])
	}
	o.mu.RUnlock()

	for _, js := range states {
		js.mu.Lock()
		o.dispatchLocked(js)
		js.mu.Unlock()
	}
}

// withTaskProgress wires the runner's progress reports back into the
// job's live task record, guarded by the same epoch as the result.
func withTaskProgress(ctx context.Context, o *Orchestrator, js *jobState, taskID string, epoch uint64) context.Context {
	return runner.WithProgress(ctx, func(pct float64) {
		js.mu.Lock()
		defer js.mu.Unlock()
		if js.epoch != epoch {
			return
		}
		t, ok := js.byID[taskID]
		if !ok || t.Status != domain.TaskRunning {
			return
		}
		t.Progress = &pct
		t.UpdatedAt = time.Now().UTC()
		o.recomputeLocked(js, nil, nil)
	})
}

// recordAttempt appends one attempt to the durable audit trail.
func (o *Orchestrator) recordAttempt(t *domain.Task, attempt int, status domain.TaskStatus, dur time.Duration, errMsg string) {
	if o.repo == nil {
		return
	}
	rec := &domain.TaskAttempt{
		JobID:      t.JobID,
		TaskID:     t.ID,
		Attempt:    attempt,
		Status:     status,
		DurationMs: dur.Milliseconds(),
		Error:      errMsg,
		ExecutedAt: time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.repo.RecordAttempt(ctx, rec); err != nil {
			o.logger.Error("failed to record task attempt",
				slog.String("task_id", rec.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
