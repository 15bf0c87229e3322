package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creativeghq/batchflow/internal/domain"
)

// JobRepository is the write-behind durability layer for jobs, tasks,
// and the attempt/command audit trail. Memory stays authoritative; this
// exists so jobs survive a restart and attempts are inspectable later.
type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job, tasks []*domain.Task) error
	UpdateJob(ctx context.Context, job *domain.Job) error
	UpdateTasks(ctx context.Context, tasks []*domain.Task) error
	DeleteJob(ctx context.Context, jobID string) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	ListTasks(ctx context.Context, jobID string) ([]*domain.Task, error)
	ListUnfinished(ctx context.Context) ([]*domain.Job, error)
	RecordAttempt(ctx context.Context, att *domain.TaskAttempt) error
	RecordCommand(ctx context.Context, audit *domain.CommandAudit) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the JobRepository interface.
func NewRepository(pool *pgxpool.Pool) JobRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) CreateJob(ctx context.Context, job *domain.Job, tasks []*domain.Task) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job %s: %w", job.ID, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs
			(id, name, type, owner_id, priority, status, concurrency_limit,
			 max_retries, completion_policy, failure_ratio,
			 tasks_total, tasks_completed, tasks_failed, tasks_skipped, progress,
			 created_at, updated_at, started_at, completed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		job.ID, job.Name, job.Type, job.OwnerID, string(job.Priority),
		string(job.Status), job.ConcurrencyLimit, job.MaxRetries,
		string(job.CompletionPolicy), job.FailureRatio,
		job.TasksTotal, job.TasksCompleted, job.TasksFailed, job.TasksSkipped,
		job.Progress, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}

	for _, t := range tasks {
		_, err = tx.Exec(ctx, `
			INSERT INTO tasks
				(id, job_id, task_index, payload, status, retry_count, max_retries,
				 result, error, created_at, updated_at, started_at, completed_at)
			VALUES
				($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			t.ID, t.JobID, t.Index, t.Payload, string(t.Status),
			t.RetryCount, t.MaxRetries, t.Result, t.Error,
			t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job %s: %w", job.ID, err)
	}
	return nil
}

func (r *repository) UpdateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, tasks_completed = $2, tasks_failed = $3,
		    tasks_skipped = $4, progress = $5, updated_at = $6,
		    started_at = $7, completed_at = $8
		WHERE id = $9
	`,
		string(job.Status), job.TasksCompleted, job.TasksFailed,
		job.TasksSkipped, job.Progress, job.UpdatedAt,
		job.StartedAt, job.CompletedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

func (r *repository) UpdateTasks(ctx context.Context, tasks []*domain.Task) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update tasks: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range tasks {
		_, err = tx.Exec(ctx, `
			UPDATE tasks
			SET status = $1, retry_count = $2, result = $3, error = $4,
			    updated_at = $5, started_at = $6, completed_at = $7
			WHERE id = $8
		`,
			string(t.Status), t.RetryCount, t.Result, t.Error,
			t.UpdatedAt, t.StartedAt, t.CompletedAt, t.ID,
		)
		if err != nil {
			return fmt.Errorf("update task %s: %w", t.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// DeleteJob removes the job row; tasks and attempts cascade via schema.
func (r *repository) DeleteJob(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (r *repository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, type, owner_id, priority, status, concurrency_limit,
		       max_retries, completion_policy, failure_ratio,
		       tasks_total, tasks_completed, tasks_failed, tasks_skipped, progress,
		       created_at, updated_at, started_at, completed_at
		FROM jobs
		WHERE id = $1
	`, jobID)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NotFoundError{Kind: "job", ID: jobID}
		}
		return nil, err
	}
	return job, nil
}

func (r *repository) ListTasks(ctx context.Context, jobID string) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, task_index, payload, status, retry_count, max_retries,
		       result, error, created_at, updated_at, started_at, completed_at
		FROM tasks
		WHERE job_id = $1
		ORDER BY task_index ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var t domain.Task
		var statusStr string
		err := rows.Scan(
			&t.ID, &t.JobID, &t.Index, &t.Payload, &statusStr,
			&t.RetryCount, &t.MaxRetries, &t.Result, &t.Error,
			&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = domain.TaskStatus(statusStr)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// ListUnfinished returns jobs that were not terminal when last persisted,
// oldest first, for startup recovery.
func (r *repository) ListUnfinished(ctx context.Context) ([]*domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, type, owner_id, priority, status, concurrency_limit,
		       max_retries, completion_policy, failure_ratio,
		       tasks_total, tasks_completed, tasks_failed, tasks_skipped, progress,
		       created_at, updated_at, started_at, completed_at
		FROM jobs
		WHERE status IN ('pending', 'running', 'paused')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *repository) RecordAttempt(ctx context.Context, att *domain.TaskAttempt) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.ExecutedAt.IsZero() {
		att.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_attempts
			(id, job_id, task_id, attempt, status, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		att.ID, att.JobID, att.TaskID, att.Attempt,
		string(att.Status), att.DurationMs, att.Error, att.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for task %s: %w", att.TaskID, err)
	}
	return nil
}

func (r *repository) RecordCommand(ctx context.Context, audit *domain.CommandAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.New().String()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_commands
			(id, job_id, command, outcome, detail, occurred_at)
		VALUES
			($1, $2, $3, $4, $5, $6)
	`,
		audit.ID, audit.JobID, audit.Command, audit.Outcome,
		audit.Detail, audit.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("record command for job %s: %w", audit.JobID, err)
	}
	return nil
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface {
	Scan(...any) error
}) (*domain.Job, error) {
	var job domain.Job
	var priorityStr, statusStr, policyStr string
	err := row.Scan(
		&job.ID, &job.Name, &job.Type, &job.OwnerID, &priorityStr,
		&statusStr, &job.ConcurrencyLimit, &job.MaxRetries,
		&policyStr, &job.FailureRatio,
		&job.TasksTotal, &job.TasksCompleted, &job.TasksFailed, &job.TasksSkipped,
		&job.Progress, &job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Priority = domain.Priority(priorityStr)
	job.Status = domain.JobStatus(statusStr)
	job.CompletionPolicy = domain.CompletionPolicy(policyStr)
	return &job, nil
}
