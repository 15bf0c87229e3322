// Package orchestrator coordinates batch jobs composed of independently
// retryable tasks: lifecycle commands, bounded-concurrency scheduling,
// progress aggregation, and change notification for observers.
//
// All job and task state lives in memory and is mutated only here; the
// optional repository and state mirror are write-behind collaborators,
// never a second source of truth.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/internal/postgres"
	redisstore "github.com/creativeghq/batchflow/internal/redis"
	"github.com/creativeghq/batchflow/internal/runner"
	"github.com/creativeghq/batchflow/pkg/retry"
)

const (
	defaultTaskTimeout    = 30 * time.Second
	defaultMaxRetries     = 3
	defaultConcurrency    = 4
	rateLimitRetryDelay   = 500 * time.Millisecond
	persistTimeout        = 5 * time.Second
	throughputWindow      = time.Minute
	rateLimitTimerKey     = "__ratelimit__"
	defaultPartialCredit  = 50.0
)

// TaskSpec describes one task of a new job.
type TaskSpec struct {
	Payload json.RawMessage `json:"payload"`
}

// JobSpec describes a job to create. Zero values fall back to the
// orchestrator defaults.
type JobSpec struct {
	Name             string                  `json:"name"`
	Type             string                  `json:"type"`
	OwnerID          string                  `json:"owner_id"`
	Priority         domain.Priority         `json:"priority"`
	ConcurrencyLimit int                     `json:"concurrency_limit"`
	MaxRetries       *int                    `json:"max_retries"`
	CompletionPolicy domain.CompletionPolicy `json:"completion_policy"`
	FailureRatio     float64                 `json:"failure_ratio"`
	Tasks            []TaskSpec              `json:"tasks"`

	// Backoff optionally delays re-attempts; nil retries immediately.
	Backoff retry.Backoff `json:"-"`
}

// jobState is the authoritative record for one job. Its mutex serializes
// every mutation and result application for the job, so no two results
// for the same job are ever applied concurrently.
type jobState struct {
	mu    sync.Mutex
	job   *domain.Job
	tasks []*domain.Task // ascending index, insertion order
	byID  map[string]*domain.Task

	policy retry.Policy

	// epoch is bumped on cancel and retry; results carrying an older
	// epoch are stale and must be discarded, not applied.
	epoch   uint64
	running int
	halted  bool // concurrency invariant breached; no further dispatch

	runCtx    context.Context
	runCancel context.CancelFunc

	// delayed holds task IDs waiting out a retry backoff.
	delayed map[string]bool
	timers  map[string]*time.Timer
}

// Orchestrator is the facade composing the lifecycle controller, task
// scheduler, progress aggregator, and event publisher.
type Orchestrator struct {
	mu    sync.RWMutex
	jobs  map[string]*jobState
	order []string // insertion order, stable listing tiebreaker

	runners *runner.Registry
	repo    postgres.JobRepository // nil = memory only
	mirror  redisstore.StateMirror // nil = disabled
	limiter redisstore.RateLimiter // nil = disabled
	pub     *publisher
	sinkOpt EventSink // stashed by WithEventSink until the publisher is built

	taskTimeout     time.Duration
	jobMaxRetries   int
	jobConcurrency  int
	globalSlots     chan struct{} // nil = no global cap
	statsCh         chan struct{}

	statsMu     sync.Mutex
	completions []time.Time
	durTotal    time.Duration
	durCount    int64

	baseCtx    context.Context
	baseCancel context.CancelFunc
	logger     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithRepository(r postgres.JobRepository) Option { return func(o *Orchestrator) { o.repo = r } }

func WithStateMirror(m redisstore.StateMirror) Option { return func(o *Orchestrator) { o.mirror = m } }

func WithRateLimiter(l redisstore.RateLimiter) Option { return func(o *Orchestrator) { o.limiter = l } }

func WithTaskTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.taskTimeout = d } }

func WithDefaultMaxRetries(n int) Option { return func(o *Orchestrator) { o.jobMaxRetries = n } }

func WithDefaultConcurrency(n int) Option { return func(o *Orchestrator) { o.jobConcurrency = n } }

// WithEventSink forwards every published event to an external sink
// (typically Kafka) so out-of-process consumers can follow along.
func WithEventSink(s EventSink) Option { return func(o *Orchestrator) { o.sinkOpt = s } }

// WithGlobalTaskSlots caps concurrently running tasks across all jobs.
// Zero leaves independent jobs unbounded relative to each other.
func WithGlobalTaskSlots(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.globalSlots = make(chan struct{}, n)
		}
	}
}

// New constructs an Orchestrator. Call Close to stop background work.
func New(runners *runner.Registry, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		jobs:           make(map[string]*jobState),
		runners:        runners,
		taskTimeout:    defaultTaskTimeout,
		jobMaxRetries:  defaultMaxRetries,
		jobConcurrency: defaultConcurrency,
		statsCh:        make(chan struct{}, 1),
		baseCtx:        ctx,
		baseCancel:     cancel,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.pub = newPublisher(o.sinkOpt, o.logger)
	go o.statsLoop()
	return o
}

// Close stops dispatching, aborts in-flight tasks, and closes all
// subscriptions. Jobs are left as-is; a repository-backed orchestrator
// can Restore them on next start.
func (o *Orchestrator) Close() {
	o.baseCancel()
	o.pub.close()
}

// CreateJob validates the spec, registers the job with all tasks pending,
// and emits job_added. The job does not run until started.
func (o *Orchestrator) CreateJob(ctx context.Context, spec JobSpec) (*domain.Job, error) {
	if _, err := o.runners.Get(spec.Type); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	maxRetries := o.jobMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}
	concurrency := spec.ConcurrencyLimit
	if concurrency <= 0 {
		concurrency = o.jobConcurrency
	}
	priority := spec.Priority
	if priority == "" {
		priority = domain.PriorityNormal
	}
	policy := spec.CompletionPolicy
	if policy == "" {
		policy = domain.CompleteAnySuccess
	}

	job := &domain.Job{
		ID:               uuid.New().String(),
		Name:             spec.Name,
		Type:             spec.Type,
		OwnerID:          spec.OwnerID,
		Priority:         priority,
		Status:           domain.JobPending,
		ConcurrencyLimit: concurrency,
		MaxRetries:       maxRetries,
		CompletionPolicy: policy,
		FailureRatio:     spec.FailureRatio,
		TasksTotal:       len(spec.Tasks),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	js := &jobState{
		job:     job,
		byID:    make(map[string]*domain.Task, len(spec.Tasks)),
		policy:  retry.Policy{MaxRetries: maxRetries, Backoff: spec.Backoff},
		delayed: make(map[string]bool),
		timers:  make(map[string]*time.Timer),
	}
	for i, ts := range spec.Tasks {
		t := &domain.Task{
			ID:         uuid.New().String(),
			JobID:      job.ID,
			Index:      i,
			Payload:    ts.Payload,
			Status:     domain.TaskPending,
			MaxRetries: maxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		js.tasks = append(js.tasks, t)
		js.byID[t.ID] = t
	}

	o.mu.Lock()
	o.jobs[job.ID] = js
	o.order = append(o.order, job.ID)
	o.mu.Unlock()

	o.persistCreate(js)
	o.pub.publish(domain.Event{Type: domain.EventJobAdded, JobID: job.ID, Job: job.Clone()})
	o.notifyStats()

	o.logger.Info("job created",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.Int("tasks", job.TasksTotal),
	)
	return job.Clone(), nil
}

// GetJob returns a snapshot of the job and its tasks.
func (o *Orchestrator) GetJob(id string) (*domain.Job, []*domain.Task, error) {
	js, err := o.jobState(id)
	if err != nil {
		return nil, nil, err
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	tasks := make([]*domain.Task, len(js.tasks))
	for i, t := range js.tasks {
		tasks[i] = t.Clone()
	}
	return js.job.Clone(), tasks, nil
}

// SortOrder selects how ListJobs orders its results.
type SortOrder string

const (
	SortByCreated  SortOrder = "created_at" // newest first
	SortByPriority SortOrder = "priority"
	SortByName     SortOrder = "name"
)

// ListFilter narrows a job listing or a stats aggregation.
// Zero-value fields match everything.
type ListFilter struct {
	Status  domain.JobStatus
	Type    string
	OwnerID string
}

func (f ListFilter) matches(j *domain.Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.OwnerID != "" && j.OwnerID != f.OwnerID {
		return false
	}
	return true
}

// ListJobs returns snapshots of matching jobs in the requested order.
func (o *Orchestrator) ListJobs(f ListFilter, order SortOrder) []*domain.Job {
	o.mu.RLock()
	states := make([]*jobState, 0, len(o.order))
	for _, id := range o.order {
		states = append(states, o.jobs[id])
	}
	o.mu.RUnlock()

	jobs := make([]*domain.Job, 0, len(states))
	for _, js := range states {
		js.mu.Lock()
		if f.matches(js.job) {
			jobs = append(jobs, js.job.Clone())
		}
		js.mu.Unlock()
	}

	switch order {
	case SortByPriority:
		sort.SliceStable(jobs, func(i, k int) bool {
			return jobs[i].Priority.Before(jobs[k].Priority)
		})
	case SortByName:
		sort.SliceStable(jobs, func(i, k int) bool {
			return jobs[i].Name < jobs[k].Name
		})
	default:
		sort.SliceStable(jobs, func(i, k int) bool {
			return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
		})
	}
	return jobs
}

// Restore reloads unfinished jobs from the repository after a restart.
// Recovered jobs come back as pending with their unfinished tasks reset;
// resuming in-flight work exactly once across restarts is out of scope.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.repo == nil {
		return nil
	}
	jobs, err := o.repo.ListUnfinished(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		tasks, err := o.repo.ListTasks(ctx, job.ID)
		if err != nil {
			return err
		}
		job.Status = domain.JobPending
		job.StartedAt = nil
		js := &jobState{
			job:     job,
			byID:    make(map[string]*domain.Task, len(tasks)),
			policy:  retry.Policy{MaxRetries: job.MaxRetries},
			delayed: make(map[string]bool),
			timers:  make(map[string]*time.Timer),
		}
		for _, t := range tasks {
			if t.Status == domain.TaskRunning {
				t.Status = domain.TaskPending
				t.StartedAt = nil
				t.Progress = nil
			}
			js.tasks = append(js.tasks, t)
			js.byID[t.ID] = t
		}
		o.mu.Lock()
		o.jobs[job.ID] = js
		o.order = append(o.order, job.ID)
		o.mu.Unlock()
		o.pub.publish(domain.Event{Type: domain.EventJobAdded, JobID: job.ID, Job: job.Clone()})
		o.logger.Info("job restored", slog.String("job_id", job.ID), slog.String("type", job.Type))
	}
	o.notifyStats()
	return nil
}

// jobState looks up the live state for a job ID.
func (o *Orchestrator) jobState(id string) (*jobState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	js, ok := o.jobs[id]
	if !ok {
		return nil, &domain.NotFoundError{Kind: "job", ID: id}
	}
	return js, nil
}

// persistCreate writes the new job and its tasks behind the scenes.
// Persistence failures are logged, never fatal: memory is authoritative.
func (o *Orchestrator) persistCreate(js *jobState) {
	if o.repo == nil && o.mirror == nil {
		return
	}
	js.mu.Lock()
	job := js.job.Clone()
	tasks := make([]*domain.Task, len(js.tasks))
	for i, t := range js.tasks {
		tasks[i] = t.Clone()
	}
	js.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if o.repo != nil {
			if err := o.repo.CreateJob(ctx, job, tasks); err != nil {
				o.logger.Error("failed to persist job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
		}
		if o.mirror != nil {
			if err := o.mirror.SetJob(ctx, job); err != nil {
				o.logger.Error("failed to mirror job", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
			for _, t := range tasks {
				if err := o.mirror.SetTaskStatus(ctx, job.ID, t.ID, t.Status); err != nil {
					o.logger.Error("failed to mirror task status", slog.String("task_id", t.ID), slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// persistUpdate writes the job row plus any changed tasks behind the scenes.
// Must be called with clones, never live pointers.
func (o *Orchestrator) persistUpdate(job *domain.Job, tasks []*domain.Task) {
	if o.repo == nil && o.mirror == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if o.repo != nil {
			if err := o.repo.UpdateJob(ctx, job); err != nil {
				o.logger.Error("failed to persist job update", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
			if len(tasks) > 0 {
				if err := o.repo.UpdateTasks(ctx, tasks); err != nil {
					o.logger.Error("failed to persist task updates", slog.String("job_id", job.ID), slog.String("error", err.Error()))
				}
			}
		}
		if o.mirror != nil {
			if err := o.mirror.SetJob(ctx, job); err != nil {
				o.logger.Error("failed to mirror job update", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
			for _, t := range tasks {
				if err := o.mirror.SetTaskStatus(ctx, job.ID, t.ID, t.Status); err != nil {
					o.logger.Error("failed to mirror task status", slog.String("task_id", t.ID), slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// audit records an applied or rejected lifecycle command.
func (o *Orchestrator) audit(jobID, command, outcome, detail string) {
	if o.repo == nil {
		return
	}
	rec := &domain.CommandAudit{
		ID:         uuid.New().String(),
		JobID:      jobID,
		Command:    command,
		Outcome:    outcome,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := o.repo.RecordCommand(ctx, rec); err != nil {
			o.logger.Error("failed to record command audit",
				slog.String("job_id", jobID),
				slog.String("command", command),
				slog.String("error", err.Error()),
			)
		}
	}()
}
