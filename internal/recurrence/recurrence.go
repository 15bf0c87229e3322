// Package recurrence fires job templates on cron schedules. Templates
// live in memory alongside the orchestrator; an optional Redis lease
// keeps multiple instances from double-firing the same template.
package recurrence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/internal/orchestrator"
)

const (
	leaderKey     = "recurrence:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second
)

// JobLauncher is the slice of the orchestrator the scheduler needs.
type JobLauncher interface {
	CreateJob(ctx context.Context, spec orchestrator.JobSpec) (*domain.Job, error)
	Start(ctx context.Context, jobID string) error
}

// Template binds a cron expression to a job spec prototype.
type Template struct {
	ID        string
	Name      string
	CronExpr  string
	Spec      orchestrator.JobSpec
	Enabled   bool
	LastRunAt *time.Time
	NextRunAt *time.Time

	schedule cron.Schedule
}

// Scheduler fires due templates, creating and starting a fresh job for
// each firing.
type Scheduler struct {
	mu        sync.Mutex
	templates map[string]*Template

	launcher   JobLauncher
	redis      *redis.Client // nil disables leader election
	instanceID string
	logger     *slog.Logger
}

func NewScheduler(launcher JobLauncher, redisClient *redis.Client, instanceID string, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		templates:  make(map[string]*Template),
		launcher:   launcher,
		redis:      redisClient,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Add registers a template and computes its first firing time. The
// returned ID identifies the template for Remove.
func (s *Scheduler) Add(name, cronExpr string, spec orchestrator.JobSpec) (string, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return "", fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	next := schedule.Next(time.Now().UTC())
	t := &Template{
		ID:        uuid.New().String(),
		Name:      name,
		CronExpr:  cronExpr,
		Spec:      spec,
		Enabled:   true,
		NextRunAt: &next,
		schedule:  schedule,
	}
	s.mu.Lock()
	s.templates[t.ID] = t
	s.mu.Unlock()

	s.logger.Info("recurrence template added",
		slog.String("template_id", t.ID),
		slog.String("name", name),
		slog.String("cron", cronExpr),
		slog.Time("next_run", next),
	)
	return t.ID, nil
}

// Remove drops a template. Jobs already launched from it are untouched.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return &domain.NotFoundError{Kind: "template", ID: id}
	}
	delete(s.templates, id)
	return nil
}

// List returns copies of all templates.
func (s *Scheduler) List() []Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, *t)
	}
	return out
}

// Run is the main polling loop: claims leadership, then fires due
// templates. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due template once. Exported so callers with their
// own clock can drive the scheduler directly.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.acquireOrRenewLeadership(ctx) {
		return
	}
	now := time.Now().UTC()

	s.mu.Lock()
	var due []*Template
	for _, t := range s.templates {
		if t.Enabled && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		if err := s.fire(ctx, t, now); err != nil {
			s.logger.Error("template firing failed",
				slog.String("template", t.Name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this
// instance is the leader. With no Redis client every instance leads.
func (s *Scheduler) acquireOrRenewLeadership(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, leaderKey, s.instanceID, leaderTTL).Result()
	if err != nil {
		s.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		s.logger.Info("acquired recurrence leadership", slog.String("instance_id", s.instanceID))
		return true
	}

	// Already set; renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, s.redis,
		[]string{leaderKey},
		s.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

func (s *Scheduler) fire(ctx context.Context, t *Template, now time.Time) error {
	spec := t.Spec
	if spec.Name == "" {
		spec.Name = t.Name
	}
	job, err := s.launcher.CreateJob(ctx, spec)
	if err != nil {
		return fmt.Errorf("create job from template %q: %w", t.Name, err)
	}
	if err := s.launcher.Start(ctx, job.ID); err != nil {
		return fmt.Errorf("start job %s from template %q: %w", job.ID, t.Name, err)
	}

	next := t.schedule.Next(now)
	s.mu.Lock()
	t.LastRunAt = &now
	t.NextRunAt = &next
	s.mu.Unlock()

	s.logger.Info("template fired",
		slog.String("template", t.Name),
		slog.String("job_id", job.ID),
		slog.Time("next_run", next),
	)
	return nil
}
