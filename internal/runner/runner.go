package runner

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/creativeghq/batchflow/internal/domain"
)

// Runner executes one task's unit of work for a specific job type.
// Execute must honor ctx cancellation (best-effort abort) and the ctx
// deadline; exceeding the deadline is treated as a regular failure.
// Runners receive a copy of the task and never write orchestrator state.
type Runner interface {
	Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error)
	JobType() string
}

// Registry maps job types to their runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds a runner. Safe to call concurrently.
func (r *Registry) Register(rn Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[rn.JobType()] = rn
}

// Get returns the runner for the given job type.
// Returns UnknownJobTypeError if not registered.
func (r *Registry) Get(jobType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[jobType]
	if !ok {
		return nil, &domain.UnknownJobTypeError{JobType: jobType}
	}
	return rn, nil
}

// progressKey carries the per-execution progress callback through ctx.
type progressKey struct{}

// WithProgress attaches a callback the runner may use to report
// fine-grained progress (0–100) while the task is running.
func WithProgress(ctx context.Context, report func(pct float64)) context.Context {
	return context.WithValue(ctx, progressKey{}, report)
}

// ReportProgress forwards pct to the scheduler if a callback is attached.
// Values outside [0, 100] are clamped.
func ReportProgress(ctx context.Context, pct float64) {
	report, ok := ctx.Value(progressKey{}).(func(float64))
	if !ok {
		return
	}
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	report(pct)
}
