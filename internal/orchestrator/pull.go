package orchestrator

import (
	"context"
	"time"

	"github.com/creativeghq/batchflow/internal/domain"
)

// Snapshot is a point-in-time view of every job plus aggregate stats.
// It is the pull-mode counterpart of the event stream: consumers that
// cannot keep up with push delivery reconcile from here.
type Snapshot struct {
	TakenAt time.Time            `json:"taken_at"`
	Jobs    []*domain.Job        `json:"jobs"`
	Stats   domain.StatsSnapshot `json:"stats"`
}

// Snapshot returns a consistent-enough copy of the world: each job is
// cloned under its own lock, so no job is ever seen mid-mutation.
func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{
		TakenAt: time.Now().UTC(),
		Jobs:    o.ListJobs(ListFilter{}, SortByCreated),
		Stats:   o.Stats(ListFilter{}),
	}
}

// Poller invokes fn on a fixed interval, starting immediately. It is
// the scaffolding for pull-mode consumers that want periodic snapshots
// without wiring their own ticker.
type Poller struct {
	interval time.Duration
	fn       func(Snapshot)
	o        *Orchestrator
}

func NewPoller(o *Orchestrator, interval time.Duration, fn func(Snapshot)) *Poller {
	return &Poller{interval: interval, fn: fn, o: o}
}

// Run blocks until ctx is cancelled. The first snapshot is delivered
// right away rather than one interval in.
func (p *Poller) Run(ctx context.Context) {
	p.fn(p.o.Snapshot())

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fn(p.o.Snapshot())
		}
	}
}
