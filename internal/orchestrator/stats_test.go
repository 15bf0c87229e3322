package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creativeghq/batchflow/internal/domain"
)

func TestStats_CountsByStatus(t *testing.T) {
	release := make(chan struct{})
	o := newTestOrchestrator(t, func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		if task.Index == 0 {
			return nil, nil
		}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	defer close(release)
	ctx := context.Background()

	pending, err := o.CreateJob(ctx, specWithTasks(2))
	require.NoError(t, err)
	_ = pending

	running, err := o.CreateJob(ctx, specWithTasks(2))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, running.ID))

	require.Eventually(t, func() bool {
		j, _, _ := o.GetJob(running.ID)
		return j.TasksCompleted == 1
	}, 2*time.Second, time.Millisecond)

	s := o.Stats(ListFilter{})
	assert.Equal(t, 2, s.JobsTotal)
	assert.Equal(t, 1, s.JobsPending)
	assert.Equal(t, 1, s.JobsRunning)
	assert.Equal(t, 4, s.TasksTotal)
	assert.Equal(t, 1, s.TasksCompleted)
	assert.Equal(t, 1, s.TasksRunning)
	assert.Equal(t, 2, s.TasksPending)
	assert.False(t, s.TakenAt.IsZero())
}

func TestStats_FilterNarrowsAggregation(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)
	ctx := context.Background()

	spec := specWithTasks(2)
	spec.OwnerID = "alice"
	_, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)

	other := specWithTasks(3)
	other.OwnerID = "bob"
	_, err = o.CreateJob(ctx, other)
	require.NoError(t, err)

	s := o.Stats(ListFilter{OwnerID: "alice"})
	assert.Equal(t, 1, s.JobsTotal)
	assert.Equal(t, 2, s.TasksTotal)
}

func TestStats_ThroughputAndAvgDuration(t *testing.T) {
	o := newTestOrchestrator(t, func(_ context.Context, _ *domain.Task) (json.RawMessage, error) {
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	})
	ctx := context.Background()

	job, err := o.CreateJob(ctx, specWithTasks(4))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))
	waitForStatus(t, o, job.ID, domain.JobCompleted)

	s := o.Stats(ListFilter{})
	assert.InDelta(t, 4, s.ThroughputPerMinute, 0.001, "four completions inside the window")
	assert.GreaterOrEqual(t, s.AvgTaskDuration, 4*time.Millisecond)
	assert.Zero(t, s.EstimatedRemaining, "no backlog, no ETA")
}

func TestStats_EstimatedRemainingWithBacklog(t *testing.T) {
	release := make(chan struct{})
	o := newTestOrchestrator(t, func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		if task.Index == 0 {
			return nil, nil
		}
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	defer close(release)
	ctx := context.Background()

	spec := specWithTasks(3)
	spec.ConcurrencyLimit = 1
	job, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))

	require.Eventually(t, func() bool {
		j, _, _ := o.GetJob(job.ID)
		return j.TasksCompleted == 1
	}, 2*time.Second, time.Millisecond)

	s := o.Stats(ListFilter{})
	assert.Positive(t, s.EstimatedRemaining, "backlog plus throughput yields an ETA")
}

func TestSnapshot_ConsistentView(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)
	ctx := context.Background()

	job, err := o.CreateJob(ctx, specWithTasks(2))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))
	waitForStatus(t, o, job.ID, domain.JobCompleted)

	snap := o.Snapshot()
	assert.False(t, snap.TakenAt.IsZero())
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, job.ID, snap.Jobs[0].ID)
	assert.Equal(t, domain.JobCompleted, snap.Jobs[0].Status)
	assert.Equal(t, 1, snap.Stats.JobsCompleted)
	assert.Equal(t, 2, snap.Stats.TasksCompleted)
}

func TestPoller_DeliversImmediatelyThenOnInterval(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)

	var mu sync.Mutex
	var got []Snapshot
	p := NewPoller(o, 20*time.Millisecond, func(s Snapshot) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop on ctx cancel")
	}
}

func TestStats_SkipsFailedThroughput(t *testing.T) {
	o := newTestOrchestrator(t, func(_ context.Context, _ *domain.Task) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	spec := specWithTasks(2)
	spec.MaxRetries = intPtr(0)
	job, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))
	waitForStatus(t, o, job.ID, domain.JobFailed)

	s := o.Stats(ListFilter{})
	assert.Zero(t, s.ThroughputPerMinute, "only successes feed throughput")
	assert.Equal(t, 2, s.TasksFailed)
}
