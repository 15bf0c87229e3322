package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creativeghq/batchflow/internal/domain"
)

func floatPtr(f float64) *float64 { return &f }

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*domain.Task
		total int
		want  float64
	}{
		{name: "no tasks", total: 0, want: 0},
		{
			name:  "all pending",
			tasks: []*domain.Task{{Status: domain.TaskPending}, {Status: domain.TaskPending}},
			total: 2,
			want:  0,
		},
		{
			name:  "half terminal",
			tasks: []*domain.Task{{Status: domain.TaskCompleted}, {Status: domain.TaskPending}},
			total: 2,
			want:  50,
		},
		{
			name:  "failed and skipped count as terminal",
			tasks: []*domain.Task{{Status: domain.TaskFailed}, {Status: domain.TaskSkipped}},
			total: 2,
			want:  100,
		},
		{
			name:  "running without report gets half credit",
			tasks: []*domain.Task{{Status: domain.TaskRunning}, {Status: domain.TaskPending}},
			total: 2,
			want:  25,
		},
		{
			name: "running with report uses it",
			tasks: []*domain.Task{
				{Status: domain.TaskRunning, Progress: floatPtr(80)},
				{Status: domain.TaskCompleted},
			},
			total: 2,
			want:  90,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, computeProgress(tt.tasks, tt.total), 0.001)
		})
	}
}

func TestProgress_MonotonicWhileRunning(t *testing.T) {
	// Task 1 fails once after task 0 completed; the failed attempt resets
	// it to pending, which would naively dip aggregate progress.
	var calls atomic.Int32
	o := newTestOrchestrator(t, func(_ context.Context, task *domain.Task) (json.RawMessage, error) {
		if task.Index == 1 && calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	ctx := context.Background()

	spec := specWithTasks(2)
	spec.ConcurrencyLimit = 1
	job, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)

	var mu = make(chan struct{}, 1)
	var samples []float64
	unsubscribe := o.Subscribe(func(ev domain.Event) {
		if ev.Type == domain.EventJobUpdated && ev.Job != nil {
			mu <- struct{}{}
			samples = append(samples, ev.Job.Progress)
			<-mu
		}
	})
	defer unsubscribe()

	require.NoError(t, o.Start(ctx, job.ID))
	waitForStatus(t, o, job.ID, domain.JobCompleted)

	require.Eventually(t, func() bool {
		mu <- struct{}{}
		defer func() { <-mu }()
		return len(samples) > 0 && samples[len(samples)-1] == 100
	}, 2*time.Second, 5*time.Millisecond)

	mu <- struct{}{}
	defer func() { <-mu }()
	prev := 0.0
	for _, p := range samples {
		assert.GreaterOrEqual(t, p, prev, "progress must never regress while running")
		prev = p
	}
}

func TestCompletionPolicy_AnySuccess(t *testing.T) {
	o := newTestOrchestrator(t, func(_ context.Context, task *domain.Task) (json.RawMessage, error) {
		if task.Index == 0 {
			return nil, nil
		}
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	spec := specWithTasks(3)
	spec.MaxRetries = intPtr(0)
	job, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))

	done := waitForStatus(t, o, job.ID, domain.JobCompleted)
	assert.Equal(t, 1, done.TasksCompleted)
	assert.Equal(t, 2, done.TasksFailed)
}

func TestCompletionPolicy_AllSuccess(t *testing.T) {
	o := newTestOrchestrator(t, func(_ context.Context, task *domain.Task) (json.RawMessage, error) {
		if task.Index == 2 {
			return nil, errors.New("boom")
		}
		return nil, nil
	})
	ctx := context.Background()

	spec := specWithTasks(3)
	spec.MaxRetries = intPtr(0)
	spec.CompletionPolicy = domain.CompleteAllSuccess
	job, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))

	done := waitForStatus(t, o, job.ID, domain.JobFailed)
	assert.Equal(t, 2, done.TasksCompleted)
	assert.Equal(t, 1, done.TasksFailed)
}

func TestCompletionPolicy_AllFailed(t *testing.T) {
	o := newTestOrchestrator(t, func(_ context.Context, _ *domain.Task) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	spec := specWithTasks(2)
	spec.MaxRetries = intPtr(0)
	job, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))

	done := waitForStatus(t, o, job.ID, domain.JobFailed)
	assert.Zero(t, done.TasksCompleted)
	assert.Equal(t, 2, done.TasksFailed)
}

func TestFailureRatio_AbortsEarly(t *testing.T) {
	var calls atomic.Int32
	o := newTestOrchestrator(t, func(_ context.Context, _ *domain.Task) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	})
	ctx := context.Background()

	spec := specWithTasks(10)
	spec.ConcurrencyLimit = 1
	spec.MaxRetries = intPtr(0)
	spec.FailureRatio = 0.25
	job, err := o.CreateJob(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))

	done := waitForStatus(t, o, job.ID, domain.JobFailed)
	// 3 failures out of 10 crosses 25%; the remaining 7 are skipped, not run.
	assert.Equal(t, 3, done.TasksFailed)
	assert.Equal(t, 7, done.TasksSkipped)
	assert.Equal(t, int32(3), calls.Load())
}
