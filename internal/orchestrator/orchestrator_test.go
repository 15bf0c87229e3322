package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/internal/postgres"
	redisstore "github.com/creativeghq/batchflow/internal/redis"
	"github.com/creativeghq/batchflow/internal/runner"
)

// ── fakes ────────────────────────────────────────────────────────────────────

// funcRunner executes tasks through a test-provided function.
type funcRunner struct {
	typ string
	fn  func(ctx context.Context, task *domain.Task) (json.RawMessage, error)
}

func (r *funcRunner) JobType() string { return r.typ }
func (r *funcRunner) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	return r.fn(ctx, task)
}

type fakeRepo struct {
	mu       sync.Mutex
	created  []string
	updated  []string
	deleted  []string
	attempts []*domain.TaskAttempt
	commands []*domain.CommandAudit

	unfinished      []*domain.Job
	unfinishedTasks map[string][]*domain.Task
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{unfinishedTasks: make(map[string][]*domain.Task)}
}

func (r *fakeRepo) CreateJob(_ context.Context, job *domain.Job, _ []*domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, job.ID)
	return nil
}
func (r *fakeRepo) UpdateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, job.ID)
	return nil
}
func (r *fakeRepo) UpdateTasks(_ context.Context, _ []*domain.Task) error { return nil }
func (r *fakeRepo) DeleteJob(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, jobID)
	return nil
}
func (r *fakeRepo) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	return nil, &domain.NotFoundError{Kind: "job", ID: jobID}
}
func (r *fakeRepo) ListTasks(_ context.Context, jobID string) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unfinishedTasks[jobID], nil
}
func (r *fakeRepo) ListUnfinished(_ context.Context) ([]*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unfinished, nil
}
func (r *fakeRepo) RecordAttempt(_ context.Context, att *domain.TaskAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, att)
	return nil
}
func (r *fakeRepo) RecordCommand(_ context.Context, audit *domain.CommandAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, audit)
	return nil
}

// Ensure fakeRepo satisfies the interface at compile time.
var _ postgres.JobRepository = (*fakeRepo)(nil)

// fakeMirror records what the orchestrator pushes to the live-state mirror.
type fakeMirror struct {
	mu         sync.Mutex
	jobStatus  map[string]domain.JobStatus
	taskStatus map[string]domain.TaskStatus
	deleted    []string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{
		jobStatus:  make(map[string]domain.JobStatus),
		taskStatus: make(map[string]domain.TaskStatus),
	}
}

func (m *fakeMirror) SetJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobStatus[job.ID] = job.Status
	return nil
}
func (m *fakeMirror) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	return nil, &domain.NotFoundError{Kind: "job", ID: jobID}
}
func (m *fakeMirror) SetTaskStatus(_ context.Context, _, taskID string, status domain.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskStatus[taskID] = status
	return nil
}
func (m *fakeMirror) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, jobID)
	return nil
}
func (m *fakeMirror) SetStats(_ context.Context, _ *domain.StatsSnapshot) error { return nil }
func (m *fakeMirror) GetStats(_ context.Context) (*domain.StatsSnapshot, error) {
	return nil, &domain.NotFoundError{Kind: "stats", ID: "aggregate"}
}

var _ redisstore.StateMirror = (*fakeMirror)(nil)

type fakeSink struct {
	mu   sync.Mutex
	keys []string
}

func (s *fakeSink) Publish(_ context.Context, key string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestOrchestrator(t *testing.T, fn func(ctx context.Context, task *domain.Task) (json.RawMessage, error), opts ...Option) *Orchestrator {
	t.Helper()
	reg := runner.NewRegistry()
	if fn != nil {
		reg.Register(&funcRunner{typ: "test", fn: fn})
	}
	o := New(reg, append([]Option{WithLogger(slog.Default())}, opts...)...)
	t.Cleanup(o.Close)
	return o
}

func succeedRunner(_ context.Context, _ *domain.Task) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func specWithTasks(n int) JobSpec {
	spec := JobSpec{Name: "test-job", Type: "test"}
	for i := 0; i < n; i++ {
		spec.Tasks = append(spec.Tasks, TaskSpec{
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	return spec
}

func waitForStatus(t *testing.T, o *Orchestrator, jobID string, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		j, _, err := o.GetJob(jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

func intPtr(n int) *int { return &n }

// ── tests ────────────────────────────────────────────────────────────────────

func TestCreateJob_Defaults(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)

	job, err := o.CreateJob(context.Background(), specWithTasks(3))
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.JobPending, job.Status)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, domain.CompleteAnySuccess, job.CompletionPolicy)
	assert.Equal(t, 4, job.ConcurrencyLimit)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 3, job.TasksTotal)
	assert.Zero(t, job.Progress)

	_, tasks, err := o.GetJob(job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		assert.Equal(t, i, task.Index)
		assert.Equal(t, domain.TaskPending, task.Status)
		assert.Zero(t, task.RetryCount)
	}
}

func TestCreateJob_UnknownType(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)

	_, err := o.CreateJob(context.Background(), JobSpec{Type: "sms"})
	var unknown *domain.UnknownJobTypeError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "sms", unknown.JobType)
}

func TestGetJob_NotFound(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)

	_, _, err := o.GetJob("nope")
	var notFound *domain.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestGetJob_ReturnsClones(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)

	job, err := o.CreateJob(context.Background(), specWithTasks(1))
	require.NoError(t, err)

	got, tasks, err := o.GetJob(job.ID)
	require.NoError(t, err)

	// Mutating the snapshot must not leak into orchestrator state.
	got.Status = domain.JobFailed
	tasks[0].Status = domain.TaskFailed

	again, tasksAgain, err := o.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, again.Status)
	assert.Equal(t, domain.TaskPending, tasksAgain[0].Status)
}

func TestListJobs_FilterAndSort(t *testing.T) {
	o := newTestOrchestrator(t, succeedRunner)
	ctx := context.Background()

	specA := specWithTasks(1)
	specA.Name = "alpha"
	specA.OwnerID = "alice"
	specA.Priority = domain.PriorityLow
	a, err := o.CreateJob(ctx, specA)
	require.NoError(t, err)

	specB := specWithTasks(1)
	specB.Name = "bravo"
	specB.OwnerID = "bob"
	specB.Priority = domain.PriorityUrgent
	b, err := o.CreateJob(ctx, specB)
	require.NoError(t, err)

	all := o.ListJobs(ListFilter{}, SortByCreated)
	require.Len(t, all, 2)

	owned := o.ListJobs(ListFilter{OwnerID: "alice"}, SortByCreated)
	require.Len(t, owned, 1)
	assert.Equal(t, a.ID, owned[0].ID)

	byPriority := o.ListJobs(ListFilter{}, SortByPriority)
	require.Len(t, byPriority, 2)
	assert.Equal(t, b.ID, byPriority[0].ID, "urgent sorts before low")

	byName := o.ListJobs(ListFilter{}, SortByName)
	assert.Equal(t, "alpha", byName[0].Name)

	none := o.ListJobs(ListFilter{Status: domain.JobRunning}, SortByCreated)
	assert.Empty(t, none)
}

func TestCreateJob_PersistsThroughRepository(t *testing.T) {
	repo := newFakeRepo()
	o := newTestOrchestrator(t, succeedRunner, WithRepository(repo))

	job, err := o.CreateJob(context.Background(), specWithTasks(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.created) == 1 && repo.created[0] == job.ID
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStateMirror_TracksJobAndTaskStatus(t *testing.T) {
	mirror := newFakeMirror()
	o := newTestOrchestrator(t, succeedRunner, WithStateMirror(mirror))
	ctx := context.Background()

	job, err := o.CreateJob(ctx, specWithTasks(2))
	require.NoError(t, err)
	require.NoError(t, o.Start(ctx, job.ID))
	waitForStatus(t, o, job.ID, domain.JobCompleted)

	_, tasks, err := o.GetJob(job.ID)
	require.NoError(t, err)

	// Mirror writes are write-behind; give them a beat to land.
	require.Eventually(t, func() bool {
		mirror.mu.Lock()
		defer mirror.mu.Unlock()
		if mirror.jobStatus[job.ID] != domain.JobCompleted {
			return false
		}
		for _, task := range tasks {
			if mirror.taskStatus[task.ID] != domain.TaskCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "mirror must carry per-task status, not just the job row")
}

func TestRestore_ReloadsUnfinishedJobs(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now().UTC()
	repo.unfinished = []*domain.Job{{
		ID:               "job-1",
		Name:             "restored",
		Type:             "test",
		Status:           domain.JobRunning, // was mid-flight when the process died
		ConcurrencyLimit: 2,
		MaxRetries:       1,
		CompletionPolicy: domain.CompleteAnySuccess,
		TasksTotal:       2,
		CreatedAt:        now,
		UpdatedAt:        now,
	}}
	repo.unfinishedTasks["job-1"] = []*domain.Task{
		{ID: "t-0", JobID: "job-1", Index: 0, Status: domain.TaskRunning},
		{ID: "t-1", JobID: "job-1", Index: 1, Status: domain.TaskCompleted},
	}

	o := newTestOrchestrator(t, succeedRunner, WithRepository(repo))
	require.NoError(t, o.Restore(context.Background()))

	job, tasks, err := o.GetJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobPending, job.Status, "restored jobs restart from pending")
	assert.Nil(t, job.StartedAt)
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.TaskPending, tasks[0].Status, "interrupted task resets to pending")
	assert.Equal(t, domain.TaskCompleted, tasks[1].Status, "finished work is kept")

	// The restored job is runnable again.
	require.NoError(t, o.Start(context.Background(), "job-1"))
	waitForStatus(t, o, "job-1", domain.JobCompleted)
}
