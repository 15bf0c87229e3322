package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/creativeghq/batchflow/internal/domain"
)

const (
	mirrorTTL = 24 * time.Hour
	statsTTL  = time.Hour
)

func jobKey(jobID string) string       { return "job:meta:" + jobID }
func taskStateKey(jobID string) string { return "job:taskstate:" + jobID }

const statsKey = "jobs:stats"

// StateMirror keeps a low-latency copy of job state in Redis so
// dashboards and other read-heavy consumers never touch the
// orchestrator or Postgres. Entries expire on their own; the mirror is
// disposable and rebuilt from memory on every write.
type StateMirror interface {
	SetJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	SetTaskStatus(ctx context.Context, jobID, taskID string, status domain.TaskStatus) error
	DeleteJob(ctx context.Context, jobID string) error
	SetStats(ctx context.Context, stats *domain.StatsSnapshot) error
	GetStats(ctx context.Context) (*domain.StatsSnapshot, error)
}

type stateMirror struct {
	client *redis.Client
}

// NewStateMirror creates a Redis-backed StateMirror.
func NewStateMirror(client *redis.Client) StateMirror {
	return &stateMirror{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateMirror) SetJob(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job mirror: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(job.ID), data, mirrorTTL).Err(); err != nil {
		return fmt.Errorf("redis set job %s: %w", job.ID, err)
	}
	return nil
}

func (s *stateMirror) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	data, err := s.client.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.NotFoundError{Kind: "job", ID: jobID}
		}
		return nil, fmt.Errorf("redis get job %s: %w", jobID, err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job mirror: %w", err)
	}
	return &job, nil
}

// SetTaskStatus records one task's status in the job's state hash.
func (s *stateMirror) SetTaskStatus(ctx context.Context, jobID, taskID string, status domain.TaskStatus) error {
	key := taskStateKey(jobID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskID, string(status))
	pipe.Expire(ctx, key, mirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set task status %s/%s: %w", jobID, taskID, err)
	}
	return nil
}

func (s *stateMirror) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.client.Del(ctx, jobKey(jobID), taskStateKey(jobID)).Err(); err != nil {
		return fmt.Errorf("redis delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *stateMirror) SetStats(ctx context.Context, stats *domain.StatsSnapshot) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats mirror: %w", err)
	}
	if err := s.client.Set(ctx, statsKey, data, statsTTL).Err(); err != nil {
		return fmt.Errorf("redis set stats: %w", err)
	}
	return nil
}

func (s *stateMirror) GetStats(ctx context.Context) (*domain.StatsSnapshot, error) {
	data, err := s.client.Get(ctx, statsKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.NotFoundError{Kind: "stats", ID: statsKey}
		}
		return nil, fmt.Errorf("redis get stats: %w", err)
	}
	var stats domain.StatsSnapshot
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats mirror: %w", err)
	}
	return &stats, nil
}
