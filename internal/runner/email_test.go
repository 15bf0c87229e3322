package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/internal/runner"
)

func TestEmailRunner_JobType(t *testing.T) {
	r := runner.NewEmailRunner(runner.EmailConfig{Host: "localhost", Port: 1025, From: "from@test.com"})
	assert.Equal(t, "email", r.JobType())
}

func TestEmailRunner_Execute_InvalidJSON(t *testing.T) {
	r := runner.NewEmailRunner(runner.EmailConfig{Host: "localhost", Port: 1025})
	task := &domain.Task{Payload: []byte("not-json")}

	_, err := r.Execute(context.Background(), task)
	require.Error(t, err, "should fail on invalid JSON payload")
}

func TestEmailRunner_Execute_MissingTo(t *testing.T) {
	r := runner.NewEmailRunner(runner.EmailConfig{Host: "localhost", Port: 1025})
	task := &domain.Task{Payload: []byte(`{"subject":"hi","body":"world"}`)}

	_, err := r.Execute(context.Background(), task)
	require.Error(t, err, "should fail when 'to' field is missing")
	assert.Contains(t, err.Error(), "to")
}

func TestEmailRunner_Execute_CancelledContext(t *testing.T) {
	r := runner.NewEmailRunner(runner.EmailConfig{Host: "localhost", Port: 1025})
	task := &domain.Task{Payload: []byte(`{"to":"x@y.com","subject":"hi","body":"world"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel before calling Execute

	_, err := r.Execute(ctx, task)
	require.Error(t, err, "cancelled context should result in an error")
}
