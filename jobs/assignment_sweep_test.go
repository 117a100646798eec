package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/homecare/homecare/internal/jobs"
)

type stubSweeper struct {
	count int
	err   error
	calls int
}

func (s *stubSweeper) SweepExpired(context.Context) (int, error) {
	s.calls++
	return s.count, s.err
}

func TestAssignmentSweepTaskPayload(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task, err := NewAssignmentSweepTask("", at)
	require.NoError(t, err)
	assert.Equal(t, TaskAssignmentSweep, task.Type())

	var payload AssignmentSweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, "cron", payload.Trigger)
	assert.True(t, at.Equal(payload.RequestedAt))
}

func TestAssignmentSweepJobRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	sweeper := &stubSweeper{count: 3}
	job := NewAssignmentSweepJob(sweeper, nil, metrics)

	task, err := NewAssignmentSweepTask("manual", time.Now())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 1, sweeper.calls)

	count, err := testutil.GatherAndCount(reg, "homecare_authz_assignments_expired_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP homecare_authz_assignments_expired_total Role assignments deactivated by the expiry sweep.
# TYPE homecare_authz_assignments_expired_total counter
homecare_authz_assignments_expired_total 3
`), "homecare_authz_assignments_expired_total"))
}

func TestAssignmentSweepJobFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	boom := errors.New("invalidation failed")
	job := NewAssignmentSweepJob(&stubSweeper{count: 2, err: boom}, nil, metrics)

	err := job.Handle(context.Background(), asynq.NewTask(TaskAssignmentSweep, nil))
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP homecare_jobs_failures_total Total failures observed for background jobs.
# TYPE homecare_jobs_failures_total counter
homecare_jobs_failures_total{job="authz:assignments:sweep"} 1
`), "homecare_jobs_failures_total"))
}

func TestAssignmentSweepJobRejectsBadPayload(t *testing.T) {
	sweeper := &stubSweeper{}
	job := NewAssignmentSweepJob(sweeper, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskAssignmentSweep, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Zero(t, sweeper.calls)

	var unset *AssignmentSweepJob
	assert.Error(t, unset.Handle(context.Background(), asynq.NewTask(TaskAssignmentSweep, nil)))
}
