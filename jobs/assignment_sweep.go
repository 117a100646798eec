package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/homecare/homecare/internal/jobs"
)

// AssignmentSweeper deactivates expired assignments and invalidates their users.
type AssignmentSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// AssignmentSweepJob runs the expiry sweep. Expired assignments already grant
// nothing at check time; the sweep keeps stored status in line with that.
type AssignmentSweepJob struct {
	Sweeper AssignmentSweeper
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAssignmentSweepJob constructs the job handler.
func NewAssignmentSweepJob(sweeper AssignmentSweeper, logger *slog.Logger, metrics *jobmetrics.Metrics) *AssignmentSweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AssignmentSweepJob{Sweeper: sweeper, Logger: logger, Metrics: metrics}
}

// Handle executes one sweep.
func (j *AssignmentSweepJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sweeper == nil {
		return errors.New("assignment sweep: handler not configured")
	}
	var payload AssignmentSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("assignment sweep: decode payload: %w", asynq.SkipRetry)
		}
	}
	tracker := j.Metrics.Track(TaskAssignmentSweep)
	defer func() { err = tracker.End(err) }()

	count, err := j.Sweeper.SweepExpired(ctx)
	j.Metrics.AddExpiredAssignments(count)
	if err != nil {
		j.Logger.Error("assignment sweep failed",
			slog.String("trigger", payload.Trigger),
			slog.Int("expired", count),
			slog.Any("error", err))
		return fmt.Errorf("assignment sweep: %w", err)
	}
	j.Logger.Info("assignment sweep completed",
		slog.String("trigger", payload.Trigger),
		slog.Int("expired", count))
	return nil
}
