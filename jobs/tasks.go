package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAssignmentSweep deactivates expired role assignments.
	TaskAssignmentSweep = "authz:assignments:sweep"
)

// AssignmentSweepPayload carries scheduling metadata for a sweep run.
type AssignmentSweepPayload struct {
	RequestedAt time.Time `json:"requested_at"`
	Trigger     string    `json:"trigger"`
}

// NewAssignmentSweepTask constructs an Asynq task for the expiry sweep.
func NewAssignmentSweepTask(trigger string, at time.Time) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "cron"
	}
	body, err := json.Marshal(AssignmentSweepPayload{RequestedAt: at, Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAssignmentSweep, body, asynq.Queue(QueueDefault), asynq.Unique(time.Minute)), nil
}
