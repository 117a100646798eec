package audit

import (
	"context"
	"log/slog"
	"time"
)

// LogSink writes events as structured log lines, for environments without an
// audit table or as a secondary stream.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink returns a sink logging at Info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger, level: slog.LevelInfo}
}

// Record logs the event.
func (s *LogSink) Record(ctx context.Context, event Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	event, err := Prepare(event, time.Now())
	if err != nil {
		return err
	}
	s.logger.LogAttrs(ctx, s.level, "authz audit",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)),
		slog.Int64("principal_id", event.PrincipalID),
		slog.String("permission", event.Permission),
		slog.Int64("role_id", event.RoleID),
		slog.String("context_type", event.ContextType),
		slog.Int64("context_id", event.ContextID),
		slog.Int64("actor_id", event.ActorID),
		slog.String("reason", event.Reason),
		slog.Time("occurred_at", event.OccurredAt),
	)
	return nil
}
