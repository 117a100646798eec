package audit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of a pgx pool the sink needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink appends events into authz_audit_events.
type PostgresSink struct {
	db  Execer
	now func() time.Time
}

// NewPostgresSink returns a new PostgresSink.
func NewPostgresSink(db Execer) *PostgresSink {
	return &PostgresSink{db: db, now: time.Now}
}

const insertEventSQL = `INSERT INTO authz_audit_events
	(event_id, event_type, principal_id, permission, role_id, context_type, context_id, actor_id, reason, occurred_at)
	VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, 0), $6, NULLIF($7, 0), NULLIF($8, 0), NULLIF($9, ''), $10)`

// Record persists the event.
func (s *PostgresSink) Record(ctx context.Context, event Event) error {
	if s == nil || s.db == nil {
		return errors.New("audit: postgres sink not initialised")
	}
	event, err := Prepare(event, s.now())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, insertEventSQL,
		event.ID,
		string(event.Type),
		event.PrincipalID,
		event.Permission,
		event.RoleID,
		event.ContextType,
		event.ContextID,
		event.ActorID,
		event.Reason,
		event.OccurredAt,
	)
	return err
}
