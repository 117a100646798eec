// Package audit defines the append-only record written by the authorization
// core for grants, revocations and denied access.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit record.
type EventType string

const (
	EventGrant                 EventType = "grant"
	EventRevoke                EventType = "revoke"
	EventAccessDenied          EventType = "access_denied"
	EventResolutionUnavailable EventType = "resolution_unavailable"
)

// Event is the shape written to every sink. PermissionID and RoleID are
// optional; ContextID is zero for the system context.
type Event struct {
	ID          string
	Type        EventType
	PrincipalID int64
	Permission  string
	RoleID      int64
	ContextType string
	ContextID   int64
	ActorID     int64
	Reason      string
	OccurredAt  time.Time
}

// Sink records events. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Prepare fills the id and timestamp when missing and validates the type.
func Prepare(event Event, now time.Time) (Event, error) {
	switch event.Type {
	case EventGrant, EventRevoke, EventAccessDenied, EventResolutionUnavailable:
	default:
		return event, errors.New("audit: unknown event type")
	}
	if event.ContextType == "" {
		return event, errors.New("audit: context type required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now
	}
	event.OccurredAt = event.OccurredAt.UTC()
	return event, nil
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// MultiSink fans an event out to several sinks and joins their errors.
type MultiSink []Sink

// Record writes to every sink even when one fails.
func (m MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
