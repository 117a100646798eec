package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareFillsIDAndTimestamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	event, err := Prepare(Event{Type: EventAccessDenied, ContextType: "establishment", ContextID: 10}, now)
	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, now.UTC(), event.OccurredAt)

	_, err = Prepare(Event{Type: "bogus", ContextType: "system"}, now)
	assert.Error(t, err)

	_, err = Prepare(Event{Type: EventGrant}, now)
	assert.Error(t, err)
}

func TestPostgresSinkRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO authz_audit_events`).
		WithArgs("evt-1", "access_denied", int64(7), "users.view", int64(0), "establishment", int64(10), int64(0), "permission_denied", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sink := NewPostgresSink(mock)
	err = sink.Record(context.Background(), Event{
		ID:          "evt-1",
		Type:        EventAccessDenied,
		PrincipalID: 7,
		Permission:  "users.view",
		ContextType: "establishment",
		ContextID:   10,
		Reason:      "permission_denied",
		OccurredAt:  at,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSinkRejectsInvalidEvent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink := NewPostgresSink(mock)
	err = sink.Record(context.Background(), Event{Type: EventGrant})
	assert.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLogSinkWritesStructuredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	sink := NewLogSink(logger)

	err := sink.Record(context.Background(), Event{Type: EventRevoke, RoleID: 3, ContextType: "company", ContextID: 2, ActorID: 1})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, `"event_type":"revoke"`)
	assert.Contains(t, out, `"role_id":3`)
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	var calls int
	boom := errors.New("boom")
	sink := MultiSink{
		SinkFunc(func(context.Context, Event) error { calls++; return boom }),
		nil,
		SinkFunc(func(context.Context, Event) error { calls++; return nil }),
	}
	err := sink.Record(context.Background(), Event{Type: EventGrant, ContextType: "system"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}
