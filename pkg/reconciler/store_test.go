package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEventStore(t *testing.T) (*PostgresEventStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return NewPostgresEventStore(db), mock, func() { db.Close() }
}

func TestEventStoreClaim(t *testing.T) {
	store, mock, cleanup := newTestEventStore(t)
	defer cleanup()

	payload := []byte(`{"id":"evt_1"}`)

	t.Run("first delivery claims the event", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("evt_1", EventInvoicePaid, payload, eventStatusProcessing).
			WillReturnResult(sqlmock.NewResult(0, 1))

		claimed, err := store.Claim(context.Background(), "evt_1", EventInvoicePaid, payload)
		require.NoError(t, err)
		assert.True(t, claimed)
	})

	t.Run("replay of a seen event is not claimed", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("evt_1", EventInvoicePaid, payload, eventStatusProcessing).
			WillReturnResult(sqlmock.NewResult(0, 0))

		claimed, err := store.Claim(context.Background(), "evt_1", EventInvoicePaid, payload)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreFailureLifecycle(t *testing.T) {
	store, mock, cleanup := newTestEventStore(t)
	defer cleanup()

	mock.ExpectQuery("UPDATE webhook_events").
		WithArgs(eventStatusFailed, "database unavailable", "evt_1").
		WillReturnRows(sqlmock.NewRows([]string{"attempts"}).AddRow(2))

	attempts, err := store.RecordFailure(context.Background(), "evt_1", "database unavailable")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	at := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE webhook_events SET next_retry_at").
		WithArgs(at, "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.ScheduleRetry(context.Background(), "evt_1", at))

	mock.ExpectExec("UPDATE webhook_events SET status").
		WithArgs(eventStatusExhausted, "evt_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkExhausted(context.Background(), "evt_1"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreDueForRetry(t *testing.T) {
	store, mock, cleanup := newTestEventStore(t)
	defer cleanup()

	mock.ExpectQuery("SELECT event_id, event_type, payload, attempts").
		WithArgs(eventStatusFailed, 10).
		WillReturnRows(sqlmock.NewRows([]string{"event_id", "event_type", "payload", "attempts"}).
			AddRow("evt_1", EventInvoiceFailed, []byte(`{"id":"evt_1"}`), 2))

	due, err := store.DueForRetry(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "evt_1", due[0].EventID)
	assert.Equal(t, 2, due[0].Attempts)

	require.NoError(t, mock.ExpectationsWereMet())
}
