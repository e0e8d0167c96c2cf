package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Event statuses in the dedupe table.
const (
	eventStatusProcessing = "processing"
	eventStatusProcessed  = "processed"
	eventStatusFailed     = "failed"
	eventStatusExhausted  = "exhausted"
)

// PostgresEventStore implements EventStore using PostgreSQL
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgresEventStore
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Claim records the event as being processed. The unique index on
// event_id makes the insert the dedupe point: whichever delivery lands
// first wins, every later one sees zero rows.
func (s *PostgresEventStore) Claim(ctx context.Context, eventID, eventType string, payload []byte) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, status, attempts)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, payload, eventStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("failed to claim event: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return inserted > 0, nil
}

// MarkProcessed finalizes a successfully handled event
func (s *PostgresEventStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $1, last_error = NULL, next_retry_at = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE event_id = $2
	`, eventStatusProcessed, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// RecordFailure increments the attempt count and stores the error text
func (s *PostgresEventStore) RecordFailure(ctx context.Context, eventID, errMsg string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE webhook_events
		SET status = $1, last_error = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE event_id = $3
		RETURNING attempts
	`, eventStatusFailed, errMsg, eventID).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to record event failure: %w", err)
	}
	return attempts, nil
}

// ScheduleRetry sets the next replay time for a failed event
func (s *PostgresEventStore) ScheduleRetry(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET next_retry_at = $1, updated_at = NOW()
		WHERE event_id = $2
	`, at, eventID)
	if err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// MarkExhausted flags an event that has run out of retry attempts
func (s *PostgresEventStore) MarkExhausted(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET status = $1, next_retry_at = NULL, updated_at = NOW()
		WHERE event_id = $2
	`, eventStatusExhausted, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event exhausted: %w", err)
	}
	return nil
}

// DueForRetry returns failed events whose retry time has passed
func (s *PostgresEventStore) DueForRetry(ctx context.Context, limit int) ([]*StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_type, payload, attempts
		FROM webhook_events
		WHERE status = $1 AND next_retry_at <= NOW()
		ORDER BY next_retry_at
		LIMIT $2
	`, eventStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due events: %w", err)
	}
	defer rows.Close()

	var events []*StoredEvent
	for rows.Next() {
		e := &StoredEvent{}
		if err := rows.Scan(&e.EventID, &e.EventType, &e.Payload, &e.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
