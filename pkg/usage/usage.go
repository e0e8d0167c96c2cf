// Package usage tracks per-user, per-feature usage counters scoped to a
// billing cycle. Counters are keyed (user, feature, cycle start) and
// only ever increase; a new cycle start simply addresses a fresh row,
// so rollover needs no synchronous reset. Stale rows from earlier
// cycles are pruned by the maintenance job and are never read as
// current.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/edpsych/connect-billing/pkg/catalog"
)

// Counter is the persisted usage count for one (user, feature, cycle)
type Counter struct {
	UserID     string          `json:"user_id"`
	Feature    catalog.Feature `json:"feature"`
	CycleStart time.Time       `json:"cycle_start"`
	Count      int64           `json:"count"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// InvalidQuantityError is returned when a recorded quantity is zero or negative
type InvalidQuantityError struct {
	Quantity int64
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be positive, got %d", e.Quantity)
}

// IsInvalidQuantity checks if an error is an invalid quantity error
func IsInvalidQuantity(err error) bool {
	_, ok := err.(*InvalidQuantityError)
	return ok
}

// Tracker defines the interface for usage tracking
type Tracker interface {
	// Record increments the counter for the given cycle, creating it on
	// first use, and returns the new count.
	Record(ctx context.Context, userID string, feature catalog.Feature, quantity int64, cycleStart time.Time) (int64, error)
	// Check returns the current count for the given cycle. A missing row
	// counts as zero.
	Check(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error)
}

// PostgresTracker implements Tracker using PostgreSQL
type PostgresTracker struct {
	db *sql.DB
}

// NewPostgresTracker creates a new PostgresTracker
func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

// Record increments the usage counter for the active cycle
func (t *PostgresTracker) Record(ctx context.Context, userID string, feature catalog.Feature, quantity int64, cycleStart time.Time) (int64, error) {
	if quantity <= 0 {
		return 0, &InvalidQuantityError{Quantity: quantity}
	}

	query := `
		INSERT INTO usage_counters (user_id, feature, cycle_start, count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, feature, cycle_start) DO UPDATE
		SET count = usage_counters.count + EXCLUDED.count, updated_at = NOW()
		RETURNING count
	`
	var count int64
	err := t.db.QueryRowContext(ctx, query, userID, string(feature), cycleStart, quantity).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to record usage: %w", err)
	}
	return count, nil
}

// Check reads the counter for the active cycle. Rows with a different
// cycle_start belong to earlier cycles and are ignored, which is what
// makes rollover implicit.
func (t *PostgresTracker) Check(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
	query := `
		SELECT count FROM usage_counters
		WHERE user_id = $1 AND feature = $2 AND cycle_start = $3
	`
	var count int64
	err := t.db.QueryRowContext(ctx, query, userID, string(feature), cycleStart).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check usage: %w", err)
	}
	return count, nil
}

// ListForUser returns all current-cycle counters for a user
func (t *PostgresTracker) ListForUser(ctx context.Context, userID string, cycleStart time.Time) ([]*Counter, error) {
	query := `
		SELECT user_id, feature, cycle_start, count, updated_at
		FROM usage_counters
		WHERE user_id = $1 AND cycle_start = $2
		ORDER BY feature
	`
	rows, err := t.db.QueryContext(ctx, query, userID, cycleStart)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var counters []*Counter
	for rows.Next() {
		c := &Counter{}
		var feature string
		if err := rows.Scan(&c.UserID, &feature, &c.CycleStart, &c.Count, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		c.Feature = catalog.Feature(feature)
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

// PruneStale deletes counters whose cycle ended before the cutoff.
// Returns the number of rows removed.
func (t *PostgresTracker) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := t.db.ExecContext(ctx, `DELETE FROM usage_counters WHERE cycle_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale counters: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return removed, nil
}
