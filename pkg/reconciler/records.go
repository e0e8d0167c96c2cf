package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Billing record statuses.
const (
	RecordStatusPaid   = "paid"
	RecordStatusFailed = "failed"
)

// BillingRecord is one audit row per invoice event
type BillingRecord struct {
	ID                     string    `json:"id"`
	UserID                 string    `json:"user_id"`
	ProviderInvoiceID      string    `json:"provider_invoice_id"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	AmountCents            int64     `json:"amount_cents"`
	Currency               string    `json:"currency"`
	Status                 string    `json:"status"`
	CreatedAt              time.Time `json:"created_at"`
}

// RecordStore persists billing records
type RecordStore interface {
	// Append inserts a billing record. A record for the same provider
	// invoice and status is a no-op, so event replays stay idempotent.
	Append(ctx context.Context, record *BillingRecord) error
	ListForUser(ctx context.Context, userID string, limit int) ([]*BillingRecord, error)
}

// PostgresRecordStore implements RecordStore using PostgreSQL
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a new PostgresRecordStore
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// Append inserts a billing record
func (s *PostgresRecordStore) Append(ctx context.Context, record *BillingRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_records (id, user_id, provider_invoice_id, provider_subscription_id, amount_cents, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_invoice_id, status) DO NOTHING
	`, record.ID, record.UserID, record.ProviderInvoiceID, record.ProviderSubscriptionID,
		record.AmountCents, record.Currency, record.Status)
	if err != nil {
		return fmt.Errorf("failed to append billing record: %w", err)
	}
	return nil
}

// ListForUser returns the most recent billing records for a user
func (s *PostgresRecordStore) ListForUser(ctx context.Context, userID string, limit int) ([]*BillingRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, provider_invoice_id, provider_subscription_id, amount_cents, currency, status, created_at
		FROM billing_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	defer rows.Close()

	var records []*BillingRecord
	for rows.Next() {
		r := &BillingRecord{}
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProviderInvoiceID, &r.ProviderSubscriptionID,
			&r.AmountCents, &r.Currency, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan billing record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
