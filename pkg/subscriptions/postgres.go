package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/edpsych/connect-billing/pkg/catalog"
)

// PostgresStore implements the Store interface using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, user_id, tier_id, status, current_period_start, current_period_end, cancel_at_period_end, provider_subscription_id, created_at, updated_at`

// ActiveForUser returns the user's most recent non-canceled subscription
func (s *PostgresStore) ActiveForUser(ctx context.Context, userID string) (*Subscription, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM subscriptions
		WHERE user_id = $1 AND status <> $2
		ORDER BY created_at DESC
		LIMIT 1
	`, subscriptionColumns)

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, userID, StatusCanceled))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{UserID: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByProviderID returns the subscription with the given provider subscription ID
func (s *PostgresStore) GetByProviderID(ctx context.Context, providerSubID string) (*Subscription, error) {
	query := fmt.Sprintf(`SELECT %s FROM subscriptions WHERE provider_subscription_id = $1`, subscriptionColumns)

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, providerSubID))
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{ProviderSubscriptionID: providerSubID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Create inserts a subscription unless the provider subscription ID is
// already known. Duplicate checkout deliveries land here as no-ops.
func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) (bool, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = StatusActive
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, tier_id, status, current_period_start, current_period_end, cancel_at_period_end, provider_subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider_subscription_id) DO NOTHING
	`, sub.ID, sub.UserID, string(sub.TierID), string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.ProviderSubscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to create subscription: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return inserted > 0, nil
}

// UpdateFromProvider applies provider-reported fields to a
// subscription. The status <> canceled guard keeps the terminal state
// sticky against out-of-order events.
func (s *PostgresStore) UpdateFromProvider(ctx context.Context, providerSubID string, update *ProviderUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{providerSubID, string(StatusCanceled)}

	next := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if update.TierID != nil {
		sets = append(sets, "tier_id = "+next(string(*update.TierID)))
	}
	if update.Status != nil && *update.Status != StatusCanceled {
		sets = append(sets, "status = "+next(string(*update.Status)))
	}
	if update.CurrentPeriodStart != nil {
		sets = append(sets, "current_period_start = "+next(*update.CurrentPeriodStart))
	}
	if update.CurrentPeriodEnd != nil {
		sets = append(sets, "current_period_end = "+next(*update.CurrentPeriodEnd))
	}
	if update.CancelAtPeriodEnd != nil {
		sets = append(sets, "cancel_at_period_end = "+next(*update.CancelAtPeriodEnd))
	}

	query := fmt.Sprintf(`
		UPDATE subscriptions SET %s
		WHERE provider_subscription_id = $1 AND status <> $2
	`, strings.Join(sets, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if updated == 0 {
		return s.classifyMiss(ctx, providerSubID)
	}
	return nil
}

// MarkCanceled transitions a subscription to the terminal canceled state
func (s *PostgresStore) MarkCanceled(ctx context.Context, providerSubID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = NOW()
		WHERE provider_subscription_id = $2
	`, string(StatusCanceled), providerSubID)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if updated == 0 {
		return &NotFoundError{ProviderSubscriptionID: providerSubID}
	}
	return nil
}

// MarkPastDue transitions an active subscription to past_due
func (s *PostgresStore) MarkPastDue(ctx context.Context, providerSubID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = NOW()
		WHERE provider_subscription_id = $2 AND status = $3
	`, string(StatusPastDue), providerSubID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("failed to mark subscription past due: %w", err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if updated == 0 {
		// Already past_due or canceled is fine; unknown is not.
		return s.classifyMiss(ctx, providerSubID)
	}
	return nil
}

// classifyMiss distinguishes "row exists but the transition was
// refused" (no-op) from "no such subscription" (NotFoundError)
func (s *PostgresStore) classifyMiss(ctx context.Context, providerSubID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE provider_subscription_id = $1)`,
		providerSubID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up subscription: %w", err)
	}
	if !exists {
		return &NotFoundError{ProviderSubscriptionID: providerSubID}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var tierID, status string
	err := row.Scan(&sub.ID, &sub.UserID, &tierID, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.ProviderSubscriptionID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.TierID = catalog.TierID(tierID)
	sub.Status = Status(status)
	return sub, nil
}
