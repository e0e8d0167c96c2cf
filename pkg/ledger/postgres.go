package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/edpsych/connect-billing/pkg/catalog"
)

// PostgresService implements the ledger Service interface using PostgreSQL
type PostgresService struct {
	db    *sql.DB
	costs CostTable
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB, costs CostTable) *PostgresService {
	return &PostgresService{db: db, costs: costs}
}

// GetBalance retrieves the credit balance for a user. Users without a
// balance row have a balance of zero.
func (s *PostgresService) GetBalance(ctx context.Context, userID string) (int64, error) {
	query := `SELECT balance FROM credit_balances WHERE user_id = $1`
	var balance int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// AddCredits credits a user's balance and appends a transaction row
func (s *PostgresService) AddCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	newBalance, _, err := s.addCredits(ctx, userID, amount, reason, "")
	return newBalance, err
}

// AddCreditsIdempotent credits a user's balance unless a transaction
// with the same idempotency key was already applied. Replaying the same
// key returns the current balance with applied=false.
func (s *PostgresService) AddCreditsIdempotent(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) (int64, bool, error) {
	if idempotencyKey == "" {
		return 0, false, fmt.Errorf("idempotency key is required")
	}
	return s.addCredits(ctx, userID, amount, reason, idempotencyKey)
}

func (s *PostgresService) addCredits(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, &InvalidAmountError{Amount: amount}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Claim the idempotency key first: the unique index makes a replayed
	// delivery a clean no-op instead of a double credit.
	if idempotencyKey != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, user_id, delta, balance_after, reason, idempotency_key)
			VALUES ($1, $2, $3, 0, $4, $5)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, uuid.NewString(), userID, amount, reason, idempotencyKey)
		if err != nil {
			return 0, false, wrapConflict(fmt.Errorf("failed to record transaction: %w", err))
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return 0, false, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if inserted == 0 {
			// Duplicate delivery. Abort the insert and report the balance as-is.
			if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
				return 0, false, fmt.Errorf("failed to roll back duplicate credit: %w", err)
			}
			balance, err := s.GetBalance(ctx, userID)
			return balance, false, err
		}
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_balances (user_id, balance)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance
	`, userID, amount).Scan(&newBalance)
	if err != nil {
		return 0, false, wrapConflict(fmt.Errorf("failed to credit balance: %w", err))
	}

	if idempotencyKey != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE credit_transactions SET balance_after = $1 WHERE idempotency_key = $2
		`, newBalance, idempotencyKey)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, user_id, delta, balance_after, reason)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.NewString(), userID, amount, newBalance, reason)
	}
	if err != nil {
		return 0, false, wrapConflict(fmt.Errorf("failed to record transaction: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, false, wrapConflict(fmt.Errorf("failed to commit credit: %w", err))
	}
	return newBalance, true, nil
}

// DeductCredits debits a user's balance, all-or-nothing. The
// conditional UPDATE only matches when the balance covers the full
// amount, and the row lock serializes concurrent deductions for the
// same user, so the balance can never go negative.
func (s *PostgresService) DeductCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, &InvalidAmountError{Amount: amount}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_balances
		SET balance = balance - $1, updated_at = NOW()
		WHERE user_id = $2 AND balance >= $1
		RETURNING balance
	`, amount, userID).Scan(&newBalance)
	if err == sql.ErrNoRows {
		balance, berr := s.GetBalance(ctx, userID)
		if berr != nil {
			return 0, berr
		}
		return 0, &InsufficientCreditsError{UserID: userID, Balance: balance, Requested: amount}
	}
	if err != nil {
		return 0, wrapConflict(fmt.Errorf("failed to debit balance: %w", err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, delta, balance_after, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), userID, -amount, newBalance, reason)
	if err != nil {
		return 0, wrapConflict(fmt.Errorf("failed to record transaction: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapConflict(fmt.Errorf("failed to commit debit: %w", err))
	}
	return newBalance, nil
}

// SpendForFeature deducts the credit cost of quantity units of a
// feature. Fails with FeatureNotCreditEligibleError when the feature
// has no cost defined.
func (s *PostgresService) SpendForFeature(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*SpendResult, error) {
	if quantity <= 0 {
		return nil, &InvalidAmountError{Amount: quantity}
	}

	cost, ok := s.costs.CreditCost(feature)
	if !ok {
		return nil, &FeatureNotCreditEligibleError{Feature: feature}
	}

	total := int64(cost) * quantity
	newBalance, err := s.DeductCredits(ctx, userID, total, fmt.Sprintf("feature:%s", feature))
	if err != nil {
		return nil, err
	}

	return &SpendResult{Spent: total, NewBalance: newBalance}, nil
}

// ListTransactions returns the most recent transactions for a user
func (s *PostgresService) ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	query := `
		SELECT id, user_id, delta, balance_after, reason, COALESCE(idempotency_key, ''), created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Delta, &t.BalanceAfter, &t.Reason, &t.IdempotencyKey, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// BalanceMismatch reports a user whose balance diverged from the sum of
// their transaction deltas
type BalanceMismatch struct {
	UserID   string `json:"user_id"`
	Balance  int64  `json:"balance"`
	DeltaSum int64  `json:"delta_sum"`
}

// AuditBalances compares every balance against the sum of its
// transaction deltas. An empty result means the ledger invariant holds.
func (s *PostgresService) AuditBalances(ctx context.Context) ([]*BalanceMismatch, error) {
	query := `
		SELECT b.user_id, b.balance, COALESCE(SUM(t.delta), 0) AS delta_sum
		FROM credit_balances b
		LEFT JOIN credit_transactions t ON t.user_id = b.user_id
		GROUP BY b.user_id, b.balance
		HAVING b.balance <> COALESCE(SUM(t.delta), 0)
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to audit balances: %w", err)
	}
	defer rows.Close()

	var mismatches []*BalanceMismatch
	for rows.Next() {
		m := &BalanceMismatch{}
		if err := rows.Scan(&m.UserID, &m.Balance, &m.DeltaSum); err != nil {
			return nil, fmt.Errorf("failed to scan mismatch: %w", err)
		}
		mismatches = append(mismatches, m)
	}
	return mismatches, rows.Err()
}

// wrapConflict translates postgres serialization and deadlock failures
// into a retryable ConflictError
func wrapConflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return &ConflictError{Err: err}
		}
	}
	return err
}
