// Package ledger implements the per-user credit ledger: an integer
// balance per user plus an append-only transaction log. Every balance
// mutation writes exactly one transaction row in the same database
// transaction, so the balance always equals the sum of the deltas.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/edpsych/connect-billing/pkg/catalog"
)

// Transaction is one append-only audit entry for a balance mutation
type Transaction struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Delta          int64     `json:"delta"`
	BalanceAfter   int64     `json:"balance_after"`
	Reason         string    `json:"reason"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SpendResult reports a successful pay-as-you-go deduction
type SpendResult struct {
	Spent      int64 `json:"spent"`
	NewBalance int64 `json:"new_balance"`
}

// CostTable resolves the per-unit credit cost of a feature.
// *catalog.Catalogue satisfies it.
type CostTable interface {
	CreditCost(feature catalog.Feature) (cost int, ok bool)
}

// Service defines the interface for credit ledger operations
type Service interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	AddCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error)
	// AddCreditsIdempotent behaves like AddCredits but is a no-op when a
	// transaction with the same idempotency key already exists. applied
	// is false on replay.
	AddCreditsIdempotent(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) (newBalance int64, applied bool, err error)
	DeductCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error)
	SpendForFeature(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*SpendResult, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
}

// InvalidAmountError is returned when an amount is zero or negative
type InvalidAmountError struct {
	Amount int64
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("amount must be positive, got %d", e.Amount)
}

// IsInvalidAmount checks if an error is an invalid amount error
func IsInvalidAmount(err error) bool {
	_, ok := err.(*InvalidAmountError)
	return ok
}

// InsufficientCreditsError is returned when a deduction exceeds the
// balance. The deduction is all-or-nothing; no partial spend occurs.
type InsufficientCreditsError struct {
	UserID    string
	Balance   int64
	Requested int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: balance %d, requested %d", e.UserID, e.Balance, e.Requested)
}

// IsInsufficientCredits checks if an error is an insufficient credits error
func IsInsufficientCredits(err error) bool {
	_, ok := err.(*InsufficientCreditsError)
	return ok
}

// FeatureNotCreditEligibleError is returned when a feature has no
// credit cost defined
type FeatureNotCreditEligibleError struct {
	Feature catalog.Feature
}

func (e *FeatureNotCreditEligibleError) Error() string {
	return fmt.Sprintf("feature %s is not credit eligible", e.Feature)
}

// IsFeatureNotCreditEligible checks if an error is a not-credit-eligible error
func IsFeatureNotCreditEligible(err error) bool {
	_, ok := err.(*FeatureNotCreditEligibleError)
	return ok
}

// ConflictError signals that a concurrent mutation for the same user
// aborted this one. Callers should retry the whole operation once.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent mutation conflict: %v", e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// IsConflict checks if an error is a concurrent mutation conflict
func IsConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
