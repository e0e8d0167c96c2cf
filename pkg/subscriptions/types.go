// Package subscriptions stores billing subscriptions and enforces the
// status state machine: active and past_due may move between each
// other, canceled is terminal. Resubscription creates a new row rather
// than reviving a canceled one.
package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/edpsych/connect-billing/pkg/catalog"
)

// Status represents the status of a subscription
type Status string

const (
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription represents a billing subscription
type Subscription struct {
	ID                     string         `json:"id"`
	UserID                 string         `json:"user_id"`
	TierID                 catalog.TierID `json:"tier_id"`
	Status                 Status         `json:"status"`
	CurrentPeriodStart     time.Time      `json:"current_period_start"`
	CurrentPeriodEnd       time.Time      `json:"current_period_end"`
	CancelAtPeriodEnd      bool           `json:"cancel_at_period_end"`
	ProviderSubscriptionID string         `json:"provider_subscription_id"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// ProviderUpdate carries the subscription fields a provider event may change
type ProviderUpdate struct {
	TierID             *catalog.TierID
	Status             *Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  *bool
}

// NotFoundError is returned when no subscription matches. Webhook
// handlers treat it as soft: logged, not propagated as a failure.
type NotFoundError struct {
	ProviderSubscriptionID string
	UserID                 string
}

func (e *NotFoundError) Error() string {
	if e.ProviderSubscriptionID != "" {
		return fmt.Sprintf("subscription not found: %s", e.ProviderSubscriptionID)
	}
	return fmt.Sprintf("no subscription for user: %s", e.UserID)
}

// IsNotFound checks if an error is a subscription not found error
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// Store defines the interface for subscription persistence
type Store interface {
	// ActiveForUser returns the user's most recent non-canceled
	// subscription.
	ActiveForUser(ctx context.Context, userID string) (*Subscription, error)
	// GetByProviderID returns the subscription with the given provider
	// subscription ID.
	GetByProviderID(ctx context.Context, providerSubID string) (*Subscription, error)
	// Create inserts a subscription unless one with the same provider
	// subscription ID already exists. created is false on the duplicate.
	Create(ctx context.Context, sub *Subscription) (created bool, err error)
	// UpdateFromProvider applies provider-reported fields. Canceled
	// subscriptions are never modified: a late out-of-order update after
	// a delete must not resurrect them.
	UpdateFromProvider(ctx context.Context, providerSubID string, update *ProviderUpdate) error
	// MarkCanceled transitions a subscription to the terminal canceled
	// state. Safe to repeat.
	MarkCanceled(ctx context.Context, providerSubID string) error
	// MarkPastDue transitions an active subscription to past_due. A
	// no-op when the subscription is already past_due or canceled.
	MarkPastDue(ctx context.Context, providerSubID string) error
}
