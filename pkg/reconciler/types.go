// Package reconciler consumes billing-provider webhook events and
// reconciles them into local state: subscriptions, credit top-ups and
// billing records. Delivery is at-least-once, so every event is claimed
// in a durable dedupe table before any side effect runs; replays of an
// already-claimed event are acknowledged without reprocessing.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event is the provider webhook envelope
type Event struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event types the reconciler acts on. Anything else is acknowledged
// and ignored.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
)

// CheckoutSession is the data payload of checkout.session.completed.
// mode distinguishes a new subscription from a one-off credit purchase.
type CheckoutSession struct {
	Mode               string            `json:"mode"`
	ClientReferenceID  string            `json:"client_reference_id"`
	Subscription       string            `json:"subscription"`
	PaymentIntent      string            `json:"payment_intent"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// ProviderSubscription is the data payload of the
// customer.subscription.* events
type ProviderSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// Invoice is the data payload of the invoice.payment_* events. A
// failed invoice with no next_payment_attempt means the provider has
// given up collecting.
type Invoice struct {
	ID                 string `json:"id"`
	Subscription       string `json:"subscription"`
	AmountCents        int64  `json:"amount_cents"`
	Currency           string `json:"currency"`
	NextPaymentAttempt *int64 `json:"next_payment_attempt"`
}

// Metadata keys the provider checkout flow sets on sessions and
// subscriptions.
const (
	MetadataTierID  = "tier_id"
	MetadataCredits = "credits"
	MetadataUserID  = "user_id"
)

// MalformedEventError is returned for payloads that cannot be parsed
// into an event envelope. The HTTP layer maps it to a 400 so the
// provider does not retry garbage forever.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed webhook event: %s", e.Reason)
}

// IsMalformedEvent checks if an error is a malformed event error
func IsMalformedEvent(err error) bool {
	_, ok := err.(*MalformedEventError)
	return ok
}

// StoredEvent is a dedupe-table row eligible for replay
type StoredEvent struct {
	EventID   string
	EventType string
	Payload   []byte
	Attempts  int
}

// EventStore is the durable webhook dedupe and retry log
type EventStore interface {
	// Claim records the event as being processed. claimed is false when
	// the event ID was already seen.
	Claim(ctx context.Context, eventID, eventType string, payload []byte) (claimed bool, err error)
	// MarkProcessed finalizes a successfully handled event.
	MarkProcessed(ctx context.Context, eventID string) error
	// RecordFailure increments the attempt count and stores the error
	// text, returning the new count.
	RecordFailure(ctx context.Context, eventID, errMsg string) (attempts int, err error)
	// ScheduleRetry sets the next replay time for a failed event.
	ScheduleRetry(ctx context.Context, eventID string, at time.Time) error
	// MarkExhausted flags an event that has run out of retry attempts.
	// Exhausted rows stay in the table as visible reconciliation
	// failures.
	MarkExhausted(ctx context.Context, eventID string) error
	// DueForRetry returns failed events whose retry time has passed.
	DueForRetry(ctx context.Context, limit int) ([]*StoredEvent, error)
}
