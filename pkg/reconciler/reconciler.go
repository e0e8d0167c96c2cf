package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/observability"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
)

// EventMetrics counts webhook event outcomes for telemetry
type EventMetrics interface {
	RecordWebhookEvent(eventType, result string)
}

// TierInvalidator drops cached tier resolutions after subscription
// changes. *gate.Gate satisfies it.
type TierInvalidator interface {
	InvalidateUser(userID string)
}

// Reconciler applies provider webhook events to local billing state
type Reconciler struct {
	subs        subscriptions.Store
	credits     ledger.Service
	records     RecordStore
	events      EventStore
	retry       *RetryPolicy
	invalidator TierInvalidator
	metrics     EventMetrics
	logger      *observability.Logger
}

// New creates a reconciler. invalidator and metrics may be nil.
func New(subs subscriptions.Store, credits ledger.Service, records RecordStore, events EventStore, retry *RetryPolicy, invalidator TierInvalidator, metrics EventMetrics, logger *observability.Logger) *Reconciler {
	if retry == nil {
		retry = NewRetryPolicy(DefaultRetryConfig())
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, os.Stdout)
	}
	return &Reconciler{
		subs:        subs,
		credits:     credits,
		records:     records,
		events:      events,
		retry:       retry,
		invalidator: invalidator,
		metrics:     metrics,
		logger:      logger,
	}
}

// HandleEvent parses and processes one webhook delivery. The event is
// claimed in the dedupe table before any handler runs; a duplicate
// delivery returns nil immediately so the provider gets its 200.
// Handler failures are recorded on the claimed row for later replay
// and returned, so the provider retries too.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte) error {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return &MalformedEventError{Reason: err.Error()}
	}
	if event.ID == "" || event.Type == "" {
		return &MalformedEventError{Reason: "missing event id or type"}
	}

	claimed, err := r.events.Claim(ctx, event.ID, event.Type, payload)
	if err != nil {
		return err
	}
	if !claimed {
		r.logger.WithField("event_id", event.ID).Debug("duplicate webhook event ignored")
		r.observe(event.Type, "duplicate")
		return nil
	}

	if err := r.dispatch(ctx, &event); err != nil {
		r.recordFailure(ctx, event.ID, err)
		r.observe(event.Type, "failed")
		return fmt.Errorf("failed to process event %s: %w", event.ID, err)
	}

	r.observe(event.Type, "processed")
	return r.events.MarkProcessed(ctx, event.ID)
}

// ReplayDue reprocesses failed events whose retry time has passed.
// Returns the number of events that succeeded on replay.
func (r *Reconciler) ReplayDue(ctx context.Context, limit int) (int, error) {
	due, err := r.events.DueForRetry(ctx, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, stored := range due {
		var event Event
		if err := json.Unmarshal(stored.Payload, &event); err != nil {
			// Cannot ever succeed; stop retrying.
			r.logger.WithField("event_id", stored.EventID).WithError(err).Error("stored webhook payload unparseable")
			if err := r.events.MarkExhausted(ctx, stored.EventID); err != nil {
				return recovered, err
			}
			continue
		}

		if err := r.dispatch(ctx, &event); err != nil {
			r.recordFailure(ctx, event.ID, err)
			continue
		}
		if err := r.events.MarkProcessed(ctx, event.ID); err != nil {
			return recovered, err
		}
		r.observe(event.Type, "replayed")
		recovered++
	}
	return recovered, nil
}

func (r *Reconciler) dispatch(ctx context.Context, event *Event) error {
	switch event.Type {
	case EventCheckoutCompleted:
		return r.handleCheckoutCompleted(ctx, event)
	case EventSubscriptionUpdated:
		return r.handleSubscriptionUpdated(ctx, event)
	case EventSubscriptionDeleted:
		return r.handleSubscriptionDeleted(ctx, event)
	case EventInvoicePaid:
		return r.handleInvoicePaid(ctx, event)
	case EventInvoiceFailed:
		return r.handleInvoiceFailed(ctx, event)
	default:
		r.logger.WithField("event_type", event.Type).Debug("ignoring unknown webhook event type")
		return nil
	}
}

func (r *Reconciler) handleCheckoutCompleted(ctx context.Context, event *Event) error {
	var session CheckoutSession
	if err := json.Unmarshal(event.Data, &session); err != nil {
		return &MalformedEventError{Reason: err.Error()}
	}
	if session.ClientReferenceID == "" {
		return &MalformedEventError{Reason: "checkout session has no client reference"}
	}

	switch session.Mode {
	case "subscription":
		return r.createSubscription(ctx, &session)
	case "payment":
		return r.topUpCredits(ctx, &session)
	default:
		return &MalformedEventError{Reason: fmt.Sprintf("unknown checkout mode %q", session.Mode)}
	}
}

func (r *Reconciler) createSubscription(ctx context.Context, session *CheckoutSession) error {
	if session.Subscription == "" {
		return &MalformedEventError{Reason: "subscription checkout has no subscription id"}
	}
	tierID := catalog.TierID(session.Metadata[MetadataTierID])
	if tierID == "" {
		return &MalformedEventError{Reason: "subscription checkout has no tier"}
	}

	created, err := r.subs.Create(ctx, &subscriptions.Subscription{
		UserID:                 session.ClientReferenceID,
		TierID:                 tierID,
		Status:                 subscriptions.StatusActive,
		CurrentPeriodStart:     time.Unix(session.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:       time.Unix(session.CurrentPeriodEnd, 0).UTC(),
		ProviderSubscriptionID: session.Subscription,
	})
	if err != nil {
		return err
	}
	if !created {
		r.logger.WithField("provider_subscription_id", session.Subscription).Debug("subscription already exists")
		return nil
	}

	r.invalidate(session.ClientReferenceID)
	r.logger.WithFields(map[string]interface{}{
		"user_id": session.ClientReferenceID,
		"tier_id": string(tierID),
	}).Info("subscription created from checkout")
	return nil
}

// topUpCredits applies a one-off credit purchase. The payment intent
// ID keys the ledger's idempotency check, so a replayed checkout event
// cannot grant the credits twice.
func (r *Reconciler) topUpCredits(ctx context.Context, session *CheckoutSession) error {
	if session.PaymentIntent == "" {
		return &MalformedEventError{Reason: "payment checkout has no payment intent"}
	}
	credits, err := strconv.ParseInt(session.Metadata[MetadataCredits], 10, 64)
	if err != nil || credits <= 0 {
		return &MalformedEventError{Reason: "payment checkout has no valid credit amount"}
	}

	newBalance, applied, err := r.credits.AddCreditsIdempotent(ctx, session.ClientReferenceID,
		credits, "credit_purchase", "pi:"+session.PaymentIntent)
	if err != nil {
		return err
	}
	if !applied {
		r.logger.WithField("payment_intent", session.PaymentIntent).Debug("credit purchase already applied")
		return nil
	}

	r.logger.WithFields(map[string]interface{}{
		"user_id":     session.ClientReferenceID,
		"credits":     credits,
		"new_balance": newBalance,
	}).Info("credits purchased")
	return nil
}

func (r *Reconciler) handleSubscriptionUpdated(ctx context.Context, event *Event) error {
	var sub ProviderSubscription
	if err := json.Unmarshal(event.Data, &sub); err != nil {
		return &MalformedEventError{Reason: err.Error()}
	}
	if sub.ID == "" {
		return &MalformedEventError{Reason: "subscription event has no id"}
	}

	update := &subscriptions.ProviderUpdate{
		CancelAtPeriodEnd: &sub.CancelAtPeriodEnd,
	}
	if tierID := catalog.TierID(sub.Metadata[MetadataTierID]); tierID != "" {
		update.TierID = &tierID
	}
	if status, ok := mapProviderStatus(sub.Status); ok {
		update.Status = &status
	}
	if sub.CurrentPeriodStart > 0 {
		start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		update.CurrentPeriodStart = &start
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		update.CurrentPeriodEnd = &end
	}

	err := r.subs.UpdateFromProvider(ctx, sub.ID, update)
	if subscriptions.IsNotFound(err) {
		r.logger.WithField("provider_subscription_id", sub.ID).Warn("update for unknown subscription")
		return nil
	}
	if err != nil {
		return err
	}

	r.invalidateBySubscription(ctx, sub.ID)
	return nil
}

func (r *Reconciler) handleSubscriptionDeleted(ctx context.Context, event *Event) error {
	var sub ProviderSubscription
	if err := json.Unmarshal(event.Data, &sub); err != nil {
		return &MalformedEventError{Reason: err.Error()}
	}
	if sub.ID == "" {
		return &MalformedEventError{Reason: "subscription event has no id"}
	}

	// Invalidate before the terminal transition so the lookup still
	// resolves a user.
	r.invalidateBySubscription(ctx, sub.ID)

	err := r.subs.MarkCanceled(ctx, sub.ID)
	if subscriptions.IsNotFound(err) {
		r.logger.WithField("provider_subscription_id", sub.ID).Warn("delete for unknown subscription")
		return nil
	}
	return err
}

func (r *Reconciler) handleInvoicePaid(ctx context.Context, event *Event) error {
	var invoice Invoice
	if err := json.Unmarshal(event.Data, &invoice); err != nil {
		return &MalformedEventError{Reason: err.Error()}
	}
	if invoice.ID == "" {
		return &MalformedEventError{Reason: "invoice event has no id"}
	}

	userID := r.resolveInvoiceUser(ctx, &invoice)
	if err := r.records.Append(ctx, &BillingRecord{
		UserID:                 userID,
		ProviderInvoiceID:      invoice.ID,
		ProviderSubscriptionID: invoice.Subscription,
		AmountCents:            invoice.AmountCents,
		Currency:               invoice.Currency,
		Status:                 RecordStatusPaid,
	}); err != nil {
		return err
	}

	// A successful payment clears past_due.
	if invoice.Subscription != "" {
		status := subscriptions.StatusActive
		err := r.subs.UpdateFromProvider(ctx, invoice.Subscription, &subscriptions.ProviderUpdate{Status: &status})
		if err != nil && !subscriptions.IsNotFound(err) {
			return err
		}
		r.invalidate(userID)
	}
	return nil
}

func (r *Reconciler) handleInvoiceFailed(ctx context.Context, event *Event) error {
	var invoice Invoice
	if err := json.Unmarshal(event.Data, &invoice); err != nil {
		return &MalformedEventError{Reason: err.Error()}
	}
	if invoice.ID == "" {
		return &MalformedEventError{Reason: "invoice event has no id"}
	}

	userID := r.resolveInvoiceUser(ctx, &invoice)
	if err := r.records.Append(ctx, &BillingRecord{
		UserID:                 userID,
		ProviderInvoiceID:      invoice.ID,
		ProviderSubscriptionID: invoice.Subscription,
		AmountCents:            invoice.AmountCents,
		Currency:               invoice.Currency,
		Status:                 RecordStatusFailed,
	}); err != nil {
		return err
	}

	// The provider keeps retrying collection while next_payment_attempt
	// is set. Only when it gives up does the subscription lapse.
	if invoice.NextPaymentAttempt == nil && invoice.Subscription != "" {
		err := r.subs.MarkPastDue(ctx, invoice.Subscription)
		if subscriptions.IsNotFound(err) {
			r.logger.WithField("provider_subscription_id", invoice.Subscription).Warn("payment failure for unknown subscription")
			return nil
		}
		if err != nil {
			return err
		}
		r.invalidate(userID)
		r.logger.WithFields(map[string]interface{}{
			"user_id":                  userID,
			"provider_subscription_id": invoice.Subscription,
		}).Warn("subscription marked past due")
	}
	return nil
}

func (r *Reconciler) resolveInvoiceUser(ctx context.Context, invoice *Invoice) string {
	if invoice.Subscription == "" {
		return ""
	}
	sub, err := r.subs.GetByProviderID(ctx, invoice.Subscription)
	if err != nil {
		return ""
	}
	return sub.UserID
}

func (r *Reconciler) recordFailure(ctx context.Context, eventID string, cause error) {
	attempts, err := r.events.RecordFailure(ctx, eventID, cause.Error())
	if err != nil {
		r.logger.WithField("event_id", eventID).WithError(err).Error("failed to record webhook failure")
		return
	}

	if !r.retry.ShouldRetry(attempts) {
		r.logger.WithFields(map[string]interface{}{
			"event_id": eventID,
			"attempts": attempts,
		}).Error("webhook event exhausted retry attempts")
		if err := r.events.MarkExhausted(ctx, eventID); err != nil {
			r.logger.WithField("event_id", eventID).WithError(err).Error("failed to mark event exhausted")
		}
		return
	}

	if err := r.events.ScheduleRetry(ctx, eventID, r.retry.NextRetryTime(attempts)); err != nil {
		r.logger.WithField("event_id", eventID).WithError(err).Error("failed to schedule event retry")
	}
}

func (r *Reconciler) invalidateBySubscription(ctx context.Context, providerSubID string) {
	if r.invalidator == nil {
		return
	}
	sub, err := r.subs.GetByProviderID(ctx, providerSubID)
	if err != nil {
		return
	}
	r.invalidator.InvalidateUser(sub.UserID)
}

func (r *Reconciler) invalidate(userID string) {
	if r.invalidator != nil && userID != "" {
		r.invalidator.InvalidateUser(userID)
	}
}

func (r *Reconciler) observe(eventType, result string) {
	if r.metrics != nil {
		r.metrics.RecordWebhookEvent(eventType, result)
	}
}

func mapProviderStatus(s string) (subscriptions.Status, bool) {
	switch s {
	case "active", "trialing":
		return subscriptions.StatusActive, true
	case "past_due", "unpaid":
		return subscriptions.StatusPastDue, true
	case "canceled":
		return subscriptions.StatusCanceled, true
	default:
		return "", false
	}
}
