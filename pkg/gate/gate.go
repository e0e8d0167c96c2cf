// Package gate is the fair-usage admission check in front of metered
// features. It resolves the caller's tier, compares current-cycle usage
// against the tier allowance, and falls back to the credit ledger when
// the allowance is exhausted. A request is never double-charged: it is
// covered either by the allowance or by credits, and a denied request
// touches neither.
package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/observability"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
	"github.com/edpsych/connect-billing/pkg/usage"
)

// Outcome is the result category of an authorization check
type Outcome string

const (
	OutcomeAdmit           Outcome = "admit"
	OutcomeAdmitViaCredits Outcome = "admit_via_credits"
	OutcomeDeny            Outcome = "deny"
)

// Denial reasons surfaced to callers.
const (
	DenyLimitReached        = "limit_reached"
	DenyInsufficientCredits = "limit_reached_insufficient_credits"
)

// Decision is the outcome of an authorization check
type Decision struct {
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason,omitempty"`
	CreditsSpent int64   `json:"credits_spent,omitempty"`
	NewBalance   int64   `json:"new_balance,omitempty"`
}

// Admitted reports whether the request may proceed
func (d *Decision) Admitted() bool {
	return d.Outcome != OutcomeDeny
}

// DecisionRecorder counts authorization outcomes for telemetry
type DecisionRecorder interface {
	RecordGateDecision(feature, outcome string)
}

// tierResolution is the cached answer to "which tier and billing cycle
// does this user authorize against right now"
type tierResolution struct {
	tierID     catalog.TierID
	cycleStart time.Time
}

const (
	tierCacheSize = 4096
	tierCacheTTL  = 30 * time.Second
)

// Gate authorizes metered feature invocations
type Gate struct {
	catalogue *catalog.Catalogue
	subs      subscriptions.Store
	tracker   usage.Tracker
	credits   ledger.Service
	tierCache *expirable.LRU[string, tierResolution]
	metrics   DecisionRecorder
	logger    *observability.Logger
	now       func() time.Time
}

// New creates a gate. metrics may be nil.
func New(catalogue *catalog.Catalogue, subs subscriptions.Store, tracker usage.Tracker, credits ledger.Service, metrics DecisionRecorder, logger *observability.Logger) *Gate {
	return &Gate{
		catalogue: catalogue,
		subs:      subs,
		tracker:   tracker,
		credits:   credits,
		tierCache: expirable.NewLRU[string, tierResolution](tierCacheSize, nil, tierCacheTTL),
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Authorize decides whether userID may invoke feature quantity times.
// Within-allowance admissions increment the usage counter; admissions
// paid with credits do not, so the allowance stays spendable later in
// the cycle.
func (g *Gate) Authorize(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*Decision, error) {
	if quantity <= 0 {
		return nil, &usage.InvalidQuantityError{Quantity: quantity}
	}

	res, err := g.resolveTier(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit, unlimited, err := g.catalogue.Limit(res.tierID, feature)
	if err != nil {
		return nil, err
	}

	if unlimited {
		if _, err := g.tracker.Record(ctx, userID, feature, quantity, res.cycleStart); err != nil {
			return nil, fmt.Errorf("failed to record usage: %w", err)
		}
		return g.observe(feature, &Decision{Outcome: OutcomeAdmit}), nil
	}

	count, err := g.tracker.Check(ctx, userID, feature, res.cycleStart)
	if err != nil {
		return nil, fmt.Errorf("failed to check usage: %w", err)
	}

	if count+quantity <= int64(limit) {
		if _, err := g.tracker.Record(ctx, userID, feature, quantity, res.cycleStart); err != nil {
			return nil, fmt.Errorf("failed to record usage: %w", err)
		}
		return g.observe(feature, &Decision{Outcome: OutcomeAdmit}), nil
	}

	decision, err := g.spendCredits(ctx, userID, feature, quantity)
	if err != nil {
		return nil, err
	}
	return g.observe(feature, decision), nil
}

// spendCredits covers an over-allowance request from the credit ledger.
// Concurrent-mutation conflicts are retried once before giving up.
func (g *Gate) spendCredits(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*Decision, error) {
	result, err := g.credits.SpendForFeature(ctx, userID, feature, quantity)
	if ledger.IsConflict(err) {
		result, err = g.credits.SpendForFeature(ctx, userID, feature, quantity)
	}

	switch {
	case err == nil:
		return &Decision{
			Outcome:      OutcomeAdmitViaCredits,
			CreditsSpent: result.Spent,
			NewBalance:   result.NewBalance,
		}, nil
	case ledger.IsInsufficientCredits(err):
		return &Decision{Outcome: OutcomeDeny, Reason: DenyInsufficientCredits}, nil
	case ledger.IsFeatureNotCreditEligible(err):
		return &Decision{Outcome: OutcomeDeny, Reason: DenyLimitReached}, nil
	default:
		return nil, fmt.Errorf("failed to spend credits: %w", err)
	}
}

// resolveTier maps a user to the tier and cycle start they authorize
// against. Users without an active subscription authorize as the
// fallback tier on a calendar-month cycle.
func (g *Gate) resolveTier(ctx context.Context, userID string) (tierResolution, error) {
	if res, ok := g.tierCache.Get(userID); ok {
		return res, nil
	}

	res := tierResolution{tierID: catalog.FallbackTier, cycleStart: monthStart(g.now())}

	sub, err := g.subs.ActiveForUser(ctx, userID)
	switch {
	case err == nil && sub.Status == subscriptions.StatusActive:
		res = tierResolution{tierID: sub.TierID, cycleStart: sub.CurrentPeriodStart}
	case err == nil:
		// past_due keeps the row but loses the paid allowances
	case subscriptions.IsNotFound(err):
	default:
		return tierResolution{}, fmt.Errorf("failed to resolve subscription: %w", err)
	}

	g.tierCache.Add(userID, res)
	return res, nil
}

// UsageStatus reports a user's standing for one feature in the
// current cycle
type UsageStatus struct {
	UserID     string          `json:"user_id"`
	Feature    catalog.Feature `json:"feature"`
	TierID     catalog.TierID  `json:"tier_id"`
	CycleStart time.Time       `json:"cycle_start"`
	Count      int64           `json:"count"`
	Limit      int64           `json:"limit"`
	Unlimited  bool            `json:"unlimited"`
	Remaining  int64           `json:"remaining"`
}

// Inspect reports current usage against the allowance without
// recording anything.
func (g *Gate) Inspect(ctx context.Context, userID string, feature catalog.Feature) (*UsageStatus, error) {
	res, err := g.resolveTier(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit, unlimited, err := g.catalogue.Limit(res.tierID, feature)
	if err != nil {
		return nil, err
	}

	count, err := g.tracker.Check(ctx, userID, feature, res.cycleStart)
	if err != nil {
		return nil, fmt.Errorf("failed to check usage: %w", err)
	}

	status := &UsageStatus{
		UserID:     userID,
		Feature:    feature,
		TierID:     res.tierID,
		CycleStart: res.cycleStart,
		Count:      count,
		Limit:      int64(limit),
		Unlimited:  unlimited,
	}
	if !unlimited {
		if remaining := int64(limit) - count; remaining > 0 {
			status.Remaining = remaining
		}
	}
	return status, nil
}

// InvalidateUser drops the cached tier resolution for a user. Called
// after subscription changes so the next check sees the new tier.
func (g *Gate) InvalidateUser(userID string) {
	g.tierCache.Remove(userID)
}

func (g *Gate) observe(feature catalog.Feature, d *Decision) *Decision {
	if g.metrics != nil {
		outcome := string(d.Outcome)
		if d.Outcome == OutcomeDeny {
			outcome = d.Reason
		}
		g.metrics.RecordGateDecision(string(feature), outcome)
	}
	if g.logger != nil && d.Outcome == OutcomeDeny {
		g.logger.WithFields(map[string]interface{}{
			"feature": string(feature),
			"reason":  d.Reason,
		}).Debug("usage denied")
	}
	return d
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
