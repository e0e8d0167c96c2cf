package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
	"github.com/edpsych/connect-billing/pkg/usage"
)

type mockSubs struct {
	activeForUserFunc func(ctx context.Context, userID string) (*subscriptions.Subscription, error)
	activeCalls       int
}

func (m *mockSubs) ActiveForUser(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
	m.activeCalls++
	if m.activeForUserFunc != nil {
		return m.activeForUserFunc(ctx, userID)
	}
	return nil, &subscriptions.NotFoundError{UserID: userID}
}

func (m *mockSubs) GetByProviderID(ctx context.Context, providerSubID string) (*subscriptions.Subscription, error) {
	return nil, &subscriptions.NotFoundError{ProviderSubscriptionID: providerSubID}
}

func (m *mockSubs) Create(ctx context.Context, sub *subscriptions.Subscription) (bool, error) {
	return false, nil
}

func (m *mockSubs) UpdateFromProvider(ctx context.Context, providerSubID string, update *subscriptions.ProviderUpdate) error {
	return nil
}

func (m *mockSubs) MarkCanceled(ctx context.Context, providerSubID string) error { return nil }

func (m *mockSubs) MarkPastDue(ctx context.Context, providerSubID string) error { return nil }

type mockTracker struct {
	recordFunc  func(ctx context.Context, userID string, feature catalog.Feature, quantity int64, cycleStart time.Time) (int64, error)
	checkFunc   func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error)
	recordCalls int
}

func (m *mockTracker) Record(ctx context.Context, userID string, feature catalog.Feature, quantity int64, cycleStart time.Time) (int64, error) {
	m.recordCalls++
	if m.recordFunc != nil {
		return m.recordFunc(ctx, userID, feature, quantity, cycleStart)
	}
	return quantity, nil
}

func (m *mockTracker) Check(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
	if m.checkFunc != nil {
		return m.checkFunc(ctx, userID, feature, cycleStart)
	}
	return 0, nil
}

type mockLedger struct {
	spendForFeatureFunc func(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error)
	spendCalls          int
}

func (m *mockLedger) GetBalance(ctx context.Context, userID string) (int64, error) { return 0, nil }

func (m *mockLedger) AddCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	return 0, nil
}

func (m *mockLedger) AddCreditsIdempotent(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) (int64, bool, error) {
	return 0, false, nil
}

func (m *mockLedger) DeductCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	return 0, nil
}

func (m *mockLedger) SpendForFeature(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error) {
	m.spendCalls++
	if m.spendForFeatureFunc != nil {
		return m.spendForFeatureFunc(ctx, userID, feature, quantity)
	}
	return &ledger.SpendResult{}, nil
}

func (m *mockLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	return nil, nil
}

func activeSubscription(tierID catalog.TierID) *subscriptions.Subscription {
	return &subscriptions.Subscription{
		ID:                 "sub-1",
		UserID:             "user-1",
		TierID:             tierID,
		Status:             subscriptions.StatusActive,
		CurrentPeriodStart: time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		CurrentPeriodEnd:   time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestGate(subs *mockSubs, tracker *mockTracker, credits *mockLedger) *Gate {
	return New(catalog.Default(), subs, tracker, credits, nil, nil)
}

func TestAuthorize(t *testing.T) {
	t.Run("unlimited feature admits and records", func(t *testing.T) {
		subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
			return activeSubscription(catalog.TierSchool), nil
		}}
		tracker := &mockTracker{}
		credits := &mockLedger{}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-1", catalog.FeatureAILessonPlans, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdmit, d.Outcome)
		assert.True(t, d.Admitted())
		assert.Equal(t, 1, tracker.recordCalls)
		assert.Equal(t, 0, credits.spendCalls)
	})

	t.Run("within allowance admits and records", func(t *testing.T) {
		subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
			return activeSubscription(catalog.TierEducator), nil
		}}
		tracker := &mockTracker{checkFunc: func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
			return 49, nil
		}}
		credits := &mockLedger{}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdmit, d.Outcome)
		assert.Equal(t, 1, tracker.recordCalls)
		assert.Equal(t, 0, credits.spendCalls)
	})

	t.Run("over allowance falls back to credits without recording usage", func(t *testing.T) {
		subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
			return activeSubscription(catalog.TierEducator), nil
		}}
		tracker := &mockTracker{checkFunc: func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
			return 50, nil
		}}
		credits := &mockLedger{spendForFeatureFunc: func(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error) {
			return &ledger.SpendResult{Spent: 1, NewBalance: 19}, nil
		}}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdmitViaCredits, d.Outcome)
		assert.Equal(t, int64(1), d.CreditsSpent)
		assert.Equal(t, int64(19), d.NewBalance)
		assert.Equal(t, 0, tracker.recordCalls)
	})

	t.Run("insufficient credits denies", func(t *testing.T) {
		subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
			return activeSubscription(catalog.TierEducator), nil
		}}
		tracker := &mockTracker{checkFunc: func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
			return 50, nil
		}}
		credits := &mockLedger{spendForFeatureFunc: func(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error) {
			return nil, &ledger.InsufficientCreditsError{UserID: userID, Balance: 0, Requested: 1}
		}}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeny, d.Outcome)
		assert.Equal(t, DenyInsufficientCredits, d.Reason)
		assert.False(t, d.Admitted())
		assert.Equal(t, 0, tracker.recordCalls)
	})

	t.Run("non-credit-eligible feature denies at the limit", func(t *testing.T) {
		subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
			return activeSubscription(catalog.TierEducator), nil
		}}
		tracker := &mockTracker{checkFunc: func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
			return 200, nil
		}}
		credits := &mockLedger{spendForFeatureFunc: func(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error) {
			return nil, &ledger.FeatureNotCreditEligibleError{Feature: feature}
		}}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-1", catalog.FeatureDocumentUploads, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeny, d.Outcome)
		assert.Equal(t, DenyLimitReached, d.Reason)
	})

	t.Run("no subscription authorizes as the free tier", func(t *testing.T) {
		subs := &mockSubs{}
		var gotCycle time.Time
		tracker := &mockTracker{checkFunc: func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
			gotCycle = cycleStart
			return 9, nil
		}}
		credits := &mockLedger{}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-2", catalog.FeatureAIRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdmit, d.Outcome)
		// Free-tier usage cycles on calendar months.
		assert.Equal(t, 1, gotCycle.Day())
		assert.Equal(t, time.UTC, gotCycle.Location())
	})

	t.Run("past_due subscription loses paid allowances", func(t *testing.T) {
		sub := activeSubscription(catalog.TierEducator)
		sub.Status = subscriptions.StatusPastDue
		subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
			return sub, nil
		}}
		// Over the free-tier limit of 10 but within educator's 50. The
		// request must be judged against the free tier.
		tracker := &mockTracker{checkFunc: func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
			return 10, nil
		}}
		credits := &mockLedger{spendForFeatureFunc: func(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error) {
			return nil, &ledger.InsufficientCreditsError{UserID: userID, Balance: 0, Requested: 1}
		}}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDeny, d.Outcome)
	})

	t.Run("retries once on concurrent mutation conflict", func(t *testing.T) {
		subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
			return activeSubscription(catalog.TierEducator), nil
		}}
		tracker := &mockTracker{checkFunc: func(ctx context.Context, userID string, feature catalog.Feature, cycleStart time.Time) (int64, error) {
			return 50, nil
		}}
		credits := &mockLedger{}
		credits.spendForFeatureFunc = func(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error) {
			if credits.spendCalls == 1 {
				return nil, &ledger.ConflictError{Err: context.DeadlineExceeded}
			}
			return &ledger.SpendResult{Spent: 1, NewBalance: 4}, nil
		}

		d, err := newTestGate(subs, tracker, credits).Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAdmitViaCredits, d.Outcome)
		assert.Equal(t, 2, credits.spendCalls)
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		_, err := newTestGate(&mockSubs{}, &mockTracker{}, &mockLedger{}).Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 0)
		assert.True(t, usage.IsInvalidQuantity(err))
	})
}

func TestTierCache(t *testing.T) {
	subs := &mockSubs{activeForUserFunc: func(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
		return activeSubscription(catalog.TierEducator), nil
	}}
	tracker := &mockTracker{}
	g := newTestGate(subs, tracker, &mockLedger{})

	_, err := g.Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
	require.NoError(t, err)
	_, err = g.Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, subs.activeCalls)

	g.InvalidateUser("user-1")
	_, err = g.Authorize(context.Background(), "user-1", catalog.FeatureAIRecommendations, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, subs.activeCalls)
}
