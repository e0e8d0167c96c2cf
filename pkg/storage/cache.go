package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
)

// Cache key TTLs. Balances change on every spend so they stay short;
// subscriptions only change on webhook events.
const (
	balanceTTL      = 30 * time.Second
	subscriptionTTL = 5 * time.Minute
)

// CacheMetrics counts cache effectiveness. May be nil.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// CachedLedger is a write-through Redis cache in front of a
// ledger.Service. Balance reads hit Redis first; every mutation
// refreshes the cached balance so reads never serve a stale value
// longer than the TTL.
type CachedLedger struct {
	inner   ledger.Service
	redis   *redis.Client
	metrics CacheMetrics
}

// NewCachedLedger wraps a ledger service with a Redis balance cache
func NewCachedLedger(inner ledger.Service, client *redis.Client, metrics CacheMetrics) *CachedLedger {
	return &CachedLedger{inner: inner, redis: client, metrics: metrics}
}

func balanceKey(userID string) string {
	return "billing:balance:" + userID
}

// GetBalance reads the cached balance, falling back to the database
func (c *CachedLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	cached, err := c.redis.Get(ctx, balanceKey(userID)).Result()
	if err == nil {
		if balance, parseErr := strconv.ParseInt(cached, 10, 64); parseErr == nil {
			c.hit("balance")
			return balance, nil
		}
	}
	c.miss("balance")

	balance, err := c.inner.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	c.storeBalance(ctx, userID, balance)
	return balance, nil
}

// AddCredits delegates and refreshes the cached balance
func (c *CachedLedger) AddCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	newBalance, err := c.inner.AddCredits(ctx, userID, amount, reason)
	if err != nil {
		return 0, err
	}
	c.storeBalance(ctx, userID, newBalance)
	return newBalance, nil
}

// AddCreditsIdempotent delegates and refreshes the cached balance
func (c *CachedLedger) AddCreditsIdempotent(ctx context.Context, userID string, amount int64, reason, idempotencyKey string) (int64, bool, error) {
	newBalance, applied, err := c.inner.AddCreditsIdempotent(ctx, userID, amount, reason, idempotencyKey)
	if err != nil {
		return 0, false, err
	}
	c.storeBalance(ctx, userID, newBalance)
	return newBalance, applied, nil
}

// DeductCredits delegates and refreshes the cached balance
func (c *CachedLedger) DeductCredits(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	newBalance, err := c.inner.DeductCredits(ctx, userID, amount, reason)
	if err != nil {
		return 0, err
	}
	c.storeBalance(ctx, userID, newBalance)
	return newBalance, nil
}

// SpendForFeature delegates and refreshes the cached balance
func (c *CachedLedger) SpendForFeature(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*ledger.SpendResult, error) {
	result, err := c.inner.SpendForFeature(ctx, userID, feature, quantity)
	if err != nil {
		return nil, err
	}
	c.storeBalance(ctx, userID, result.NewBalance)
	return result, nil
}

// ListTransactions is a passthrough; the transaction log is not cached
func (c *CachedLedger) ListTransactions(ctx context.Context, userID string, limit int) ([]*ledger.Transaction, error) {
	return c.inner.ListTransactions(ctx, userID, limit)
}

func (c *CachedLedger) storeBalance(ctx context.Context, userID string, balance int64) {
	// Cache write failures are not fatal; the next read falls through.
	c.redis.Set(ctx, balanceKey(userID), strconv.FormatInt(balance, 10), balanceTTL)
}

func (c *CachedLedger) hit(cacheType string) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(cacheType)
	}
}

func (c *CachedLedger) miss(cacheType string) {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(cacheType)
	}
}

// CachedSubscriptions is a read-through Redis cache in front of a
// subscriptions.Store. Only the per-user active lookup is cached; every
// provider-driven mutation invalidates the owning user's entry.
type CachedSubscriptions struct {
	inner   subscriptions.Store
	redis   *redis.Client
	metrics CacheMetrics
}

// NewCachedSubscriptions wraps a subscription store with a Redis cache
func NewCachedSubscriptions(inner subscriptions.Store, client *redis.Client, metrics CacheMetrics) *CachedSubscriptions {
	return &CachedSubscriptions{inner: inner, redis: client, metrics: metrics}
}

func subscriptionKey(userID string) string {
	return "billing:subscription:" + userID
}

// ActiveForUser reads the cached subscription, falling back to the
// database. Negative results are not cached.
func (c *CachedSubscriptions) ActiveForUser(ctx context.Context, userID string) (*subscriptions.Subscription, error) {
	cached, err := c.redis.Get(ctx, subscriptionKey(userID)).Result()
	if err == nil {
		var sub subscriptions.Subscription
		if unmarshalErr := json.Unmarshal([]byte(cached), &sub); unmarshalErr == nil {
			c.hit()
			return &sub, nil
		}
	}
	c.miss()

	sub, err := c.inner.ActiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, marshalErr := json.Marshal(sub); marshalErr == nil {
		c.redis.Set(ctx, subscriptionKey(userID), data, subscriptionTTL)
	}
	return sub, nil
}

// GetByProviderID is a passthrough
func (c *CachedSubscriptions) GetByProviderID(ctx context.Context, providerSubID string) (*subscriptions.Subscription, error) {
	return c.inner.GetByProviderID(ctx, providerSubID)
}

// Create delegates and invalidates the user's cached subscription
func (c *CachedSubscriptions) Create(ctx context.Context, sub *subscriptions.Subscription) (bool, error) {
	created, err := c.inner.Create(ctx, sub)
	if err != nil {
		return false, err
	}
	if created {
		c.redis.Del(ctx, subscriptionKey(sub.UserID))
	}
	return created, nil
}

// UpdateFromProvider delegates and invalidates the owning user's entry
func (c *CachedSubscriptions) UpdateFromProvider(ctx context.Context, providerSubID string, update *subscriptions.ProviderUpdate) error {
	if err := c.inner.UpdateFromProvider(ctx, providerSubID, update); err != nil {
		return err
	}
	c.invalidateByProvider(ctx, providerSubID)
	return nil
}

// MarkCanceled delegates and invalidates the owning user's entry
func (c *CachedSubscriptions) MarkCanceled(ctx context.Context, providerSubID string) error {
	if err := c.inner.MarkCanceled(ctx, providerSubID); err != nil {
		return err
	}
	c.invalidateByProvider(ctx, providerSubID)
	return nil
}

// MarkPastDue delegates and invalidates the owning user's entry
func (c *CachedSubscriptions) MarkPastDue(ctx context.Context, providerSubID string) error {
	if err := c.inner.MarkPastDue(ctx, providerSubID); err != nil {
		return err
	}
	c.invalidateByProvider(ctx, providerSubID)
	return nil
}

func (c *CachedSubscriptions) invalidateByProvider(ctx context.Context, providerSubID string) {
	sub, err := c.inner.GetByProviderID(ctx, providerSubID)
	if err != nil {
		return
	}
	c.redis.Del(ctx, subscriptionKey(sub.UserID))
}

func (c *CachedSubscriptions) hit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit("subscription")
	}
}

func (c *CachedSubscriptions) miss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss("subscription")
	}
}
