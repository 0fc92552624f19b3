package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/models"
)

// BalanceCache stores aggregates keyed by tenant and subject. A nil client
// disables caching.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func (c *BalanceCache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// Get returns the cached aggregate, or nil on a miss or cache failure.
func (c *BalanceCache) Get(ctx context.Context, tenantID, subjectID string) *models.Aggregate {
	if !c.enabled() {
		return nil
	}
	raw, err := c.client.Get(ctx, database.BalanceKey(tenantID, subjectID)).Bytes()
	if err != nil {
		return nil
	}
	var agg models.Aggregate
	if err := json.Unmarshal(raw, &agg); err != nil {
		return nil
	}
	if agg.TenantID != tenantID || agg.SubjectID != subjectID {
		return nil
	}
	return &agg
}

func (c *BalanceCache) Set(ctx context.Context, agg models.Aggregate) error {
	if !c.enabled() {
		return nil
	}
	raw, err := json.Marshal(agg)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, database.BalanceKey(agg.TenantID, agg.SubjectID), raw, c.ttl).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, tenantID, subjectID string) error {
	if !c.enabled() {
		return nil
	}
	return c.client.Del(ctx, database.BalanceKey(tenantID, subjectID)).Err()
}
