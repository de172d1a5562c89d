// Package cache provides a Redis read-through for the tier catalog. Tier
// definitions change rarely but are read on every request path, so a short
// TTL cache in front of the store removes most catalog queries.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"tiercore.io/internal/loyalty"
	"tiercore.io/internal/obs"
)

// TierLister is the slice of the store the cache fronts.
type TierLister interface {
	Tiers(ctx context.Context, tenantID string) ([]loyalty.Tier, error)
}

// TierCatalog serves per-tenant tier lists from Redis, falling back to the
// store on miss or Redis failure. Cache errors never fail a request.
type TierCatalog struct {
	client *redis.Client
	next   TierLister
	ttl    time.Duration
}

func NewTierCatalog(client *redis.Client, next TierLister, ttl time.Duration) *TierCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &TierCatalog{client: client, next: next, ttl: ttl}
}

func catalogKey(tenantID string) string { return "tiers:" + tenantID }

func (c *TierCatalog) Tiers(ctx context.Context, tenantID string) ([]loyalty.Tier, error) {
	raw, err := c.client.Get(ctx, catalogKey(tenantID)).Bytes()
	if err == nil {
		var tiers []loyalty.Tier
		if err := json.Unmarshal(raw, &tiers); err == nil {
			return tiers, nil
		}
		// corrupt entry, fall through and overwrite
	} else if !errors.Is(err, redis.Nil) {
		obs.Warn("tier cache read failed", map[string]any{"tenant": tenantID, "err": err.Error()})
	}

	tiers, err := c.next.Tiers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(tiers); err == nil {
		if err := c.client.Set(ctx, catalogKey(tenantID), raw, c.ttl).Err(); err != nil {
			obs.Warn("tier cache write failed", map[string]any{"tenant": tenantID, "err": err.Error()})
		}
	}
	return tiers, nil
}
