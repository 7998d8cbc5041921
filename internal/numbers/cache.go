package numbers

import (
	"context"
	"time"

	"callcenter-platform/internal/calls"

	goredis "github.com/redis/go-redis/v9"
)

// Number ownership changes rarely (numbers are bought/released, not reassigned
// per call), so a short redis cache in front of Postgres keeps the webhook hot
// path off the database.
//
// Key pattern: number_ws:{digits} -> workspace_id, 5m TTL.

const cacheKeyPrefix = "number_ws:"

type CachedInventory struct {
	inner  Inventory
	client *goredis.Client
	ttl    time.Duration
}

func NewCachedInventory(inner Inventory, client *goredis.Client, ttl time.Duration) *CachedInventory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedInventory{inner: inner, client: client, ttl: ttl}
}

func (c *CachedInventory) WorkspaceForNumber(ctx context.Context, number string) (string, bool, error) {
	key := cacheKeyPrefix + calls.NormalizeNumber(number)
	if v, err := c.client.Get(ctx, key).Result(); err == nil && v != "" {
		return v, true, nil
	} else if err != nil && err != goredis.Nil {
		// Cache failures must not break webhook ingestion; fall through to the
		// authoritative source.
		return c.inner.WorkspaceForNumber(ctx, number)
	}

	wid, ok, err := c.inner.WorkspaceForNumber(ctx, number)
	if err != nil || !ok {
		return wid, ok, err
	}
	_ = c.client.Set(ctx, key, wid, c.ttl).Err()
	return wid, true, nil
}

// Invalidate drops a cached entry, e.g. after a number is released.
func (c *CachedInventory) Invalidate(ctx context.Context, number string) error {
	return c.client.Del(ctx, cacheKeyPrefix+calls.NormalizeNumber(number)).Err()
}
