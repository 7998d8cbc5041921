package callops

import (
	"context"
	"time"

	"callcenter-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisCaps enforces the per-workspace concurrent-call limit on a shared
// redis counter, so the cap holds across API replicas. The TTL covers slots
// leaked by a crashed process mid-call.
type RedisCaps struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisCaps(rdb *redis.Client, limit int, ttl time.Duration) *RedisCaps {
	return &RedisCaps{rdb: rdb, limit: limit, ttl: ttl}
}

func capKey(workspaceID string) string {
	return "ws_active_calls:" + workspaceID
}

func (c *RedisCaps) Acquire(ctx context.Context, workspaceID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, c.rdb, capKey(workspaceID), c.limit, c.ttl)
}

func (c *RedisCaps) Release(ctx context.Context, workspaceID string) error {
	return utils.ReleaseConcurrencyCap(ctx, c.rdb, capKey(workspaceID))
}
