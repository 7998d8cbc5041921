package watchdog

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "call_session:"

// ActiveRegistry records liveness heartbeats for watched calls in redis. The
// sweep skips calls with a live heartbeat: some replica's watchdog owns them
// and will declare the timeout itself.
type ActiveRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewActiveRegistry creates a registry whose entries expire after ttl without
// a heartbeat. ttl should be a few poll intervals.
func NewActiveRegistry(rdb *redis.Client, ttl time.Duration) *ActiveRegistry {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &ActiveRegistry{rdb: rdb, ttl: ttl}
}

func (r *ActiveRegistry) Touch(ctx context.Context, callID, workspaceID string) error {
	return r.rdb.Set(ctx, sessionKeyPrefix+callID, workspaceID, r.ttl).Err()
}

func (r *ActiveRegistry) Alive(ctx context.Context, callID string) (bool, error) {
	n, err := r.rdb.Exists(ctx, sessionKeyPrefix+callID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *ActiveRegistry) Remove(ctx context.Context, callID string) error {
	return r.rdb.Del(ctx, sessionKeyPrefix+callID).Err()
}
