package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard remembers webhook delivery ids so a redelivered message is
// acknowledged without reprocessing. Processing is idempotent anyway; the
// guard only saves the provider round trips.
type ReplayGuard struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewReplayGuard(rdb *redis.Client, prefix string, ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ReplayGuard{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Claim returns true the first time id is seen. Without Redis, or when Redis
// errors, every delivery is treated as new.
func (g *ReplayGuard) Claim(ctx context.Context, id string) bool {
	if g == nil || g.rdb == nil || id == "" {
		return true
	}

	ok, err := g.rdb.SetNX(ctx, g.prefix+id, time.Now().Unix(), g.ttl).Result()
	if err != nil {
		slog.Warn("replay guard unavailable", "error", err)
		return true
	}
	return ok
}

// Release forgets id so a delivery that failed midway can be retried.
func (g *ReplayGuard) Release(ctx context.Context, id string) {
	if g == nil || g.rdb == nil || id == "" {
		return
	}
	if err := g.rdb.Del(ctx, g.prefix+id).Err(); err != nil {
		slog.Warn("replay guard release failed", "error", err)
	}
}
