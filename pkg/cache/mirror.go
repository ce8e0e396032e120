package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Mirror layers a Redis status mirror over the in-process cache for
// low-latency polling by external consumers. Every write lands locally
// first; the Redis write is best-effort and a failure only logs.
type Mirror struct {
	local *ShardedCache
	rdb   *redis.Client
	ttl   time.Duration
	log   *zap.SugaredLogger
}

// NewMirror wires a mirror. rdb may be nil for a purely local cache.
func NewMirror(local *ShardedCache, rdb *redis.Client, ttl time.Duration, log *zap.SugaredLogger) *Mirror {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Mirror{local: local, rdb: rdb, ttl: ttl, log: log}
}

// Set stores a value locally and mirrors it to Redis with the TTL.
func (m *Mirror) Set(ctx context.Context, key string, value any) {
	m.local.Set(key, value)
	if m.rdb == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		m.log.Warnw("cache mirror marshal failed", "key", key, "error", err)
		return
	}
	if err := m.rdb.Set(ctx, key, payload, m.ttl).Err(); err != nil {
		m.log.Warnw("cache mirror write degraded", "key", key, "error", err)
	}
}

// Get reads the local copy with its age. Readers judge freshness; the
// mirror never answers risk decisions.
func (m *Mirror) Get(key string) (any, time.Duration, bool) {
	return m.local.GetWithAge(key)
}

// Delete drops the key locally and from Redis.
func (m *Mirror) Delete(ctx context.Context, key string) {
	m.local.Delete(key)
	if m.rdb == nil {
		return
	}
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		m.log.Warnw("cache mirror delete degraded", "key", key, "error", err)
	}
}
