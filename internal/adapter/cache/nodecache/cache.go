// Package nodecache decorates a domain.NodeRegistry with a short-lived Redis
// cache, grounded on the fail-open Lua rate limiter and the single-method
// embedCacheClient decorator of the teacher repo (SPEC_FULL.md §4.3: node
// snapshots are read far more often than nodes change heartbeat).
package nodecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ace-collector/internal/adapter/observability"
	"github.com/fairyhunter13/ace-collector/internal/domain"
)

// Cache wraps a domain.NodeRegistry and serves Snapshot from Redis when a
// fresh entry exists. Redis errors never fail the call: they fall through to
// the wrapped registry, matching the teacher's rate limiter's "fail open on
// Redis errors to avoid hard outages".
type Cache struct {
	base  domain.NodeRegistry
	redis *redis.Client
	ttl   time.Duration
}

// New constructs a Cache. A nil redis client disables caching entirely and
// every call passes straight through to base.
func New(base domain.NodeRegistry, rdb *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Cache{base: base, redis: rdb, ttl: ttl}
}

// Snapshot implements domain.NodeRegistry.
func (c *Cache) Snapshot(ctx context.Context, database string, modes map[string]struct{}, maxAge time.Duration, companyID string) ([]domain.RemoteNode, error) {
	if c.redis == nil {
		return c.base.Snapshot(ctx, database, modes, maxAge, companyID)
	}

	key := cacheKey(database, companyID, modes)
	if nodes, ok := c.get(ctx, key); ok {
		observability.RecordNodeCacheHit(database)
		return nodes, nil
	}
	observability.RecordNodeCacheMiss(database)

	nodes, err := c.base.Snapshot(ctx, database, modes, maxAge, companyID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, nodes)
	return nodes, nil
}

func (c *Cache) get(ctx context.Context, key string) ([]domain.RemoteNode, bool) {
	raw, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Debug("node cache get failed, falling through", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	var nodes []domain.RemoteNode
	if err := json.Unmarshal(raw, &nodes); err != nil {
		slog.Warn("node cache entry corrupt, falling through", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return nodes, true
}

func (c *Cache) set(ctx context.Context, key string, nodes []domain.RemoteNode) {
	raw, err := json.Marshal(nodes)
	if err != nil {
		slog.Warn("node cache marshal failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		slog.Debug("node cache set failed", slog.String("key", key), slog.Any("error", err))
	}
}

// cacheKey is stable under reordering of modes: the set is sorted before
// joining so the same (database, companyID, modes) combination always
// produces the same Redis key regardless of map iteration order.
func cacheKey(database, companyID string, modes map[string]struct{}) string {
	sorted := make([]string, 0, len(modes))
	for mode := range modes {
		sorted = append(sorted, mode)
	}
	sort.Strings(sorted)
	return fmt.Sprintf("nodecache:%s:%s:%s", database, companyID, strings.Join(sorted, ","))
}
