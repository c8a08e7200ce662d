package authorization

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/role"
	"go.uber.org/zap"
)

// Entry is a cached snapshot of one actor's standing in one tenant or workspace.
type Entry struct {
	Suspended     bool                     `json:"suspended"`
	TenantID      snowflake.ID             `json:"tenant_id"`
	TenantRole    role.TenantRole          `json:"tenant_role,omitempty"`
	Overrides     map[role.Permission]bool `json:"overrides,omitempty"`
	WorkspaceRole role.WorkspaceRole       `json:"workspace_role,omitempty"`
	Source        RoleSource               `json:"source,omitempty"`
	CachedAt      time.Time                `json:"cached_at"`
}

// Cache stores snapshots per actor so that every mutation touching an actor
// can drop all of that actor's entries at once.
type Cache interface {
	Get(ctx context.Context, actorID, key string) (Entry, bool)
	Set(ctx context.Context, actorID, key string, e Entry)
	Invalidate(ctx context.Context, actorID string)
}

// NewCache picks the shared redis cache when a client is configured.
func NewCache(client *redis.Client, policy config.PolicySource, clk clock.Clock, log *zap.Logger) Cache {
	if client != nil {
		return NewRedisCache(client, policy, clk, log)
	}
	return NewMemoryCache(policy, clk)
}

type memoryCache struct {
	entries cache.Cache[string, Entry]
	policy  config.PolicySource
}

func NewMemoryCache(policy config.PolicySource, clk clock.Clock) Cache {
	return &memoryCache{
		entries: cache.NewTTLCacheWithClock[string, Entry](clk.Now),
		policy:  policy,
	}
}

func (c *memoryCache) Get(_ context.Context, actorID, key string) (Entry, bool) {
	return c.entries.Get(memoryKey(actorID, key))
}

func (c *memoryCache) Set(_ context.Context, actorID, key string, e Entry) {
	c.entries.Set(memoryKey(actorID, key), e, c.policy.Get().PermissionCacheTTL)
}

func (c *memoryCache) Invalidate(_ context.Context, actorID string) {
	prefix := actorID + "|"
	c.entries.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

func memoryKey(actorID, key string) string {
	return actorID + "|" + key
}

const redisKeyPrefix = "tenancy:authz:"

type redisCache struct {
	client *redis.Client
	policy config.PolicySource
	clock  clock.Clock
	log    *zap.Logger
}

// NewRedisCache keeps one hash per actor. Entries carry their own timestamp
// because the hash TTL is refreshed on every write.
func NewRedisCache(client *redis.Client, policy config.PolicySource, clk clock.Clock, log *zap.Logger) Cache {
	return &redisCache{client: client, policy: policy, clock: clk, log: log.Named("authorization.cache")}
}

func (c *redisCache) Get(ctx context.Context, actorID, key string) (Entry, bool) {
	ttl := c.policy.Get().PermissionCacheTTL
	if ttl <= 0 {
		return Entry{}, false
	}
	raw, err := c.client.HGet(ctx, redisKeyPrefix+actorID, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("permission cache read failed", zap.Error(err))
		}
		return Entry{}, false
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false
	}
	if !c.clock.Now().Before(e.CachedAt.Add(ttl)) {
		return Entry{}, false
	}
	return e, true
}

func (c *redisCache) Set(ctx context.Context, actorID, key string, e Entry) {
	ttl := c.policy.Get().PermissionCacheTTL
	if ttl <= 0 {
		return
	}
	e.CachedAt = c.clock.Now()
	raw, err := json.Marshal(e)
	if err != nil {
		return
	}
	hashKey := redisKeyPrefix + actorID
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hashKey, key, raw)
		pipe.PExpire(ctx, hashKey, ttl)
		return nil
	})
	if err != nil {
		c.log.Warn("permission cache write failed", zap.Error(err))
	}
}

func (c *redisCache) Invalidate(ctx context.Context, actorID string) {
	if err := c.client.Del(ctx, redisKeyPrefix+actorID).Err(); err != nil {
		c.log.Warn("permission cache invalidation failed", zap.String("actor_id", actorID), zap.Error(err))
	}
}
