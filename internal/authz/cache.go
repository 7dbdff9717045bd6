package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds the staleness window when invalidation fails.
const DefaultCacheTTL = 5 * time.Minute

// Cache memoizes resolved permission sets in Redis, keyed per user and
// tenant scope. Version counters are folded into the key so invalidation
// is a single INCR instead of a key scan: a global epoch (global group
// changes feed every scope), a per-tenant version, and a per-user version.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// TTL exposes the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	if c == nil {
		return 0
	}
	return c.ttl
}

// GetResolvedSet loads the cached set for the principal scope. A nil set
// with a nil error is a miss; Redis errors are returned so the caller can
// degrade to a miss explicitly.
func (c *Cache) GetResolvedSet(ctx context.Context, userID int64, tenantID *int64) (ResolvedSet, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}
	key, err := c.key(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var set ResolvedSet
	if err := json.Unmarshal(payload, &set); err != nil {
		return nil, err
	}
	return set, nil
}

// Put stores the resolved set under the principal scope with the cache TTL.
func (c *Cache) Put(ctx context.Context, userID int64, tenantID *int64, set ResolvedSet) error {
	if c == nil || c.client == nil {
		return nil
	}
	key, err := c.key(ctx, userID, tenantID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, c.ttl).Err()
}

// Invalidate drops the cached sets for one user. Bumping the user version
// covers every tenant scope at once; a membership in a global group feeds
// tenant-scoped sets too, so scope-local deletion would be too narrow.
func (c *Cache) Invalidate(ctx context.Context, userID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, userVersionKey(userID)).Err()
}

// InvalidateAll drops every cached set in the tenant scope. A nil tenant
// bumps the global epoch, which invalidates all scopes.
func (c *Cache) InvalidateAll(ctx context.Context, tenantID *int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, scopeVersionKey(tenantID)).Err()
}

func (c *Cache) key(ctx context.Context, userID int64, tenantID *int64) (string, error) {
	epoch, err := c.version(ctx, scopeVersionKey(nil))
	if err != nil {
		return "", err
	}
	scopeVer := epoch
	if tenantID != nil {
		scopeVer, err = c.version(ctx, scopeVersionKey(tenantID))
		if err != nil {
			return "", err
		}
	}
	userVer, err := c.version(ctx, userVersionKey(userID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("permissions:user:%d:%s:v%d.%d.%d", userID, scopeLabel(tenantID), epoch, scopeVer, userVer), nil
}

// version returns the counter value, initialising when missing.
func (c *Cache) version(ctx context.Context, key string) (int64, error) {
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

func scopeVersionKey(tenantID *int64) string {
	return "permissions:version:" + scopeLabel(tenantID)
}

func userVersionKey(userID int64) string {
	return "permissions:uversion:" + strconv.FormatInt(userID, 10)
}

func scopeLabel(tenantID *int64) string {
	if tenantID == nil {
		return "global"
	}
	return strconv.FormatInt(*tenantID, 10)
}
