package workspace

import (
	"context"
	"encoding/json"

	"github.com/bifrost-hq/bifrost/common/logger"
	"github.com/bifrost-hq/bifrost/common/models"
	rediscommon "github.com/bifrost-hq/bifrost/common/redis"
)

// CacheKey is the single Redis hash holding per-path loop-suppression
// state for the deployment.
const CacheKey = "workspace:cache"

// Cache is the workspace loop-suppression cache. Writes are
// fire-and-forget: the cache is an optimization, a miss only causes a
// slower authoritative lookup.
type Cache struct {
	redis *rediscommon.Client
	log   *logger.Logger
}

// NewCache creates a workspace cache
func NewCache(redis *rediscommon.Client, log *logger.Logger) *Cache {
	return &Cache{redis: redis, log: log}
}

// Set records the last-known state for a path. Errors are logged and
// swallowed.
func (c *Cache) Set(ctx context.Context, path string, hash string, isDeleted bool) {
	entry := models.CacheEntry{Hash: hash, IsDeleted: isDeleted}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.redis.SetHash(ctx, CacheKey, path, string(data)); err != nil {
		c.log.Warn("workspace cache set failed", "path", path, "error", err)
	}
}

// Get returns the cached state for a path, or nil on miss or error
func (c *Cache) Get(ctx context.Context, path string) *models.CacheEntry {
	raw, found, err := c.redis.GetHash(ctx, CacheKey, path)
	if err != nil {
		c.log.Warn("workspace cache get failed", "path", path, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	entry := &models.CacheEntry{}
	if err := json.Unmarshal([]byte(raw), entry); err != nil {
		c.log.Warn("malformed workspace cache entry", "path", path)
		return nil
	}
	return entry
}

// Remove drops a path's cache entry
func (c *Cache) Remove(ctx context.Context, path string) {
	if err := c.redis.DeleteHashField(ctx, CacheKey, path); err != nil {
		c.log.Warn("workspace cache remove failed", "path", path, "error", err)
	}
}
