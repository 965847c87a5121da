package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Set sets a key with optional expiration (0 = no expiration)
func (c *Client) Set(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// Get retrieves a value by key. Returns found=false for missing keys.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", false, nil
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, true, nil
}

// Delete removes keys
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// Exists reports whether a key exists
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.redis.Exists(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis EXISTS failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// SetHash sets a hash field value
func (c *Client) SetHash(ctx context.Context, key, field, value string) error {
	err := c.redis.HSet(ctx, key, field, value).Err()
	if err != nil {
		c.logger.Error("redis HSET failed", "key", key, "field", field, "error", err)
		return fmt.Errorf("failed to set hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HSET", "key", key, "field", field)
	return nil
}

// SetHashMap sets multiple hash fields in one round trip
func (c *Client) SetHashMap(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	err := c.redis.HSet(ctx, key, args...).Err()
	if err != nil {
		c.logger.Error("redis HSET failed", "key", key, "field_count", len(fields), "error", err)
		return fmt.Errorf("failed to set hash %s: %w", key, err)
	}
	c.logger.Debug("redis HSET", "key", key, "field_count", len(fields))
	return nil
}

// GetHash retrieves a hash field value. Returns found=false for missing fields.
func (c *Client) GetHash(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.redis.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		c.logger.Debug("redis HGET field not found", "key", key, "field", field)
		return "", false, nil
	}
	if err != nil {
		c.logger.Error("redis HGET failed", "key", key, "field", field, "error", err)
		return "", false, fmt.Errorf("failed to get hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HGET", "key", key, "field", field)
	return val, true, nil
}

// GetAllHash retrieves all fields and values of a hash
func (c *Client) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis HGETALL failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get all hash fields %s: %w", key, err)
	}
	c.logger.Debug("redis HGETALL", "key", key, "field_count", len(val))
	return val, nil
}

// DeleteHashField removes fields from a hash
func (c *Client) DeleteHashField(ctx context.Context, key string, fields ...string) error {
	err := c.redis.HDel(ctx, key, fields...).Err()
	if err != nil {
		c.logger.Error("redis HDEL failed", "key", key, "fields", fields, "error", err)
		return fmt.Errorf("failed to delete hash fields %s: %w", key, err)
	}
	c.logger.Debug("redis HDEL", "key", key, "fields", fields)
	return nil
}

// Expire sets a TTL on a key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	err := c.redis.Expire(ctx, key, ttl).Err()
	if err != nil {
		c.logger.Error("redis EXPIRE failed", "key", key, "error", err)
		return fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	c.logger.Debug("redis EXPIRE", "key", key, "ttl", ttl)
	return nil
}

// AddToSet adds members to a set
func (c *Client) AddToSet(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.redis.SAdd(ctx, key, args...).Err()
	if err != nil {
		c.logger.Error("redis SADD failed", "key", key, "error", err)
		return fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	c.logger.Debug("redis SADD", "key", key, "count", len(members))
	return nil
}

// RemoveFromSet removes members from a set
func (c *Client) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	err := c.redis.SRem(ctx, key, args...).Err()
	if err != nil {
		c.logger.Error("redis SREM failed", "key", key, "error", err)
		return fmt.Errorf("failed to remove from set %s: %w", key, err)
	}
	c.logger.Debug("redis SREM", "key", key, "count", len(members))
	return nil
}

// GetSetMembers returns all members of a set
func (c *Client) GetSetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := c.redis.SMembers(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis SMEMBERS failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get set members %s: %w", key, err)
	}
	c.logger.Debug("redis SMEMBERS", "key", key, "count", len(members))
	return members, nil
}

// PushToList pushes values to the right of a list
func (c *Client) PushToList(ctx context.Context, key string, values ...interface{}) error {
	err := c.redis.RPush(ctx, key, values...).Err()
	if err != nil {
		c.logger.Error("redis RPUSH failed", "key", key, "error", err)
		return fmt.Errorf("failed to rpush to %s: %w", key, err)
	}
	c.logger.Debug("redis RPUSH", "key", key, "count", len(values))
	return nil
}

// BlockingPopList blocks and pops from a list (left side).
// Returns nil on timeout, which callers treat as "no result yet".
func (c *Client) BlockingPopList(ctx context.Context, timeout time.Duration, keys ...string) ([]string, error) {
	result, err := c.redis.BLPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		// Timeout - not an error
		return nil, nil
	}
	if err != nil {
		c.logger.Error("redis BLPOP failed", "keys", keys, "error", err)
		return nil, fmt.Errorf("failed to blpop from %v: %w", keys, err)
	}
	c.logger.Debug("redis BLPOP", "keys", keys)
	return result, nil
}

// RemoveFromList removes occurrences of a value from a list
func (c *Client) RemoveFromList(ctx context.Context, key string, count int64, value string) error {
	err := c.redis.LRem(ctx, key, count, value).Err()
	if err != nil {
		c.logger.Error("redis LREM failed", "key", key, "error", err)
		return fmt.Errorf("failed to lrem from %s: %w", key, err)
	}
	c.logger.Debug("redis LREM", "key", key, "value", value)
	return nil
}

// ListPosition returns the zero-based index of value in a list, or -1 if absent
func (c *Client) ListPosition(ctx context.Context, key, value string) (int64, error) {
	pos, err := c.redis.LPos(ctx, key, value, redis.LPosArgs{}).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		c.logger.Error("redis LPOS failed", "key", key, "error", err)
		return -1, fmt.Errorf("failed to lpos in %s: %w", key, err)
	}
	return pos, nil
}

// ListRange returns a range of list elements
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := c.redis.LRange(ctx, key, start, stop).Result()
	if err != nil {
		c.logger.Error("redis LRANGE failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	return vals, nil
}

// PublishEvent publishes an event to a Redis channel
func (c *Client) PublishEvent(ctx context.Context, channel string, message string) error {
	err := c.redis.Publish(ctx, channel, message).Err()
	if err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// Subscribe subscribes to a channel; the caller owns the returned PubSub
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	c.logger.Debug("redis SUBSCRIBE", "channels", channels)
	return c.redis.Subscribe(ctx, channels...)
}

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}
