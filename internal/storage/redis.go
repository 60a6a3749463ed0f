// Package storage wraps the Redis client with the operations the broker,
// session store and job store need: atomic list push/pop with timeout,
// hash reads and writes, pub/sub and key TTLs.
package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anthonymdukes/pdf-chat-appliance/internal/config"
)

// Client is a thin wrapper around go-redis. Queues are manipulated only
// through the list operations here; hashes follow single-writer-per-row
// discipline at the callers.
type Client struct {
	rdb *redis.Client
}

// New creates a Client from configuration.
func New(cfg config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.Timeout,
	})
	return &Client{rdb: rdb}
}

// NewFromClient wraps an existing redis client. Tests use this with miniredis.
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// PushLeft appends a value to the head of a list (queue enqueue).
func (c *Client) PushLeft(ctx context.Context, key string, value string) error {
	return c.rdb.LPush(ctx, key, value).Err()
}

// PushRight appends a value to the tail of a list. Used to return a popped
// message to the dispatch position during shutdown.
func (c *Client) PushRight(ctx context.Context, key string, value string) error {
	return c.rdb.RPush(ctx, key, value).Err()
}

// PopBlocking pops from the tail of the first non-empty key, blocking up to
// timeout. Key order gives strict priority. Returns the key and value, or
// ("", "", nil) when the timeout elapses with nothing available.
func (c *Client) PopBlocking(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := c.rdb.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return res[0], res[1], nil
}

// PopRight non-blockingly pops from the tail of a list. Returns ("", nil)
// when the list is empty.
func (c *Client) PopRight(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// ListLen returns the length of a list.
func (c *Client) ListLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// ListRange returns list entries in [start, stop].
func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// ListTrim trims a list to [start, stop].
func (c *Client) ListTrim(ctx context.Context, key string, start, stop int64) error {
	return c.rdb.LTrim(ctx, key, start, stop).Err()
}

// HashSet writes fields of a hash.
func (c *Client) HashSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return c.rdb.HSet(ctx, key, fields).Err()
}

// HashGet reads one field of a hash. Returns ("", nil) when absent.
func (c *Client) HashGet(ctx context.Context, key, field string) (string, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// HashGetAll reads all fields of a hash. An absent key yields an empty map.
func (c *Client) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

// HashIncrBy atomically increments a hash field counter.
func (c *Client) HashIncrBy(ctx context.Context, key, field string, delta int64) error {
	return c.rdb.HIncrBy(ctx, key, field, delta).Err()
}

// Delete removes keys. Returns the number removed.
func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

// Exists reports whether a key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Expire refreshes a key's TTL.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

// Publish sends a payload on a named channel.
func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe opens a subscription on the given channels.
func (c *Client) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channels...)
}

// Keys returns keys matching a pattern. Used only on small, bounded key
// families (job records).
func (c *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	return c.rdb.Keys(ctx, pattern).Result()
}

// Ping checks backend liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
