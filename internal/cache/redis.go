package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface check.
var _ Shared = (*Redis)(nil)

// redisExpiry bounds how long an abandoned key lingers in Redis. It is not a
// freshness decision (the gateway derives tiers from Entry.CachedAt); it
// only keeps keys nobody asks for anymore from accumulating forever, so it
// must sit well beyond every configured stale threshold.
const redisExpiry = 24 * time.Hour

// Redis is the shared-cache backend for multi-process deployments, where
// per-process memory would make staleness depend on which process handled a
// request.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{rdb: rdb}, nil
}

func redisKey(key string) string { return "tickdeck:shared:" + key }

// Get returns the entry for key and whether one exists.
func (c *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	data, err := c.rdb.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		// Undecodable entry; report absent rather than corrupt.
		return Entry{}, false, nil
	}
	return e, true, nil
}

// Set overwrites the entry for key.
func (c *Redis) Set(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, redisKey(key), data, redisExpiry).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (c *Redis) Close() error {
	return c.rdb.Close()
}
