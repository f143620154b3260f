// Package rediscache provides a Redis-backed fast path for the bus's
// idempotency checks. The processing log stays authoritative; Redis only
// short-circuits the common already-applied case across poller instances.
package rediscache

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Cache struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func New(rdb *redis.Client, ttl time.Duration, prefix string) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "eventbus:applied"
	}
	return &Cache{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (c *Cache) Seen(ctx context.Context, eventID, handlerKey string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(eventID, handlerKey)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Cache) MarkSeen(ctx context.Context, eventID, handlerKey string) error {
	return c.rdb.Set(ctx, c.key(eventID, handlerKey), "1", c.ttl).Err()
}

func (c *Cache) key(eventID, handlerKey string) string {
	return c.prefix + ":" + eventID + ":" + handlerKey
}

func ReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}
