package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper remembers delivery keys for a bounded time.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

type redisDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper stores keys under prefix with the given TTL.
func NewRedisDeduper(client *redis.Client, prefix string, ttl time.Duration) Deduper {
	return &redisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *redisDeduper) key(k string) string {
	return fmt.Sprintf("dedupe:%s:%s", d.prefix, k)
}

func (d *redisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	_, err := d.client.Get(ctx, d.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedupe lookup: %w", err)
	}
	return true, nil
}

func (d *redisDeduper) Mark(ctx context.Context, key string) error {
	if err := d.client.Set(ctx, d.key(key), time.Now().UTC().Format(time.RFC3339), d.ttl).Err(); err != nil {
		return fmt.Errorf("dedupe mark: %w", err)
	}
	return nil
}
