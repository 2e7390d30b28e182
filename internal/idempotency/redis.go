package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "inventory:idempotency:"
	defaultTTL = 24 * time.Hour
)

var errMissingRedisClient = errors.New("idempotency: redis client required")

// RedisGuard stores claimed keys in Redis with SETNX and a TTL.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard wraps a Redis client. A non-positive ttl falls back to one day.
func NewRedisGuard(client *redis.Client, ttl time.Duration) (*RedisGuard, error) {
	if client == nil {
		return nil, errMissingRedisClient
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisGuard{client: client, ttl: ttl}, nil
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*RedisGuard, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("idempotency: redis address required")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("idempotency: ping redis %s: %w", addr, err)
	}
	return NewRedisGuard(client, ttl)
}

func (g *RedisGuard) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, keyPrefix+key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency: claim %s: %w", key, err)
	}
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
