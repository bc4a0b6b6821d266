package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps each object as a plain string value. SET overwrites, so
// a repeated store leaves one value.
type RedisStorage struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient parses redisURL and pings the server.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// NewRedisStorage stores objects through client. ttl of zero keeps objects
// until overwritten.
func NewRedisStorage(client *redis.Client, ttl time.Duration) *RedisStorage {
	return &RedisStorage{client: client, ttl: ttl}
}

// Store sets key to body.
func (r *RedisStorage) Store(ctx context.Context, key string, body []byte) error {
	if err := r.client.Set(ctx, key, body, r.ttl).Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return unavailable("set", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (r *RedisStorage) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}
