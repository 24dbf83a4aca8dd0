package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores scene objects and render output as plain Redis strings
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend creates a Redis backend from a redis:// URL and verifies the connection
func NewRedisBackend(ctx context.Context, redisURL, prefix string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{client: client, prefix: prefix}, nil
}

// key generates the Redis key for an object name
func (r *RedisBackend) key(name string) string {
	return r.prefix + name
}

// Get retrieves a blob
func (r *RedisBackend) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to get %s: %w", name, err)
	}
	return data, nil
}

// Put stores a blob without expiry
func (r *RedisBackend) Put(ctx context.Context, name string, data []byte) error {
	if err := r.client.Set(ctx, r.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to put %s: %w", name, err)
	}
	return nil
}

// Size returns the stored length of a blob
func (r *RedisBackend) Size(ctx context.Context, name string) (int64, error) {
	pipe := r.client.Pipeline()
	exists := pipe.Exists(ctx, r.key(name))
	size := pipe.StrLen(ctx, r.key(name))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", name, err)
	}
	if exists.Val() == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return size.Val(), nil
}

// List scans for names starting with prefix
func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(names)
	return names, nil
}

// Close closes the Redis connection
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
