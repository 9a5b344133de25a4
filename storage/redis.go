package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"megagram/metrics"
)

const (
	// DefaultRedisPrefix namespaces every key written by RedisKV.
	DefaultRedisPrefix = "megagram:"
	redisOpTimeout     = 5 * time.Second
)

// RedisKV keeps the key-value contract of Store on a Redis instance, so several
// local processes can share one profile.
type RedisKV struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to addr and verifies the connection.
func OpenRedis(addr, password string, db int) (*RedisKV, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %q: %w", addr, err)
	}

	return NewRedisKV(client, DefaultRedisPrefix), nil
}

// NewRedisKV wraps an existing client; prefix is prepended to every key.
func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

// Get returns the value stored under key, or ErrNotFound.
func (r *RedisKV) Get(key string) (string, error) {
	if key == "" {
		return "", errors.New("key is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	start := time.Now()
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveRedis("get", start, nil)
		return "", ErrNotFound
	}
	metrics.ObserveRedis("get", start, err)
	if err != nil {
		return "", fmt.Errorf("redis get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key without expiry.
func (r *RedisKV) Set(key, value string) error {
	if key == "" {
		return errors.New("key is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	start := time.Now()
	err := r.client.Set(ctx, r.prefix+key, value, 0).Err()
	metrics.ObserveRedis("set", start, err)
	if err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is not an error.
func (r *RedisKV) Remove(key string) error {
	if key == "" {
		return errors.New("key is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	start := time.Now()
	err := r.client.Del(ctx, r.prefix+key).Err()
	metrics.ObserveRedis("del", start, err)
	if err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Keys lists stored keys (without the namespace prefix) that start with prefix.
func (r *RedisKV) Keys(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	start := time.Now()
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), r.prefix)
		// SCAN globbing treats *?[ as metacharacters, so re-check literally.
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	err := iter.Err()
	metrics.ObserveRedis("scan", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis scan %q: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Close releases the underlying client.
func (r *RedisKV) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}
