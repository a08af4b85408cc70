package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"plantwatch/internal/kv"
)

// RedisStore is a kv.Store backed by Redis. Archived production days expire
// after dayTTL; other keys never expire.
type RedisStore struct {
	client *redis.Client
	prefix string
	dayTTL time.Duration
}

func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string, dayTTL time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, dayTTL: dayTTL}, nil
}

func (r *RedisStore) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

func (r *RedisStore) ttl(k string) time.Duration {
	if r.dayTTL > 0 && strings.Contains(k, ":production:day:") {
		return r.dayTTL
	}
	return 0
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.key(key), value, r.ttl(key)).Err()
}

// SetMany writes every pair inside MULTI/EXEC.
func (r *RedisStore) SetMany(ctx context.Context, pairs []kv.Pair) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range pairs {
			pipe.Set(ctx, r.key(p.Key), p.Value, r.ttl(p.Key))
		}
		return nil
	})
	return err
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
