package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots in Redis with native key expiry. It is the
// recommended backend for multi-server deployments.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	closed atomic.Bool
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*redisStoreConfig)

type redisStoreConfig struct {
	prefix string
}

// WithRedisPrefix sets the key prefix for snapshot keys.
// Default: "ripple:session:".
func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(c *redisStoreConfig) {
		c.prefix = prefix
	}
}

// NewRedisStore creates a Redis-backed snapshot store on an existing client.
// The client is shared with the caller and never closed by the store.
func NewRedisStore(client redis.UniversalClient, opts ...RedisStoreOption) *RedisStore {
	cfg := &redisStoreConfig{prefix: "ripple:session:"}
	for _, opt := range opts {
		opt(cfg)
	}
	return &RedisStore{client: client, prefix: cfg.prefix}
}

func (r *RedisStore) key(token string) string {
	return r.prefix + token
}

func (r *RedisStore) Save(ctx context.Context, token string, data []byte, expiresAt time.Time) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, token)
	}
	return r.client.Set(ctx, r.key(token), data, ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, token string) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrStoreClosed
	}

	data, err := r.client.Get(ctx, r.key(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisStore) Delete(ctx context.Context, token string) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}
	return r.client.Del(ctx, r.key(token)).Err()
}

func (r *RedisStore) Touch(ctx context.Context, token string, expiresAt time.Time) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return r.Delete(ctx, token)
	}
	return r.client.Expire(ctx, r.key(token), ttl).Err()
}

func (r *RedisStore) SaveAll(ctx context.Context, records map[string]Record) error {
	if r.closed.Load() {
		return ErrStoreClosed
	}
	if len(records) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	for token, rec := range records {
		if ttl := time.Until(rec.ExpiresAt); ttl > 0 {
			pipe.Set(ctx, r.key(token), rec.Data, ttl)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close marks the store closed. The underlying Redis client stays open.
func (r *RedisStore) Close() error {
	r.closed.Store(true)
	return nil
}

// Prefix reports the configured key prefix.
func (r *RedisStore) Prefix() string {
	return r.prefix
}
