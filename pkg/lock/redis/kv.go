package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV implements lock.KV with plain Redis commands, for servers where EVAL is
// unavailable (managed offerings with scripting disabled, some proxies).
// Wrap it with lock.NewFallbackStore; compare operations are then not atomic.
type KV struct {
	client redis.UniversalClient
}

// NewKV returns a KV using client.
func NewKV(client redis.UniversalClient) *KV {
	return &KV{client: client}
}

// SetNX implements lock.KV.
func (kv *KV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return kv.client.SetNX(ctx, key, value, ttl).Result()
}

// Get implements lock.KV.
func (kv *KV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := kv.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}

	if err != nil {
		return "", false, err
	}

	return v, true, nil
}

// Set implements lock.KV.
func (kv *KV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return kv.client.Set(ctx, key, value, ttl).Err()
}

// Delete implements lock.KV.
func (kv *KV) Delete(ctx context.Context, key string) (bool, error) {
	n, err := kv.client.Del(ctx, key).Result()
	if err != nil {
		return false, err
	}

	return n > 0, nil
}
