package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the distributed KeyValueStore backend. SetNX carries the claim-once
// semantics; counters use INCR plus EXPIRE inside a transactional pipeline.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps an existing redis client. The prefix namespaces all keys so
// several services can share one instance.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// ClaimOnce implements KeyValueStore.
func (s *RedisStore) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	claimed, err := s.client.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis claim failed: %w", err)
	}

	return claimed, nil
}

// IncrementWithExpiry implements KeyValueStore.
func (s *RedisStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, s.prefix+key)
	pipe.Expire(ctx, s.prefix+key, ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis increment failed: %w", err)
	}

	return incr.Val(), nil
}
