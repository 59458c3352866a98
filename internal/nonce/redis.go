package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "tollbot:nonce:"

// RedisClient is the subset of go-redis the store needs; *redis.Client and
// *redis.ClusterClient both satisfy it.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore shares consumed nonces between every worker pointed at the same
// Redis. SET NX is the atomic insert-if-absent primitive.
type RedisStore struct {
	rdb       RedisClient
	keyPrefix string
}

func NewRedisStore(rdb RedisClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix}
}

func (r *RedisStore) InsertIfAbsent(ctx context.Context, nonce string) (bool, error) {
	// No expiration: a consumed nonce stays consumed.
	set, err := r.rdb.SetNX(ctx, r.keyPrefix+nonce, 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("nonce setnx: %w", err)
	}
	return set, nil
}
