// Package nonce tracks consumed one-time token identifiers.
package nonce

import (
	"context"
	"fmt"
)

// Store records consumed nonces. InsertIfAbsent is the only mutation and it is
// atomic: of any number of concurrent calls with the same nonce, exactly one
// returns true. Nonces are never removed.
type Store interface {
	InsertIfAbsent(ctx context.Context, nonce string) (bool, error)
}

// StoreType selects a Store backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// Config holds nonce store configuration.
type Config struct {
	Type      StoreType
	KeyPrefix string
}

// NewStore builds the configured backend. rdb may be nil for the memory store.
func NewStore(cfg Config, rdb RedisClient) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		if rdb == nil {
			return nil, fmt.Errorf("nonce: redis store requires a redis client")
		}
		return NewRedisStore(rdb, cfg.KeyPrefix), nil
	default:
		return nil, fmt.Errorf("unknown nonce store type: %s", cfg.Type)
	}
}
