package audit

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventsKey is the Redis list events are appended to.
const EventsKey = "tollbot:audit:events"

// RedisClient is the subset of *redis.Client used by RedisSink.
type RedisClient interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// RedisSink appends events to a shared Redis list so that every worker's
// decisions land in one place for downstream consumers.
type RedisSink struct {
	rdb RedisClient
	key string
	log *zap.Logger
}

func NewRedisSink(rdb RedisClient, log *zap.Logger) *RedisSink {
	return &RedisSink{rdb: rdb, key: EventsKey, log: log}
}

func (s *RedisSink) Record(ctx context.Context, e Event) {
	raw, err := json.Marshal(e)
	if err != nil {
		s.log.Error("audit: marshal event", zap.Error(err))
		return
	}
	if err := s.rdb.RPush(ctx, s.key, string(raw)).Err(); err != nil {
		s.log.Warn("audit: RPUSH", zap.String("path", e.Path), zap.Error(err))
	}
}

func (s *RedisSink) Close() error { return nil }
