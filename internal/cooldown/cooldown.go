package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store holds the dispatch cooldown deadline shared by every dispatcher
// replica. A zero time means no cooldown.
type Store interface {
	Until(ctx context.Context) (time.Time, error)
	Set(ctx context.Context, until time.Time) error
}

const redisKey = "sms:dispatch:cooldown_until"

type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Until(ctx context.Context) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, redisKey).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read cooldown: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Set stores the deadline with a matching expiry so the key disappears once
// the cooldown is over. Deadlines already in the past are ignored.
func (s *RedisStore) Set(ctx context.Context, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, redisKey, until.UnixMilli(), ttl).Err(); err != nil {
		return fmt.Errorf("write cooldown: %w", err)
	}
	return nil
}

// Active reports whether now falls before the stored deadline.
func Active(ctx context.Context, s Store, now time.Time) (bool, time.Time, error) {
	until, err := s.Until(ctx)
	if err != nil {
		return false, time.Time{}, err
	}
	return now.Before(until), until, nil
}
