package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore backs the governor counters with redis. INCR/DECR and
// INCRBYFLOAT are atomic server-side, which is what makes check-and-reserve
// race-free across worker processes.
type RedisCounterStore struct {
	rc *redis.Client
}

func NewRedisCounterStore(rc *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rc: rc}
}

func (s *RedisCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rc.Incr(ctx, key).Result()
}

func (s *RedisCounterStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.rc.Decr(ctx, key).Result()
}

func (s *RedisCounterStore) GetInt(ctx context.Context, key string) (int64, error) {
	val, err := s.rc.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %q: %w", key, err)
	}
	return val, nil
}

func (s *RedisCounterStore) AddFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	total, err := s.rc.IncrByFloat(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("increment counter %q: %w", key, err)
	}
	if ttl > 0 {
		// NX keeps the expiry anchored to the counter's creation.
		if err := s.rc.ExpireNX(ctx, key, ttl).Err(); err != nil {
			return total, fmt.Errorf("set counter ttl %q: %w", key, err)
		}
	}
	return total, nil
}

func (s *RedisCounterStore) GetFloat(ctx context.Context, key string) (float64, error) {
	val, err := s.rc.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %q: %w", key, err)
	}
	return val, nil
}
