package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisQueue is one durable lane: a waiting list consumed with BRPOP plus a
// delayed sorted set holding retry messages until they are due. Delivery is
// at-least-once; the job record carries the idempotency state.
type RedisQueue struct {
	rc     *redis.Client
	lane   Lane
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisQueue(rc *redis.Client, lane Lane, prefix string, logger *zap.Logger) *RedisQueue {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{rc: rc, lane: lane, prefix: prefix, logger: logger, now: time.Now}
}

func (q *RedisQueue) Lane() Lane { return q.lane }

func (q *RedisQueue) waitingKey() string { return fmt.Sprintf("%s:queue:%s:waiting", q.prefix, q.lane) }

func (q *RedisQueue) delayedKey() string { return fmt.Sprintf("%s:queue:%s:delayed", q.prefix, q.lane) }

// Enqueue pushes a message onto the lane and returns the opaque handle the
// job record stores for later removal.
func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) (string, error) {
	payload, err := msg.encode()
	if err != nil {
		return "", err
	}
	if err := q.rc.LPush(ctx, q.waitingKey(), payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue on %s lane: %w", q.lane, err)
	}
	return payload, nil
}

// Pop blocks up to timeout for the next message. Returns nil without error
// when the lane stays empty, so worker loops can re-check their context.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	res, err := q.rc.BRPop(ctx, timeout, q.waitingKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop from %s lane: %w", q.lane, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of length %d", len(res))
	}
	return decodeMessage(res[1])
}

// Delay schedules a retry message to become due after d, returning its
// handle for cancellation while parked.
func (q *RedisQueue) Delay(ctx context.Context, msg Message, d time.Duration) (string, error) {
	payload, err := msg.encode()
	if err != nil {
		return "", err
	}
	due := float64(q.now().Add(d).UnixMilli())
	if err := q.rc.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return "", fmt.Errorf("delay on %s lane: %w", q.lane, err)
	}
	return payload, nil
}

// PromoteDue moves due delayed messages back onto the waiting list. Promotion
// is push-then-remove: a crash in between re-delivers rather than loses, per
// the at-least-once contract.
func (q *RedisQueue) PromoteDue(ctx context.Context) (int, error) {
	nowMilli := fmt.Sprintf("%d", q.now().UnixMilli())
	due, err := q.rc.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: nowMilli}).Result()
	if err != nil {
		return 0, fmt.Errorf("read delayed on %s lane: %w", q.lane, err)
	}

	promoted := 0
	for _, payload := range due {
		if err := q.rc.LPush(ctx, q.waitingKey(), payload).Err(); err != nil {
			return promoted, fmt.Errorf("promote on %s lane: %w", q.lane, err)
		}
		if err := q.rc.ZRem(ctx, q.delayedKey(), payload).Err(); err != nil {
			return promoted, fmt.Errorf("clear promoted on %s lane: %w", q.lane, err)
		}
		promoted++
	}
	return promoted, nil
}

// Remove deletes a job's handle from the lane, both waiting and delayed.
// Used by cancellation; a zero count means a worker already picked it up.
func (q *RedisQueue) Remove(ctx context.Context, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}

	removed, err := q.rc.LRem(ctx, q.waitingKey(), 0, handle).Result()
	if err != nil {
		return false, fmt.Errorf("remove from %s lane: %w", q.lane, err)
	}
	removedDelayed, err := q.rc.ZRem(ctx, q.delayedKey(), handle).Result()
	if err != nil {
		return false, fmt.Errorf("remove delayed from %s lane: %w", q.lane, err)
	}
	return removed+removedDelayed > 0, nil
}

// Waiting counts messages not yet picked up, including delayed retries.
func (q *RedisQueue) Waiting(ctx context.Context) (int64, error) {
	waiting, err := q.rc.LLen(ctx, q.waitingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count waiting on %s lane: %w", q.lane, err)
	}
	delayed, err := q.rc.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count delayed on %s lane: %w", q.lane, err)
	}
	return waiting + delayed, nil
}
