package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Month buckets stay around long enough to count the current month plus a
// grace period for end-of-month reads.
const entryTTL = 62 * 24 * time.Hour

// RedisLedger stores entries in per-user, per-month redis lists. Appends are
// single RPUSH calls, which keeps the ledger append-only by construction.
type RedisLedger struct {
	rc        *redis.Client
	keyPrefix string
	now       func() time.Time
}

func NewRedisLedger(rc *redis.Client, keyPrefix string) *RedisLedger {
	if keyPrefix == "" {
		keyPrefix = "fitqueue"
	}
	return &RedisLedger{rc: rc, keyPrefix: keyPrefix, now: time.Now}
}

func (l *RedisLedger) key(userID string, month time.Time) string {
	return fmt.Sprintf("%s:usage:%s:%s", l.keyPrefix, userID, month.UTC().Format("2006-01"))
}

func (l *RedisLedger) Append(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.now().UTC()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}

	key := l.key(entry.UserID, entry.CreatedAt)
	if err := l.rc.RPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := l.rc.ExpireNX(ctx, key, entryTTL).Err(); err != nil {
		return fmt.Errorf("set ledger ttl: %w", err)
	}
	return nil
}

func (l *RedisLedger) CountSince(ctx context.Context, userID, kind string, since time.Time) (int, error) {
	count := 0
	now := l.now().UTC()

	// Walk month buckets from the cutoff up to the current month.
	for month := time.Date(since.UTC().Year(), since.UTC().Month(), 1, 0, 0, 0, 0, time.UTC); !month.After(now); month = month.AddDate(0, 1, 0) {
		raw, err := l.rc.LRange(ctx, l.key(userID, month), 0, -1).Result()
		if err != nil {
			return 0, fmt.Errorf("read ledger bucket: %w", err)
		}
		for _, item := range raw {
			var entry Entry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				continue
			}
			if entry.Kind == kind && !entry.CreatedAt.Before(since) {
				count++
			}
		}
	}
	return count, nil
}
