// Package quota enforces the per-user free-tier allowance of fit
// computations per calendar month. It is independent from the governor: one
// is a per-user business quota, the other a system-wide cost limit.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hireloop/fitqueue/internal/ledger"
)

const defaultMonthlyLimit = 5

// ErrExhausted marks a request that cannot proceed because the user's
// monthly allowance is spent. Terminal for the request; never retried.
var ErrExhausted = errors.New("monthly fit quota exhausted")

// Status reports a user's quota position.
type Status struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// usageCounter is the slice of the ledger the limiter needs.
type usageCounter interface {
	CountSince(ctx context.Context, userID, kind string, since time.Time) (int, error)
}

// Limiter counts billed fit computations from the usage ledger. Cached
// results never produce ledger entries, so they never consume quota.
type Limiter struct {
	usage usageCounter
	limit int
	now   func() time.Time
}

func NewLimiter(usage usageCounter, monthlyLimit int) *Limiter {
	if monthlyLimit <= 0 {
		monthlyLimit = defaultMonthlyLimit
	}
	return &Limiter{usage: usage, limit: monthlyLimit, now: time.Now}
}

// Check returns the user's current quota status for this calendar month.
func (l *Limiter) Check(ctx context.Context, userID string) (Status, error) {
	now := l.now().UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	used, err := l.usage.CountSince(ctx, userID, ledger.KindFit, firstOfMonth)
	if err != nil {
		return Status{}, fmt.Errorf("count monthly usage: %w", err)
	}

	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}

	return Status{Used: used, Limit: l.limit, Remaining: remaining}, nil
}
