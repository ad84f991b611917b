// Package governor gates external AI calls behind a daily cost budget and a
// process-wide concurrency ceiling. Both counters live in a shared store so
// multiple worker processes observe the same limits.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDailyBudgetUSD    = 100
	defaultAlertThresholdUSD = 50
	defaultMaxConcurrent     = 5
	// A day counter lives a bit longer than 24h so clients with skewed
	// clocks never observe a vanished counter mid-day.
	defaultCounterTTL = 25 * time.Hour

	defaultKeyPrefix = "fitqueue"
)

// Reason explains why a reservation was denied.
type Reason string

const (
	ReasonDailyBudget    Reason = "daily_budget_reached"
	ReasonMaxConcurrency Reason = "max_concurrency_reached"
)

// Decision is the outcome of one reservation attempt.
type Decision struct {
	Allowed        bool
	Reason         Reason
	DailySpentUSD  float64
	DailyBudgetUSD float64
}

// CounterStore is the shared atomic counter backend. All mutations must be
// atomic at the store level; see the redis implementation.
type CounterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	AddFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error)
	GetFloat(ctx context.Context, key string) (float64, error)
}

// Config tunes the governor limits. Zero values fall back to defaults.
type Config struct {
	DailyBudgetUSD    float64
	AlertThresholdUSD float64
	MaxConcurrent     int64
	CounterTTL        time.Duration
	KeyPrefix         string
}

func (c Config) withDefaults() Config {
	if c.DailyBudgetUSD <= 0 {
		c.DailyBudgetUSD = defaultDailyBudgetUSD
	}
	if c.AlertThresholdUSD <= 0 {
		c.AlertThresholdUSD = defaultAlertThresholdUSD
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.CounterTTL <= 0 {
		c.CounterTTL = defaultCounterTTL
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	return c
}

// Governor grants or denies permission to make one AI call. Construct one per
// process and share it by reference.
type Governor struct {
	store  CounterStore
	cfg    Config
	logger *zap.Logger

	alertOnce sync.Once
	now       func() time.Time
}

func New(store CounterStore, cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
	}
}

func (g *Governor) budgetKey() string {
	return fmt.Sprintf("%s:budget:%s", g.cfg.KeyPrefix, g.now().UTC().Format("2006-01-02"))
}

func (g *Governor) inflightKey() string {
	return g.cfg.KeyPrefix + ":inflight"
}

// CheckAndReserve grants permission for one AI call, reserving a concurrency
// slot. Callers holding a granted reservation must call Release exactly once
// afterwards, on every exit path. The concurrency reserve is an atomic
// post-increment check: a denied call rolls its increment back immediately so
// concurrent callers never leak slots.
func (g *Governor) CheckAndReserve(ctx context.Context) (Decision, error) {
	spent, err := g.store.GetFloat(ctx, g.budgetKey())
	if err != nil {
		return Decision{}, fmt.Errorf("read daily spend: %w", err)
	}

	decision := Decision{
		DailySpentUSD:  spent,
		DailyBudgetUSD: g.cfg.DailyBudgetUSD,
	}

	if spent >= g.cfg.DailyBudgetUSD {
		decision.Reason = ReasonDailyBudget
		return decision, nil
	}

	if spent >= g.cfg.AlertThresholdUSD {
		g.alertOnce.Do(func() {
			g.logger.Warn("daily AI spend crossed alert threshold",
				zap.Float64("spent_usd", spent),
				zap.Float64("threshold_usd", g.cfg.AlertThresholdUSD),
				zap.Float64("budget_usd", g.cfg.DailyBudgetUSD),
			)
		})
	}

	inflight, err := g.store.Incr(ctx, g.inflightKey())
	if err != nil {
		return Decision{}, fmt.Errorf("reserve concurrency slot: %w", err)
	}
	if inflight > g.cfg.MaxConcurrent {
		if _, err := g.store.Decr(ctx, g.inflightKey()); err != nil {
			g.logger.Error("rolling back concurrency reservation", zap.Error(err))
		}
		decision.Reason = ReasonMaxConcurrency
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// Check reports the current decision without reserving a slot. Used by the
// batch processor to re-observe budget and concurrency state before each
// item; the scorer's own CheckAndReserve stays authoritative.
func (g *Governor) Check(ctx context.Context) (Decision, error) {
	spent, err := g.store.GetFloat(ctx, g.budgetKey())
	if err != nil {
		return Decision{}, fmt.Errorf("read daily spend: %w", err)
	}

	decision := Decision{
		DailySpentUSD:  spent,
		DailyBudgetUSD: g.cfg.DailyBudgetUSD,
	}

	if spent >= g.cfg.DailyBudgetUSD {
		decision.Reason = ReasonDailyBudget
		return decision, nil
	}

	inflight, err := g.store.GetInt(ctx, g.inflightKey())
	if err != nil {
		return Decision{}, fmt.Errorf("read inflight count: %w", err)
	}
	if inflight >= g.cfg.MaxConcurrent {
		decision.Reason = ReasonMaxConcurrency
		return decision, nil
	}

	decision.Allowed = true
	return decision, nil
}

// Release frees a reserved concurrency slot. Must run on every exit path of
// a granted call; failures are logged, never propagated, so deferred calls
// stay unconditional.
func (g *Governor) Release(ctx context.Context) {
	if _, err := g.store.Decr(ctx, g.inflightKey()); err != nil {
		g.logger.Error("releasing concurrency slot", zap.Error(err))
	}
}

// RecordSpend adds the incurred cost of a completed call to today's budget
// counter, refreshing its TTL.
func (g *Governor) RecordSpend(ctx context.Context, usd float64) error {
	if usd <= 0 {
		return nil
	}
	total, err := g.store.AddFloat(ctx, g.budgetKey(), usd, g.cfg.CounterTTL)
	if err != nil {
		return fmt.Errorf("record spend: %w", err)
	}

	g.logger.Debug("recorded AI spend",
		zap.Float64("cost_usd", usd),
		zap.Float64("daily_total_usd", total),
	)
	return nil
}
