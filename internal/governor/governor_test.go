package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// memoryCounterStore mirrors the atomicity the redis backend provides.
type memoryCounterStore struct {
	mu     sync.Mutex
	ints   map[string]int64
	floats map[string]float64
}

func newMemoryCounterStore() *memoryCounterStore {
	return &memoryCounterStore{
		ints:   make(map[string]int64),
		floats: make(map[string]float64),
	}
}

func (s *memoryCounterStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key]++
	return s.ints[key], nil
}

func (s *memoryCounterStore) Decr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ints[key]--
	return s.ints[key], nil
}

func (s *memoryCounterStore) GetInt(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ints[key], nil
}

func (s *memoryCounterStore) AddFloat(_ context.Context, key string, delta float64, _ time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floats[key] += delta
	return s.floats[key], nil
}

func (s *memoryCounterStore) GetFloat(_ context.Context, key string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.floats[key], nil
}

func newTestGovernor(store CounterStore, cfg Config) *Governor {
	return New(store, cfg, zap.NewNop())
}

func TestCheckAndReserveGrantsWithinLimits(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(newMemoryCounterStore(), Config{})

	decision, err := g.CheckAndReserve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected grant, got denial: %+v", decision)
	}
	g.Release(context.Background())
}

func TestConcurrencyBoundNeverLeaks(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore()
	g := newTestGovernor(store, Config{MaxConcurrent: 3})

	const callers = 20

	var wg sync.WaitGroup
	granted := make(chan struct{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := g.CheckAndReserve(context.Background())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if decision.Allowed {
				granted <- struct{}{}
			} else if decision.Reason != ReasonMaxConcurrency {
				t.Errorf("unexpected denial reason: %q", decision.Reason)
			}
		}()
	}
	wg.Wait()
	close(granted)

	if got := len(granted); got > 3 {
		t.Fatalf("expected at most 3 grants, got %d", got)
	}

	inflight, _ := store.GetInt(context.Background(), g.inflightKey())
	if inflight != int64(len(granted)) {
		t.Fatalf("denied calls leaked into the counter: inflight=%d granted=%d", inflight, len(granted))
	}
}

func TestBudgetHardStop(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(newMemoryCounterStore(), Config{DailyBudgetUSD: 10})

	if err := g.RecordSpend(context.Background(), 10.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	decision, err := g.CheckAndReserve(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial once budget is reached")
	}
	if decision.Reason != ReasonDailyBudget {
		t.Fatalf("expected daily budget reason, got %q", decision.Reason)
	}
	if decision.DailySpentUSD < decision.DailyBudgetUSD {
		t.Fatalf("expected spent >= budget, got %+v", decision)
	}
}

func TestBudgetDenialLeavesConcurrencyUntouched(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore()
	g := newTestGovernor(store, Config{DailyBudgetUSD: 1})

	if err := g.RecordSpend(context.Background(), 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := g.CheckAndReserve(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inflight, _ := store.GetInt(context.Background(), g.inflightKey())
	if inflight != 0 {
		t.Fatalf("budget denial must not touch the concurrency counter, got %d", inflight)
	}
}

func TestCheckIsReadOnly(t *testing.T) {
	t.Parallel()

	store := newMemoryCounterStore()
	g := newTestGovernor(store, Config{MaxConcurrent: 1})

	decision, err := g.Check(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed, got %+v", decision)
	}

	inflight, _ := store.GetInt(context.Background(), g.inflightKey())
	if inflight != 0 {
		t.Fatalf("Check must not reserve a slot, got inflight=%d", inflight)
	}
}

func TestReleaseFreesSlotForNextCaller(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(newMemoryCounterStore(), Config{MaxConcurrent: 1})
	ctx := context.Background()

	first, _ := g.CheckAndReserve(ctx)
	if !first.Allowed {
		t.Fatalf("expected first reservation to succeed: %+v", first)
	}

	second, _ := g.CheckAndReserve(ctx)
	if second.Allowed {
		t.Fatal("expected second reservation to be denied")
	}

	g.Release(ctx)

	third, _ := g.CheckAndReserve(ctx)
	if !third.Allowed {
		t.Fatalf("expected reservation after release to succeed: %+v", third)
	}
}

func TestBudgetKeyUsesUTCDay(t *testing.T) {
	t.Parallel()

	g := newTestGovernor(newMemoryCounterStore(), Config{KeyPrefix: "test"})
	g.now = func() time.Time {
		return time.Date(2026, 8, 30, 23, 30, 0, 0, time.FixedZone("UTC+3", 3*3600))
	}

	if got, want := g.budgetKey(), "test:budget:2026-08-30"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
