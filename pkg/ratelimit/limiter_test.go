package ratelimit

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock - управляемые часы
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(t *testing.T, clock *fakeClock, venue string, cfg Config) *Registry {
	t.Helper()
	reg := NewRegistry(WithClock(clock.Now))
	if err := reg.Register(venue, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

// ============================================================
// Окно
// ============================================================

func TestAcquire_WeightBudgetWindow(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, "aster", Config{Policy: PolicyWeight, Window: time.Minute, Capacity: 10})

	if err := reg.Acquire("aster", 4); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := reg.Acquire("aster", 4); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	clock.Advance(20 * time.Second)
	err := reg.Acquire("aster", 4)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected *RateLimitedError, got %T", err)
	}
	if rl.RetryAfter != 40*time.Second {
		t.Errorf("RetryAfter = %s, want 40s", rl.RetryAfter)
	}

	// Малый запрос ещё помещается
	if err := reg.Acquire("aster", 2); err != nil {
		t.Fatalf("acquire within remaining budget: %v", err)
	}

	clock.Advance(40 * time.Second)
	if err := reg.Acquire("aster", 10); err != nil {
		t.Fatalf("acquire after window reset: %v", err)
	}
}

func TestAcquire_CountPolicyIgnoresWeight(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, "hl", Config{Policy: PolicyCount, Window: time.Minute, Capacity: 3})

	for i := 0; i < 3; i++ {
		if err := reg.Acquire("hl", 50); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := reg.Acquire("hl", 1); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

// ============================================================
// Всплески
// ============================================================

func TestAcquire_BurstCeiling(t *testing.T) {
	clock := newFakeClock()
	// 60 в минуту = 1 в секунду, всплеск 10
	reg := newTestRegistry(t, clock, "hl", Config{Policy: PolicyCount, Window: time.Minute, Capacity: 60, Burst: 10})

	for i := 0; i < 10; i++ {
		if err := reg.Acquire("hl", 1); err != nil {
			t.Fatalf("burst acquire %d: %v", i, err)
		}
	}

	err := reg.Acquire("hl", 1)
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("expected *RateLimitedError, got %v", err)
	}
	if rl.RetryAfter <= 0 || rl.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %s, want (0, 1s]", rl.RetryAfter)
	}

	// Отказ не должен съедать токены
	clock.Advance(time.Second)
	if err := reg.Acquire("hl", 1); err != nil {
		t.Fatalf("acquire after refill: %v", err)
	}
}

func TestAcquire_CostExceedsBudget(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, "aster", Config{Policy: PolicyWeight, Window: time.Minute, Capacity: 100, Burst: 20})

	tests := []struct {
		name   string
		weight int
	}{
		{"больше ёмкости окна", 101},
		{"больше всплеска", 21},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Acquire("aster", tt.weight)
			if !errors.Is(err, ErrCostExceedsBudget) {
				t.Fatalf("expected ErrCostExceedsBudget, got %v", err)
			}
			if errors.Is(err, ErrRateLimited) {
				t.Error("permanent error must not look like rate limiting")
			}
		})
	}
}

func TestAcquire_UnknownVenue(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Acquire("nope", 1); !errors.Is(err, ErrUnknownVenue) {
		t.Fatalf("expected ErrUnknownVenue, got %v", err)
	}
}

// ============================================================
// Свойство: выданное за окно <= capacity + burst
// ============================================================

func TestAcquire_GrantedWithinWindowBounded(t *testing.T) {
	cfg := Config{Policy: PolicyWeight, Window: time.Minute, Capacity: 1200, Burst: 100}
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, "aster", cfg)

	rng := rand.New(rand.NewSource(42))
	windowStart := clock.Now()
	granted := 0

	for i := 0; i < 5000; i++ {
		clock.Advance(time.Duration(rng.Intn(50)) * time.Millisecond)
		if clock.Now().Sub(windowStart) >= cfg.Window {
			windowStart = windowStart.Add(cfg.Window)
			granted = 0
		}
		w := 1 + rng.Intn(20)
		if err := reg.Acquire("aster", w); err == nil {
			granted += w
		}
		if granted > cfg.Capacity+cfg.Burst {
			t.Fatalf("granted %d within one window, limit %d", granted, cfg.Capacity+cfg.Burst)
		}
	}
}

func TestAcquire_Concurrent(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, "aster", Config{Policy: PolicyWeight, Window: time.Minute, Capacity: 500})

	var granted int64
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if reg.Acquire("aster", 3) == nil {
					atomic.AddInt64(&granted, 3)
				}
			}
		}()
	}
	wg.Wait()

	if granted > 500 {
		t.Fatalf("granted %d > capacity 500", granted)
	}
	if granted < 498 {
		t.Errorf("granted %d, budget should be nearly exhausted", granted)
	}
}

// ============================================================
// Снимок и наблюдатель
// ============================================================

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(t, clock, "aster", Config{Policy: PolicyWeight, Window: time.Minute, Capacity: 100, Burst: 50})

	_ = reg.Acquire("aster", 30)
	snap, ok := reg.Snapshot("aster")
	if !ok {
		t.Fatal("snapshot not found")
	}
	if snap.Consumed != 30 || snap.Remaining() != 70 {
		t.Errorf("consumed=%d remaining=%d, want 30/70", snap.Consumed, snap.Remaining())
	}

	clock.Advance(2 * time.Minute)
	snap, _ = reg.Snapshot("aster")
	if snap.Consumed != 0 {
		t.Errorf("consumed after window = %d, want 0", snap.Consumed)
	}

	if _, ok := reg.Snapshot("other"); ok {
		t.Error("unexpected snapshot for unknown venue")
	}
}

func TestObserver(t *testing.T) {
	clock := newFakeClock()
	var grants, denials int
	reg := NewRegistry(WithClock(clock.Now), WithObserver(func(_ string, ok bool) {
		if ok {
			grants++
		} else {
			denials++
		}
	}))
	_ = reg.Register("hl", Config{Policy: PolicyCount, Window: time.Minute, Capacity: 1})

	_ = reg.Acquire("hl", 1)
	_ = reg.Acquire("hl", 1)

	if grants != 1 || denials != 1 {
		t.Errorf("grants=%d denials=%d, want 1/1", grants, denials)
	}
}

func TestRegister_Validation(t *testing.T) {
	reg := NewRegistry()
	bad := []Config{
		{Policy: "leaky", Window: time.Minute, Capacity: 1},
		{Policy: PolicyCount, Window: 0, Capacity: 1},
		{Policy: PolicyWeight, Window: time.Minute, Capacity: 0},
	}
	for _, cfg := range bad {
		if err := reg.Register("x", cfg); err == nil {
			t.Errorf("Register(%+v) should fail", cfg)
		}
	}
}
