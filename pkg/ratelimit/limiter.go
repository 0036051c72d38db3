package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Лимитер запросов к API площадок.
//
// Каждая площадка получает собственный бюджет на окно:
//   - PolicyCount: фиксированное число запросов за окно (каждый запрос = 1)
//   - PolicyWeight: бюджет веса за окно (запрос стоит объявленный вес)
//
// Поверх окна работает token bucket (golang.org/x/time/rate) с ёмкостью Burst:
// он ограничивает кратковременные всплески внутри окна.
//
// Acquire никогда не блокирует: либо запрос разрешён и бюджет списан,
// либо сразу возвращается *RateLimitedError с рекомендуемой паузой.
//
// Использование:
//
//	reg := NewRegistry()
//	reg.Register("aster", Config{Policy: PolicyWeight, Window: time.Minute, Capacity: 1200, Burst: 100})
//	if err := reg.Acquire("aster", 5); err != nil { ... }

// Policy - способ учёта стоимости запроса
type Policy string

const (
	PolicyCount  Policy = "count"
	PolicyWeight Policy = "weight"
)

// ============================================================
// Ошибки
// ============================================================

var (
	// ErrRateLimited - бюджет временно исчерпан
	ErrRateLimited = errors.New("rate limited")

	// ErrCostExceedsBudget - запрос дороже, чем бюджет вообще допускает
	ErrCostExceedsBudget = errors.New("request cost exceeds budget")

	// ErrUnknownVenue - для площадки не зарегистрирован бюджет
	ErrUnknownVenue = errors.New("no rate limit budget for venue")
)

// RateLimitedError - отказ с рекомендуемым временем повтора
type RateLimitedError struct {
	Venue      string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: rate limited, retry after %s", e.Venue, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// ============================================================
// Конфигурация
// ============================================================

// Config - бюджет одной площадки
type Config struct {
	Policy   Policy
	Window   time.Duration
	Capacity int // запросов или единиц веса за окно
	Burst    int // ёмкость token bucket; <= 0 - без ограничения всплесков
}

func (c Config) validate() error {
	if c.Policy != PolicyCount && c.Policy != PolicyWeight {
		return fmt.Errorf("unknown rate limit policy %q", c.Policy)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", c.Window)
	}
	if c.Capacity <= 0 {
		return fmt.Errorf("rate limit capacity must be positive, got %d", c.Capacity)
	}
	return nil
}

// Budget - состояние бюджета площадки на момент снимка
type Budget struct {
	Venue       string
	Policy      Policy
	Window      time.Duration
	Capacity    int
	Burst       int
	Consumed    int
	WindowStart time.Time
}

// Remaining - сколько осталось в текущем окне
func (b Budget) Remaining() int {
	if r := b.Capacity - b.Consumed; r > 0 {
		return r
	}
	return 0
}

// ============================================================
// Бюджет площадки
// ============================================================

type budget struct {
	venue string
	cfg   Config
	now   func() time.Time

	mu          sync.Mutex
	consumed    int
	windowStart time.Time
	bucket      *rate.Limiter // nil если Burst <= 0
}

func newBudget(venue string, cfg Config, now func() time.Time) *budget {
	b := &budget{
		venue:       venue,
		cfg:         cfg,
		now:         now,
		windowStart: now(),
	}
	if cfg.Burst > 0 {
		perSecond := float64(cfg.Capacity) / cfg.Window.Seconds()
		b.bucket = rate.NewLimiter(rate.Limit(perSecond), cfg.Burst)
	}
	return b
}

func (b *budget) cost(weight int) int {
	if b.cfg.Policy == PolicyCount || weight < 1 {
		return 1
	}
	return weight
}

// roll сбрасывает счётчик, если окно истекло.
// Вызывается под lock'ом
func (b *budget) roll(now time.Time) {
	if elapsed := now.Sub(b.windowStart); elapsed >= b.cfg.Window {
		// выравниваем начало окна, чтобы окна не "плыли"
		periods := elapsed / b.cfg.Window
		b.windowStart = b.windowStart.Add(periods * b.cfg.Window)
		b.consumed = 0
	}
}

func (b *budget) acquire(weight int) error {
	cost := b.cost(weight)
	if cost > b.cfg.Capacity || (b.bucket != nil && cost > b.cfg.Burst) {
		return fmt.Errorf("%s: cost %d: %w", b.venue, cost, ErrCostExceedsBudget)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.roll(now)

	// 1. Окно
	if b.consumed+cost > b.cfg.Capacity {
		return &RateLimitedError{
			Venue:      b.venue,
			RetryAfter: b.windowStart.Add(b.cfg.Window).Sub(now),
		}
	}

	// 2. Всплески
	if b.bucket != nil {
		r := b.bucket.ReserveN(now, cost)
		if !r.OK() {
			return fmt.Errorf("%s: cost %d: %w", b.venue, cost, ErrCostExceedsBudget)
		}
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return &RateLimitedError{Venue: b.venue, RetryAfter: delay}
		}
	}

	b.consumed += cost
	return nil
}

func (b *budget) snapshot() Budget {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roll(b.now())
	return Budget{
		Venue:       b.venue,
		Policy:      b.cfg.Policy,
		Window:      b.cfg.Window,
		Capacity:    b.cfg.Capacity,
		Burst:       b.cfg.Burst,
		Consumed:    b.consumed,
		WindowStart: b.windowStart,
	}
}

// ============================================================
// Registry
// ============================================================

// Registry - набор бюджетов по площадкам.
// Каждый бюджет защищён собственным mutex, общий lock берётся только на чтение карты.
type Registry struct {
	mu      sync.RWMutex
	budgets map[string]*budget
	now     func() time.Time

	// OnDecision вызывается после каждого решения (для метрик)
	onDecision func(venue string, granted bool)
}

// Option - опция Registry
type Option func(*Registry)

// WithClock подменяет источник времени (для тестов)
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithObserver подключает наблюдателя решений
func WithObserver(fn func(venue string, granted bool)) Option {
	return func(r *Registry) { r.onDecision = fn }
}

// NewRegistry создаёт пустой реестр
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		budgets: make(map[string]*budget),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register добавляет или заменяет бюджет площадки
func (r *Registry) Register(venue string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("%s: %w", venue, err)
	}
	r.mu.Lock()
	r.budgets[venue] = newBudget(venue, cfg, r.now)
	r.mu.Unlock()
	return nil
}

// Acquire списывает стоимость запроса или возвращает ошибку без ожидания.
// Для PolicyCount вес игнорируется.
func (r *Registry) Acquire(venue string, weight int) error {
	r.mu.RLock()
	b, ok := r.budgets[venue]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", venue, ErrUnknownVenue)
	}

	err := b.acquire(weight)
	if r.onDecision != nil {
		r.onDecision(venue, err == nil)
	}
	return err
}

// Snapshot возвращает текущее состояние бюджета
func (r *Registry) Snapshot(venue string) (Budget, bool) {
	r.mu.RLock()
	b, ok := r.budgets[venue]
	r.mu.RUnlock()
	if !ok {
		return Budget{}, false
	}
	return b.snapshot(), true
}

// Venues возвращает список зарегистрированных площадок
func (r *Registry) Venues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.budgets))
	for v := range r.budgets {
		out = append(out, v)
	}
	return out
}
