package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"venuewatch/internal/exchange"
	"venuewatch/internal/metrics"
	"venuewatch/internal/models"
	"venuewatch/internal/notify"
	"venuewatch/internal/stream"
	"venuewatch/pkg/crypto"
	"venuewatch/pkg/retry"
	"venuewatch/pkg/utils"
)

// State - состояние гарда
type State string

const (
	StateActive           State = "ACTIVE"
	StateEmergencyStopped State = "EMERGENCY_STOPPED"
)

// Basis - база расчёта просадки
type Basis string

const (
	BasisHighWaterMark Basis = "high_water_mark"
	BasisFixedCapital  Basis = "fixed_capital"
)

// Вид нарушения
const (
	BreachDailyLoss = "daily_loss"
	BreachDrawdown  = "drawdown"
)

// ErrUnauthorizedReset - токен сброса не совпал с хешем из конфигурации
var ErrUnauthorizedReset = errors.New("unauthorized risk reset")

var hundred = decimal.NewFromInt(100)

// DefaultQuoteAssets - активы, из которых складывается equity
var DefaultQuoteAssets = []string{"USDT", "USDC", "USD", "FDUSD", "BUSD"}

// Config - параметры риск-гарда
type Config struct {
	Enabled            bool
	DailyLossLimit     decimal.Decimal // положительное число, 0 - без лимита
	MaxDrawdownPercent decimal.Decimal // 0 - без лимита
	DrawdownBasis      Basis
	FixedCapital       decimal.Decimal
	EquityPollInterval time.Duration
	ResetTokenHash     string // bcrypt
	CancelRetry        retry.Config
	CancelTimeout      time.Duration
	PollTimeout        time.Duration
	QuoteAssets        []string
}

// DefaultConfig - значения по умолчанию
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		DrawdownBasis:      BasisHighWaterMark,
		EquityPollInterval: 30 * time.Second,
		CancelRetry:        retry.CriticalConfig(),
		CancelTimeout:      2 * time.Minute,
		PollTimeout:        10 * time.Second,
		QuoteAssets:        DefaultQuoteAssets,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DrawdownBasis == "" {
		c.DrawdownBasis = d.DrawdownBasis
	}
	if c.EquityPollInterval <= 0 {
		c.EquityPollInterval = d.EquityPollInterval
	}
	if c.CancelRetry.MaxAttempts == 0 && c.CancelRetry.InitialDelay == 0 {
		c.CancelRetry = d.CancelRetry
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = d.CancelTimeout
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if len(c.QuoteAssets) == 0 {
		c.QuoteAssets = d.QuoteAssets
	}
	return c
}

// Venue - то, что гарду нужно от адаптера. *exchange.Guarded подходит.
type Venue interface {
	Key() models.VenueKey
	GetBalances(ctx context.Context) ([]models.Balance, error)
	GetPositions(ctx context.Context) ([]models.Position, error)
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
}

// Status - снимок состояния гарда
type Status struct {
	State              State             `json:"state"`
	Enabled            bool              `json:"enabled"`
	DailyPnL           decimal.Decimal   `json:"daily_pnl"`
	DailyLossLimit     decimal.Decimal   `json:"daily_loss_limit"`
	Equity             decimal.Decimal   `json:"equity"`
	HighWaterMark      decimal.Decimal   `json:"high_water_mark"`
	DrawdownPercent    decimal.Decimal   `json:"drawdown_percent"`
	MaxDrawdownPercent decimal.Decimal   `json:"max_drawdown_percent"`
	Basis              Basis             `json:"drawdown_basis"`
	StopReason         string            `json:"stop_reason,omitempty"`
	StoppedAt          *time.Time        `json:"stopped_at,omitempty"`
	DayStart           time.Time         `json:"day_start"`
	Venues             []models.VenueKey `json:"venues"`
}

// account - учёт одного VenueKey
type account struct {
	// сумма котируемых активов; при includes уже содержит unrealized
	quote      decimal.Decimal
	unrealized decimal.Decimal
	includes   bool
	// equity на начало дня
	base  decimal.Decimal
	based bool
}

func (a *account) equity() decimal.Decimal {
	if a.includes {
		return a.quote
	}
	return a.quote.Add(a.unrealized)
}

// Guard - риск-гард: дневной убыток, просадка, аварийная остановка.
// Реализует exchange.OrderGate.
type Guard struct {
	cfg    Config
	sink   notify.Sink
	log    *utils.Logger
	now    func() time.Time
	quotes map[string]struct{}

	mu        sync.Mutex
	state     State
	reason    string
	stoppedAt *time.Time
	dayStart  time.Time
	hwm       decimal.Decimal
	accounts  map[models.VenueKey]*account
	venues    map[models.VenueKey]Venue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	subMu sync.Mutex
	subs  []stream.Unsubscriber
	hooks []func(Status)
}

// NewGuard создаёт гард. sink может быть nil.
func NewGuard(cfg Config, sink notify.Sink, log *utils.Logger) *Guard {
	cfg = cfg.withDefaults()
	quotes := make(map[string]struct{}, len(cfg.QuoteAssets))
	for _, a := range cfg.QuoteAssets {
		quotes[strings.ToUpper(a)] = struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Guard{
		cfg:      cfg,
		sink:     sink,
		log:      utils.OrGlobal(log).WithComponent("risk"),
		now:      time.Now,
		quotes:   quotes,
		state:    StateActive,
		accounts: make(map[models.VenueKey]*account),
		venues:   make(map[models.VenueKey]Venue),
		ctx:      ctx,
		cancel:   cancel,
	}
	g.dayStart = utils.DayStartUTC(g.now())
	return g
}

// Register добавляет площадку для опроса equity и аварийной отмены
func (g *Guard) Register(v Venue) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := v.Key()
	g.venues[key] = v
	g.accountLocked(key)
}

func (g *Guard) accountLocked(key models.VenueKey) *account {
	a, ok := g.accounts[key]
	if !ok {
		a = &account{includes: exchange.BalanceIncludesUnrealized(key)}
		g.accounts[key] = a
	}
	return a
}

// ============================================================
// OrderGate
// ============================================================

// AllowOrder блокирует ордера в состоянии EMERGENCY_STOPPED
func (g *Guard) AllowOrder(_ context.Context, _ models.VenueKey, _ models.OrderRequest) error {
	if !g.cfg.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateEmergencyStopped {
		return fmt.Errorf("%w: %s", exchange.ErrEmergencyStopped, g.reason)
	}
	return nil
}

// ============================================================
// Обновления
// ============================================================

// OnBalances принимает полный набор балансов ключа
func (g *Guard) OnBalances(key models.VenueKey, bs []models.Balance) {
	total := decimal.Zero
	for _, b := range bs {
		if _, ok := g.quotes[strings.ToUpper(b.Asset)]; ok {
			total = total.Add(b.Total)
		}
	}

	g.mu.Lock()
	a := g.accountLocked(key)
	a.quote = total
	if !a.based {
		a.base = a.equity()
		a.based = true
	}
	g.mu.Unlock()

	g.check()
}

// OnPositions принимает полный набор позиций ключа
func (g *Guard) OnPositions(key models.VenueKey, ps []models.Position) {
	unr := decimal.Zero
	for _, p := range ps {
		if p.IsOpen() {
			unr = unr.Add(p.UnrealizedPnL)
		}
	}

	g.mu.Lock()
	g.accountLocked(key).unrealized = unr
	g.mu.Unlock()

	g.check()
}

// check пересчитывает показатели и останавливает торговлю при нарушении
func (g *Guard) check() {
	now := g.now()

	g.mu.Lock()
	g.rollLocked(now)
	daily, equity, dd := g.figuresLocked()
	if equity.GreaterThan(g.hwm) {
		g.hwm = equity
		dd = g.drawdownLocked(equity)
	}

	var breach, reason string
	if g.cfg.Enabled && g.state == StateActive {
		switch {
		case g.cfg.DailyLossLimit.IsPositive() && daily.LessThanOrEqual(g.cfg.DailyLossLimit.Neg()):
			breach = BreachDailyLoss
			reason = fmt.Sprintf("daily loss %s reached limit %s", daily.StringFixed(2), g.cfg.DailyLossLimit.String())
		case g.cfg.MaxDrawdownPercent.IsPositive() && dd.GreaterThanOrEqual(g.cfg.MaxDrawdownPercent):
			breach = BreachDrawdown
			reason = fmt.Sprintf("drawdown %s%% reached limit %s%%", dd.StringFixed(2), g.cfg.MaxDrawdownPercent.String())
		}
	}
	if breach != "" {
		t := now.UTC()
		g.state = StateEmergencyStopped
		g.reason = reason
		g.stoppedAt = &t
	}
	stopped := g.state == StateEmergencyStopped
	g.mu.Unlock()

	metrics.UpdateRisk(stopped, daily.InexactFloat64(), dd.InexactFloat64())

	if breach != "" {
		g.emitStatus()
		metrics.RiskEmergencyStops.WithLabelValues(breach).Inc()
		g.log.Error("EMERGENCY STOP",
			utils.String("breach", breach),
			utils.String("reason", reason),
			utils.PNL(daily),
			utils.String("drawdown_pct", dd.StringFixed(2)))
		g.wg.Add(1)
		go g.emergency(reason, daily, dd)
	}
}

// rollLocked переносит начало дня на полночь UTC и фиксирует новую базу
func (g *Guard) rollLocked(now time.Time) {
	if utils.SameDayUTC(now, g.dayStart) || now.Before(g.dayStart) {
		return
	}
	g.dayStart = utils.DayStartUTC(now)
	for _, a := range g.accounts {
		if a.based {
			a.base = a.equity()
		}
	}
	g.log.Info("daily P&L reset", utils.String("day_start", g.dayStart.Format(time.RFC3339)))
}

func (g *Guard) figuresLocked() (daily, equity, dd decimal.Decimal) {
	for _, a := range g.accounts {
		if !a.based {
			continue
		}
		eq := a.equity()
		equity = equity.Add(eq)
		daily = daily.Add(eq.Sub(a.base))
	}
	return daily, equity, g.drawdownLocked(equity)
}

func (g *Guard) drawdownLocked(equity decimal.Decimal) decimal.Decimal {
	base := g.hwm
	if g.cfg.DrawdownBasis == BasisFixedCapital {
		base = g.cfg.FixedCapital
	}
	if !base.IsPositive() {
		return decimal.Zero
	}
	dd := base.Sub(equity).Div(base).Mul(hundred)
	if dd.IsNegative() {
		return decimal.Zero
	}
	return dd.Round(4)
}

// ============================================================
// Аварийная остановка
// ============================================================

func (g *Guard) emergency(reason string, daily, dd decimal.Decimal) {
	defer g.wg.Done()

	// отмена не зависит от остановки гарда: Close дожидается её
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CancelTimeout)
	defer cancel()

	g.notify(ctx, models.Notification{
		Type:     models.NotificationTypeEmergencyStop,
		Severity: models.SeverityCritical,
		Message:  "Emergency stop: " + reason,
		Meta: map[string]interface{}{
			"daily_pnl":        daily.String(),
			"drawdown_percent": dd.String(),
		},
	})

	g.CancelAll(ctx)
}

// CancelAll отменяет открытые ордера на всех площадках с повторами
func (g *Guard) CancelAll(ctx context.Context) {
	venues := g.registered()

	var wg sync.WaitGroup
	for _, v := range venues {
		wg.Add(1)
		go func(v Venue) {
			defer wg.Done()
			g.cancelVenue(ctx, v)
		}(v)
	}
	wg.Wait()
}

func (g *Guard) cancelVenue(ctx context.Context, v Venue) {
	key := v.Key()
	log := g.log.With(utils.Venue(key.Venue), utils.Market(string(key.Market)))

	cfg := g.cfg.CancelRetry
	cfg.RetryIf = func(err error) bool {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return !errors.Is(err, exchange.ErrAuthentication)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.RiskCancelAttempts.WithLabelValues(key.Venue, "retry").Inc()
		log.Warn("emergency cancel failed, retrying",
			utils.Int("attempt", attempt), utils.Err(err), utils.Duration("delay", delay))
	}

	n, err := retry.DoWithResult(ctx, func() (int, error) {
		return v.CancelAllOrders(ctx, "")
	}, cfg)
	if err != nil {
		metrics.RiskCancelAttempts.WithLabelValues(key.Venue, "failed").Inc()
		log.Error("emergency cancel gave up", utils.Err(err))
		return
	}
	metrics.RiskCancelAttempts.WithLabelValues(key.Venue, "ok").Inc()
	log.Info("emergency cancel done", utils.Int("cancelled", n))
}

func (g *Guard) registered() []Venue {
	g.mu.Lock()
	out := make([]Venue, 0, len(g.venues))
	for _, v := range g.venues {
		out = append(out, v)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out
}

func (g *Guard) notify(ctx context.Context, n models.Notification) {
	if g.sink == nil {
		return
	}
	n.ID = uuid.NewString()
	n.Timestamp = g.now().UTC()
	if err := g.sink.Notify(ctx, n); err != nil {
		g.log.Warn("risk notification failed", utils.Err(err))
	}
}

// ============================================================
// Сброс
// ============================================================

// Reset снимает аварийную остановку. Токен сверяется с bcrypt-хешем.
// HWM переносится на текущий equity, rebaseDaily обнуляет дневной P&L.
func (g *Guard) Reset(ctx context.Context, operator, token string, rebaseDaily bool) error {
	if g.cfg.ResetTokenHash == "" {
		g.log.Warn("risk reset rejected: no reset token configured", utils.String("operator", operator))
		return ErrUnauthorizedReset
	}
	if err := crypto.VerifyToken(token, g.cfg.ResetTokenHash); err != nil {
		g.log.Warn("risk reset rejected", utils.String("operator", operator), utils.Err(err))
		return ErrUnauthorizedReset
	}

	g.mu.Lock()
	was := g.state
	g.state = StateActive
	g.reason = ""
	g.stoppedAt = nil
	if rebaseDaily {
		for _, a := range g.accounts {
			if a.based {
				a.base = a.equity()
			}
		}
	}
	daily, equity, _ := g.figuresLocked()
	g.hwm = equity
	dd := g.drawdownLocked(equity)
	g.mu.Unlock()

	metrics.UpdateRisk(false, daily.InexactFloat64(), dd.InexactFloat64())
	g.log.Warn("risk guard reset",
		utils.String("operator", operator),
		utils.String("previous_state", string(was)),
		utils.Bool("rebase_daily", rebaseDaily))

	g.emitStatus()
	g.notify(ctx, models.Notification{
		Type:     models.NotificationTypeRiskReset,
		Severity: models.SeverityWarn,
		Message:  fmt.Sprintf("Risk guard reset by %s", operator),
		Meta: map[string]interface{}{
			"operator":     operator,
			"rebase_daily": rebaseDaily,
			"equity":       equity.String(),
		},
	})
	return nil
}

// Status возвращает снимок состояния
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	daily, equity, dd := g.figuresLocked()
	s := Status{
		State:              g.state,
		Enabled:            g.cfg.Enabled,
		DailyPnL:           daily,
		DailyLossLimit:     g.cfg.DailyLossLimit,
		Equity:             equity,
		HighWaterMark:      g.hwm,
		DrawdownPercent:    dd,
		MaxDrawdownPercent: g.cfg.MaxDrawdownPercent,
		Basis:              g.cfg.DrawdownBasis,
		StopReason:         g.reason,
		DayStart:           g.dayStart,
	}
	if g.stoppedAt != nil {
		t := *g.stoppedAt
		s.StoppedAt = &t
	}
	for k := range g.venues {
		s.Venues = append(s.Venues, k)
	}
	sort.Slice(s.Venues, func(i, j int) bool { return s.Venues[i].String() < s.Venues[j].String() })
	return s
}

// OnStatus добавляет обработчик смены состояния (остановка, сброс).
// Вызывается синхронно, не должен блокироваться.
func (g *Guard) OnStatus(fn func(Status)) {
	g.subMu.Lock()
	g.hooks = append(g.hooks, fn)
	g.subMu.Unlock()
}

func (g *Guard) emitStatus() {
	g.subMu.Lock()
	hooks := append([]func(Status){}, g.hooks...)
	g.subMu.Unlock()
	if len(hooks) == 0 {
		return
	}
	st := g.Status()
	for _, fn := range hooks {
		fn(st)
	}
}

// Stopped - торговля остановлена
func (g *Guard) Stopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateEmergencyStopped
}
