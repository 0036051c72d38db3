// Package alert - правила мониторинга цены, фандинга, позиций и индикаторов.
//
// Engine держит таблицу алертов, одну подписку потока на топик
// (независимо от числа алертов на нём) и по одному опросчику фандинга
// на VenueMarket. Каждое событие оценивает все алерты своего топика
// только по данным события.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"venuewatch/internal/exchange"
	"venuewatch/internal/metrics"
	"venuewatch/internal/models"
	"venuewatch/internal/notify"
	"venuewatch/internal/stream"
	"venuewatch/pkg/utils"
)

var (
	ErrLimitReached = errors.New("alert limit reached")
	ErrNotFound     = errors.New("alert not found")
)

// Config - параметры движка
type Config struct {
	MaxAlertsPerOwner   int
	FundingPollInterval time.Duration
	// Cooldowns - значения по умолчанию для видов, если при создании не задано
	Cooldowns map[models.AlertKind]time.Duration
	// EqualsTolerance - допуск equals как доля от порога
	EqualsTolerance decimal.Decimal
	NotifyTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAlertsPerOwner:   20,
		FundingPollInterval: 60 * time.Second,
		Cooldowns: map[models.AlertKind]time.Duration{
			models.AlertPrice:     0,
			models.AlertIndicator: 0,
			models.AlertPosition:  5 * time.Minute,
			models.AlertFunding:   time.Hour,
		},
		EqualsTolerance: decimal.RequireFromString("0.0005"),
		NotifyTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAlertsPerOwner <= 0 {
		c.MaxAlertsPerOwner = d.MaxAlertsPerOwner
	}
	if c.FundingPollInterval <= 0 {
		c.FundingPollInterval = d.FundingPollInterval
	}
	if c.Cooldowns == nil {
		c.Cooldowns = d.Cooldowns
	}
	if !c.EqualsTolerance.IsPositive() {
		c.EqualsTolerance = d.EqualsTolerance
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// ============================================================
// Зависимости
// ============================================================

// FundingSource - REST источник ставок фандинга
type FundingSource interface {
	FundingRate(ctx context.Context, vm models.VenueMarket) (models.FundingRate, error)
}

// Store - постоянное хранилище алертов
type Store interface {
	Create(ctx context.Context, a *models.Alert) error
	ListAll(ctx context.Context) ([]*models.Alert, error)
	Delete(ctx context.Context, id string) error
	UpdateState(ctx context.Context, id string, state models.AlertState, lastFiredAt *time.Time) error
}

type poolFunding struct{ pool *exchange.Pool }

// PoolFunding берёт ставки у адаптеров пула
func PoolFunding(p *exchange.Pool) FundingSource { return poolFunding{pool: p} }

func (f poolFunding) FundingRate(ctx context.Context, vm models.VenueMarket) (models.FundingRate, error) {
	a, ok := f.pool.Get(vm.Key())
	if !ok {
		return models.FundingRate{}, fmt.Errorf("no adapter for %s", vm.Key())
	}
	return a.GetFundingRate(ctx, vm.Symbol)
}

// ============================================================
// Движок
// ============================================================

type entry struct {
	alert models.Alert
	sma   *smaWindow
}

type topicKey struct {
	key   models.VenueKey
	topic stream.Topic
}

type topicSub struct {
	sub    stream.Unsubscriber
	alerts map[string]struct{}
}

type sampleKey struct {
	vm     models.VenueMarket
	source string
}

// Источники значений
const (
	sourceTicker   = "ticker"
	sourcePosition = "position"
	sourceFunding  = "funding"
)

type firing struct {
	alert models.Alert
	value decimal.Decimal
	at    time.Time
}

type Engine struct {
	cfg     Config
	streams stream.Subscriber
	funding FundingSource
	store   Store
	sink    notify.Sink
	log     *utils.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// subMu сериализует изменения набора алертов, подписок и опросчиков
	subMu   sync.Mutex
	topics  map[topicKey]*topicSub
	pollers map[models.VenueMarket]*poller

	// mu - таблица алертов, её читает оценка событий
	mu       sync.Mutex
	alerts   map[string]*entry
	lastSeen map[sampleKey]time.Time
}

// NewEngine создаёт движок. store и funding могут быть nil
// (без хранения и без фандинг-алертов соответственно).
func NewEngine(cfg Config, streams stream.Subscriber, funding FundingSource, store Store, sink notify.Sink, log *utils.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg.withDefaults(),
		streams:  streams,
		funding:  funding,
		store:    store,
		sink:     sink,
		log:      utils.OrGlobal(log).WithComponent("alert"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[topicKey]*topicSub),
		pollers:  make(map[models.VenueMarket]*poller),
		alerts:   make(map[string]*entry),
		lastSeen: make(map[sampleKey]time.Time),
	}
}

// DefaultCooldown - cooldown вида по умолчанию
func (e *Engine) DefaultCooldown(kind models.AlertKind) time.Duration {
	return e.cfg.Cooldowns[kind]
}

// Start загружает сохранённые алерты и подписывается на их топики
func (e *Engine) Start(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	stored, err := e.store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("load alerts: %w", err)
	}

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, a := range stored {
		ent := newEntry(*a)
		e.mu.Lock()
		e.alerts[a.ID] = ent
		e.mu.Unlock()
		if err := e.attach(ctx, ent.alert); err != nil {
			e.log.Warn("alert is loaded but not watched",
				utils.AlertID(a.ID),
				utils.String("target", a.VenueMarket.String()),
				utils.Err(err),
			)
		}
	}
	e.updateGauge()
	e.log.Info("alerts loaded", utils.Int("count", len(stored)))
	return nil
}

// Close останавливает опросчики и снимает подписки
func (e *Engine) Close() {
	e.cancel()
	e.subMu.Lock()
	for k, ts := range e.topics {
		ts.sub.Unsubscribe()
		delete(e.topics, k)
	}
	for vm, p := range e.pollers {
		p.cancel()
		delete(e.pollers, vm)
	}
	e.subMu.Unlock()
	e.wg.Wait()
}

func newEntry(a models.Alert) *entry {
	ent := &entry{alert: a}
	if a.Condition.Field == "sma" && a.Condition.Period > 1 {
		ent.sma = newSMA(a.Condition.Period)
	}
	return ent
}

// ============================================================
// CRUD
// ============================================================

// Create проверяет, сохраняет и начинает отслеживать алерт.
// Cooldown берётся как есть; значения по умолчанию - DefaultCooldown.
func (e *Engine) Create(ctx context.Context, a models.Alert) (models.Alert, error) {
	if a.Trigger == "" {
		a.Trigger = models.DefaultTrigger(a.Kind)
	}
	if a.State != models.AlertDisabled {
		a.State = models.AlertArmed
	}
	a.ID = uuid.NewString()
	a.CreatedAt = e.now().UTC()
	a.LastFiredAt = nil
	if err := a.Validate(); err != nil {
		return models.Alert{}, err
	}
	if a.Kind == models.AlertFunding && e.funding == nil {
		return models.Alert{}, fmt.Errorf("%w: funding source is not configured", models.ErrInvalidAlert)
	}

	sym, err := e.streams.ResolveSymbol(a.Key(), a.Symbol)
	if err != nil {
		return models.Alert{}, err
	}
	a.Symbol = sym

	e.subMu.Lock()
	defer e.subMu.Unlock()

	if n := e.countOwner(a.Owner); n >= e.cfg.MaxAlertsPerOwner {
		return models.Alert{}, fmt.Errorf("%w: %d alerts per owner", ErrLimitReached, e.cfg.MaxAlertsPerOwner)
	}
	if e.store != nil {
		if err := e.store.Create(ctx, &a); err != nil {
			return models.Alert{}, fmt.Errorf("save alert: %w", err)
		}
	}
	if err := e.attach(ctx, a); err != nil {
		if e.store != nil {
			if derr := e.store.Delete(ctx, a.ID); derr != nil {
				e.log.Error("failed to roll back alert", utils.AlertID(a.ID), utils.Err(derr))
			}
		}
		return models.Alert{}, err
	}

	e.mu.Lock()
	e.alerts[a.ID] = newEntry(a)
	e.mu.Unlock()
	e.updateGauge()

	e.log.Info("alert created",
		utils.AlertID(a.ID),
		utils.Owner(a.Owner),
		utils.String("target", a.VenueMarket.String()),
		utils.String("condition", a.Condition.String()),
	)
	return a, nil
}

// List - алерты владельца по времени создания; пустой owner - все
func (e *Engine) List(owner string) []models.Alert {
	e.mu.Lock()
	out := make([]models.Alert, 0, len(e.alerts))
	for _, ent := range e.alerts {
		if owner == "" || ent.alert.Owner == owner {
			out = append(out, ent.alert)
		}
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get - алерт владельца; чужой алерт не виден
func (e *Engine) Get(owner, id string) (models.Alert, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.alerts[id]
	if !ok || (owner != "" && ent.alert.Owner != owner) {
		return models.Alert{}, ErrNotFound
	}
	return ent.alert, nil
}

// Delete удаляет алерт и снимает подписку, если он был последним на топике
func (e *Engine) Delete(ctx context.Context, owner, id string) error {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	a, err := e.Get(owner, id)
	if err != nil {
		return err
	}
	if e.store != nil {
		if err := e.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete alert: %w", err)
		}
	}
	e.mu.Lock()
	delete(e.alerts, id)
	e.mu.Unlock()
	e.detach(a)
	e.updateGauge()

	e.log.Info("alert deleted", utils.AlertID(id), utils.Owner(a.Owner))
	return nil
}

// SetEnabled включает (ARMED) или выключает (DISABLED) алерт
func (e *Engine) SetEnabled(ctx context.Context, owner, id string, enabled bool) (models.Alert, error) {
	e.mu.Lock()
	ent, ok := e.alerts[id]
	if !ok || (owner != "" && ent.alert.Owner != owner) {
		e.mu.Unlock()
		return models.Alert{}, ErrNotFound
	}
	switch {
	case enabled && ent.alert.State == models.AlertDisabled:
		ent.alert.State = models.AlertArmed
	case !enabled:
		ent.alert.State = models.AlertDisabled
		if ent.sma != nil {
			ent.sma = newSMA(ent.alert.Condition.Period)
		}
	}
	a := ent.alert
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.UpdateState(ctx, a.ID, a.State, a.LastFiredAt); err != nil {
			return a, fmt.Errorf("update alert state: %w", err)
		}
	}
	e.updateGauge()
	return a, nil
}

func (e *Engine) countOwner(owner string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ent := range e.alerts {
		if ent.alert.Owner == owner {
			n++
		}
	}
	return n
}

func (e *Engine) updateGauge() {
	e.mu.Lock()
	n := 0
	for _, ent := range e.alerts {
		if ent.alert.State != models.AlertDisabled {
			n++
		}
	}
	e.mu.Unlock()
	metrics.ActiveAlerts.Set(float64(n))
}

// ============================================================
// Подписки (под subMu)
// ============================================================

func topicOf(a models.Alert) (topicKey, bool) {
	switch a.Kind {
	case models.AlertPrice, models.AlertIndicator:
		return topicKey{key: a.Key(), topic: stream.TickerTopic(a.Symbol)}, true
	case models.AlertPosition:
		return topicKey{key: a.Key(), topic: stream.UserTopic()}, true
	}
	return topicKey{}, false
}

func (e *Engine) attach(ctx context.Context, a models.Alert) error {
	if a.Kind == models.AlertFunding {
		if e.funding == nil {
			return errors.New("funding source is not configured")
		}
		e.startPoller(a.VenueMarket, a.ID)
		return nil
	}
	tk, ok := topicOf(a)
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", models.ErrInvalidAlert, a.Kind)
	}
	if ts, ok := e.topics[tk]; ok {
		ts.alerts[a.ID] = struct{}{}
		return nil
	}
	sub, err := e.streams.SubscribeTopic(ctx, tk.key, tk.topic, e.handler)
	if err != nil {
		return fmt.Errorf("subscribe %s %s: %w", tk.key, tk.topic, err)
	}
	e.topics[tk] = &topicSub{sub: sub, alerts: map[string]struct{}{a.ID: {}}}
	return nil
}

func (e *Engine) detach(a models.Alert) {
	if a.Kind == models.AlertFunding {
		e.stopPoller(a.VenueMarket, a.ID)
		return
	}
	tk, ok := topicOf(a)
	if !ok {
		return
	}
	ts, ok := e.topics[tk]
	if !ok {
		return
	}
	delete(ts.alerts, a.ID)
	if len(ts.alerts) == 0 {
		ts.sub.Unsubscribe()
		delete(e.topics, tk)
	}
}

// SubscribedTopics - число активных подписок потока
func (e *Engine) SubscribedTopics() int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return len(e.topics)
}

// ============================================================
// Оценка
// ============================================================

func (e *Engine) handler(ev stream.Event) error {
	switch ev.Kind {
	case stream.EventTicker:
		if ev.Ticker != nil {
			e.ObserveTicker(*ev.Ticker)
		}
	case stream.EventPosition:
		e.ObservePositions(ev.Key, ev.Positions, ev.Received)
	}
	return nil
}

// ObserveTicker оценивает алерты цены и индикаторов символа
func (e *Engine) ObserveTicker(t models.Ticker) {
	values := tickerValues(t)
	e.evaluate(t.VenueMarket, sourceTicker, t.Timestamp, func(ent *entry) (decimal.Decimal, bool) {
		a := &ent.alert
		if a.VenueMarket != t.VenueMarket || (a.Kind != models.AlertPrice && a.Kind != models.AlertIndicator) {
			return decimal.Zero, false
		}
		if a.Condition.Field == "sma" {
			last, ok := values["last"]
			if !ok || ent.sma == nil {
				return decimal.Zero, false
			}
			return ent.sma.push(last)
		}
		v, ok := values[a.Condition.Field]
		return v, ok
	})
}

// ObservePositions оценивает алерты позиций ключа
func (e *Engine) ObservePositions(key models.VenueKey, ps []models.Position, at time.Time) {
	vm := models.VenueMarket{Venue: key.Venue, Market: key.Market}
	bySymbol := make(map[string]map[string]decimal.Decimal)
	e.evaluate(vm, sourcePosition, at, func(ent *entry) (decimal.Decimal, bool) {
		a := &ent.alert
		if a.Kind != models.AlertPosition || a.Key() != key {
			return decimal.Zero, false
		}
		values, ok := bySymbol[a.Symbol]
		if !ok {
			values = positionValues(ps, a.Symbol)
			bySymbol[a.Symbol] = values
		}
		v, ok := values[a.Condition.Field]
		return v, ok
	})
}

// ObserveFunding оценивает фандинг-алерты символа
func (e *Engine) ObserveFunding(r models.FundingRate) {
	at := r.Timestamp
	if at.IsZero() {
		at = e.now()
	}
	v := fundingValue(r)
	e.evaluate(r.VenueMarket, sourceFunding, at, func(ent *entry) (decimal.Decimal, bool) {
		a := &ent.alert
		if a.Kind != models.AlertFunding || a.VenueMarket != r.VenueMarket {
			return decimal.Zero, false
		}
		return v, true
	})
}

// evaluate прогоняет автомат по подходящим алертам и рассылает сработавшие.
// Образец старше последнего по тому же VenueMarket и источнику игнорируется.
func (e *Engine) evaluate(vm models.VenueMarket, source string, at time.Time,
	value func(*entry) (decimal.Decimal, bool)) {
	now := e.now()

	e.mu.Lock()
	sk := sampleKey{vm: vm, source: source}
	if last, ok := e.lastSeen[sk]; ok && !at.IsZero() && at.Before(last) {
		e.mu.Unlock()
		return
	}
	if !at.IsZero() {
		e.lastSeen[sk] = at
	}

	var fired []firing
	for _, ent := range e.alerts {
		if ent.alert.State == models.AlertDisabled {
			continue
		}
		v, ok := value(ent)
		if !ok {
			continue
		}
		metrics.AlertEvaluations.WithLabelValues(string(ent.alert.Kind)).Inc()
		if observe(&ent.alert, Holds(ent.alert.Condition, v, e.cfg.EqualsTolerance), now) {
			fired = append(fired, firing{alert: ent.alert, value: v, at: now})
		}
	}
	e.mu.Unlock()

	sort.Slice(fired, func(i, j int) bool { return fired[i].alert.ID < fired[j].alert.ID })
	for _, f := range fired {
		e.fire(f)
	}
}

func (e *Engine) fire(f firing) {
	a := f.alert
	metrics.AlertsFired.WithLabelValues(string(a.Kind)).Inc()

	payload := models.AlertPayload{
		AlertID:   a.ID,
		Owner:     a.Owner,
		Kind:      a.Kind,
		Target:    a.VenueMarket,
		Value:     f.value,
		Condition: a.Condition.String(),
		Timestamp: f.at,
	}
	n := payload.ToNotification(uuid.NewString())
	if a.Note != "" {
		n.Message += " - " + a.Note
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.NotifyTimeout)
	defer cancel()

	log := e.log.WithAlertID(a.ID)
	log.Info("alert fired",
		utils.String("target", a.VenueMarket.String()),
		utils.String("condition", payload.Condition),
		utils.String("value", f.value.String()),
	)
	if e.sink != nil {
		if err := e.sink.Notify(ctx, n); err != nil {
			log.Warn("alert notification failed", utils.Err(err))
		}
	}
	if e.store != nil {
		if err := e.store.UpdateState(ctx, a.ID, a.State, a.LastFiredAt); err != nil {
			log.Warn("failed to persist alert state", utils.Err(err))
		}
	}
}
