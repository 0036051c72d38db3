package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

var (
	ErrNotRegistered = errors.New("stream connection not registered")
	ErrClosed        = errors.New("stream manager closed")
)

// Config - параметры соединений
type Config struct {
	HeartbeatTimeout time.Duration // нет кадров дольше - переподключение
	PingInterval     time.Duration
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	StableAfter      time.Duration // после такого времени в STREAMING backoff сбрасывается
	MailboxSize      int
}

// DefaultConfig - значения по умолчанию
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 30 * time.Second,
		PingInterval:     15 * time.Second,
		DialTimeout:      10 * time.Second,
		WriteTimeout:     5 * time.Second,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		StableAfter:      30 * time.Second,
		MailboxSize:      256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = d.MaxBackoff
		if c.MaxBackoff < c.InitialBackoff {
			c.MaxBackoff = c.InitialBackoff
		}
	}
	if c.StableAfter <= 0 {
		c.StableAfter = d.StableAfter
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	return c
}

// StatusFunc - уведомление о смене состояния соединения.
// Вызывается из горутины соединения, не должна блокироваться.
type StatusFunc func(key models.VenueKey, state State, cause error)

// ConnStatus - состояние соединения для API
type ConnStatus struct {
	Venue  string            `json:"venue"`
	Market models.MarketType `json:"market"`
	State  string            `json:"state"`
	Topics []string          `json:"topics"`
}

// Manager - соединения по VenueKey и подписки на них
type Manager struct {
	cfg   Config
	cache *Cache
	log   *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	conns   map[models.VenueKey]*Connection
	symbols map[models.VenueKey]*exchange.SymbolTable
	closed  bool

	hooksMu sync.RWMutex
	hooks   []StatusFunc

	nextID atomic.Uint64
}

func NewManager(cfg Config, log *utils.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg.withDefaults(),
		cache:   NewCache(),
		log:     utils.OrGlobal(log).WithComponent("stream"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[models.VenueKey]*Connection),
		symbols: make(map[models.VenueKey]*exchange.SymbolTable),
	}
}

// Cache - кэш последних состояний
func (m *Manager) Cache() *Cache { return m.cache }

// OnStatus добавляет обработчик смены состояний
func (m *Manager) OnStatus(fn StatusFunc) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.hooksMu.Unlock()
}

func (m *Manager) emitStatus(key models.VenueKey, state State, cause error) {
	m.hooksMu.RLock()
	hooks := append([]StatusFunc(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(key, state, cause)
	}
}

// Register добавляет соединение. Подключение откладывается до первой подписки.
func (m *Manager) Register(key models.VenueKey, codec Codec, symbols *exchange.SymbolTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.conns[key]; ok {
		return fmt.Errorf("stream %s already registered", key)
	}
	log := m.log.WithVenue(key.Venue).With(utils.Market(string(key.Market)))
	m.conns[key] = newConnection(key, codec, m.cfg, m.cache, log, m.emitStatus)
	m.symbols[key] = symbols
	return nil
}

// RegisterAdapter строит кодек площадки по адаптеру и регистрирует соединение
func (m *Manager) RegisterAdapter(a *exchange.Guarded, wsURL string) error {
	codec, err := NewCodec(a, wsURL)
	if err != nil {
		return err
	}
	return m.Register(a.Key(), codec, a.Symbols())
}

// Subscribe подписывает обработчик на топик соединения.
// Символ топика приводится к нормализованному по таблице символов.
func (m *Manager) Subscribe(ctx context.Context, key models.VenueKey, topic Topic, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, errors.New("stream handler is nil")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	conn, ok := m.conns[key]
	symbols := m.symbols[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}

	if topic.Kind != TopicUser {
		sym, err := resolveSymbol(symbols, topic.Symbol)
		if err != nil {
			return nil, err
		}
		topic.Symbol = sym
	} else {
		topic.Symbol = ""
	}

	sub := newSubscriber(m.nextID.Add(1), topic, h, m.cfg.MailboxSize, key.Venue, string(key.Market), conn.log)
	go sub.run()
	if err := conn.add(ctx, sub); err != nil {
		sub.close()
		return nil, err
	}
	m.mu.Lock()
	if !m.closed {
		conn.start(m.ctx, &m.wg)
	}
	m.mu.Unlock()
	return &Subscription{conn: conn, sub: sub}, nil
}

// Unsubscriber - снятие подписки
type Unsubscriber interface {
	Unsubscribe()
}

// Subscriber - то, что компонентам нужно от менеджера потоков
type Subscriber interface {
	ResolveSymbol(key models.VenueKey, symbol string) (string, error)
	SubscribeTopic(ctx context.Context, key models.VenueKey, topic Topic, h Handler) (Unsubscriber, error)
}

// SubscribeTopic - Subscribe за интерфейсом Unsubscriber
func (m *Manager) SubscribeTopic(ctx context.Context, key models.VenueKey, topic Topic, h Handler) (Unsubscriber, error) {
	sub, err := m.Subscribe(ctx, key, topic, h)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ResolveSymbol приводит символ к каноническому виду площадки
func (m *Manager) ResolveSymbol(key models.VenueKey, symbol string) (string, error) {
	m.mu.Lock()
	symbols, ok := m.symbols[key]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	return resolveSymbol(symbols, symbol)
}

func resolveSymbol(symbols *exchange.SymbolTable, symbol string) (string, error) {
	if symbols == nil {
		return "", fmt.Errorf("%w: %s", exchange.ErrInvalidSymbol, symbol)
	}
	info, ok := symbols.Resolve(symbol)
	if !ok {
		return "", fmt.Errorf("%w: %s", exchange.ErrInvalidSymbol, symbol)
	}
	return info.Symbol, nil
}

// States - состояния всех соединений
func (m *Manager) States() []ConnStatus {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]ConnStatus, 0, len(conns))
	for _, c := range conns {
		topics := c.Topics()
		names := make([]string, len(topics))
		for i, t := range topics {
			names[i] = t.String()
		}
		out = append(out, ConnStatus{
			Venue:  c.key.Venue,
			Market: c.key.Market,
			State:  c.State().String(),
			Topics: names,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Venue != out[j].Venue {
			return out[i].Venue < out[j].Venue
		}
		return out[i].Market < out[j].Market
	})
	return out
}

// Close закрывает все соединения и останавливает подписчиков
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	for _, c := range conns {
		c.closeSubscribers()
	}
	m.log.Info("stream manager stopped")
}

// ============================================================
// Subscription
// ============================================================

// Subscription - дескриптор подписки
type Subscription struct {
	conn *Connection
	sub  *subscriber
	once sync.Once
}

func (s *Subscription) Topic() Topic          { return s.sub.topic }
func (s *Subscription) Key() models.VenueKey  { return s.conn.key }
func (s *Subscription) Done() <-chan struct{} { return s.sub.done }

// Stalls - сколько событий ждали места в ящике подписки
func (s *Subscription) Stalls() int64 { return s.sub.Stalls() }

// Unsubscribe: после возврата новых вызовов обработчика не будет
// (кроме уже выполняющегося). Повторный вызов безопасен.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.conn.remove(s.sub) })
}
