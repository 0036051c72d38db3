package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"venuewatch/internal/metrics"
	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

var (
	// ErrConnectionLost - обрыв или истечение heartbeat; наружу не выходит, ведёт к переподключению
	ErrConnectionLost = errors.New("stream connection lost")
	errNotConnected   = errors.New("stream not connected")
)

// Codec переводит топики в кадры площадки и кадры в события
type Codec interface {
	URL() string
	// Subscribe может ходить в REST (listen key), поэтому принимает ctx
	Subscribe(ctx context.Context, topics []Topic) ([][]byte, error)
	Unsubscribe(topics []Topic) ([][]byte, error)
	Decode(frame []byte) ([]Event, error)
	// Ping - прикладной ping площадки, nil если не нужен
	Ping() []byte
}

// KeepAliver - кодеки, которым нужно периодически продлевать сессию (listen key)
type KeepAliver interface {
	KeepAliveInterval() time.Duration
	KeepAlive(ctx context.Context) error
}

// Connection - одно WebSocket соединение на VenueKey
type Connection struct {
	key      models.VenueKey
	codec    Codec
	cfg      Config
	cache    *Cache
	log      *utils.Logger
	dialer   *websocket.Dialer
	onStatus func(models.VenueKey, State, error)

	stateMu sync.Mutex
	state   atomic.Int32

	// subMu упорядочивает подписки/отписки на площадке и повтор подписок
	subMu  sync.Mutex
	mu     sync.RWMutex
	topics map[Topic]map[uint64]*subscriber
	live   bool // повтор подписок выполнен, новые топики отправляются сразу

	writeMu sync.Mutex
	conn    *websocket.Conn

	startOnce sync.Once
	done      chan struct{}
}

func newConnection(key models.VenueKey, codec Codec, cfg Config, cache *Cache, log *utils.Logger,
	onStatus func(models.VenueKey, State, error)) *Connection {
	return &Connection{
		key:      key,
		codec:    codec,
		cfg:      cfg,
		cache:    cache,
		log:      log,
		onStatus: onStatus,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
		topics: make(map[Topic]map[uint64]*subscriber),
		done:   make(chan struct{}),
	}
}

// State - текущее состояние
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Topics - текущий набор топиков
func (c *Connection) Topics() []Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topicsLocked()
}

func (c *Connection) topicsLocked() []Topic {
	out := make([]Topic, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// transition меняет состояние по таблице; недопустимый переход логируется и отклоняется
func (c *Connection) transition(to State, cause error) bool {
	c.stateMu.Lock()
	from := State(c.state.Load())
	if from == to {
		c.stateMu.Unlock()
		return true
	}
	if !CanTransition(from, to) {
		c.stateMu.Unlock()
		c.log.Error("invalid stream state transition",
			utils.String("from", from.String()), utils.String("to", to.String()))
		return false
	}
	c.state.Store(int32(to))
	c.stateMu.Unlock()

	metrics.UpdateStreamState(c.key.Venue, string(c.key.Market), int(to))
	fields := []utils.Field{utils.String("from", from.String()), utils.State(to.String())}
	if cause != nil {
		fields = append(fields, utils.Err(cause))
		c.log.Warn("stream state changed", fields...)
	} else {
		c.log.Debug("stream state changed", fields...)
	}
	if c.onStatus != nil {
		c.onStatus(c.key, to, cause)
	}
	return true
}

// start запускает цикл соединения один раз
func (c *Connection) start(ctx context.Context, wg *sync.WaitGroup) {
	c.startOnce.Do(func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(ctx)
		}()
	})
}

// ============================================================
// Цикл соединения
// ============================================================

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.RandomizationFactor = 0.3

	for {
		if ctx.Err() != nil {
			c.transition(StateDisconnected, nil)
			return
		}
		c.transition(StateConnecting, nil)

		streamed, err := c.session(ctx)
		if ctx.Err() != nil {
			c.transition(StateDisconnected, nil)
			return
		}
		if streamed >= c.cfg.StableAfter {
			b.Reset()
		}
		c.transition(StateReconnecting, err)
		metrics.StreamReconnects.WithLabelValues(c.key.Venue, string(c.key.Market)).Inc()

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = c.cfg.MaxBackoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.transition(StateDisconnected, nil)
			return
		case <-timer.C:
		}
	}
}

// session - одно соединение: dial, повтор подписок, чтение до ошибки.
// Возвращает, сколько соединение провело в STREAMING.
func (c *Connection) session(ctx context.Context) (time.Duration, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.codec.URL(), nil)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", c.codec.URL(), err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()
	defer c.dropConn(conn)

	c.transition(StateConnected, nil)

	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	sessCtx, sessCancel := context.WithCancel(ctx)
	defer sessCancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	if err := c.replay(sessCtx); err != nil {
		return 0, err
	}
	if !c.transition(StateStreaming, nil) {
		return 0, fmt.Errorf("%w: cannot enter streaming", ErrConnectionLost)
	}
	since := time.Now()

	go c.pingLoop(sessCtx, conn)
	if ka, ok := c.codec.(KeepAliver); ok {
		go c.keepAliveLoop(sessCtx, ka, conn)
	}

	err = c.readLoop(sessCtx, conn, extend)
	return time.Since(since), err
}

// replay отправляет полный текущий набор топиков до перехода в STREAMING
func (c *Connection) replay(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	topics := c.topicsLocked()
	c.live = true
	c.mu.Unlock()

	metrics.StreamSubscriptions.WithLabelValues(c.key.Venue, string(c.key.Market)).Set(float64(len(topics)))
	if len(topics) == 0 {
		return nil
	}
	c.transition(StateSubscribing, nil)

	frames, err := c.codec.Subscribe(ctx, topics)
	if err == nil {
		err = c.writeFrames(frames)
	}
	if err != nil {
		c.mu.Lock()
		c.live = false
		c.mu.Unlock()
		return fmt.Errorf("resubscribe %d topics: %w", len(topics), err)
	}
	c.log.Info("topics subscribed", utils.Int("topics", len(topics)))
	return nil
}

func (c *Connection) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.live = false
	c.mu.Unlock()

	c.writeMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.writeMu.Unlock()
	_ = conn.Close()
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, extend func()) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		extend()
		if err := c.handleFrame(ctx, data); err != nil {
			return err
		}
	}
}

// handleFrame: разбор, запись в кэш, затем доставка.
// Ошибка возвращается только если кодек требует переподключения.
func (c *Connection) handleFrame(ctx context.Context, data []byte) error {
	events, err := c.codec.Decode(data)
	if err != nil {
		if errors.Is(err, ErrConnectionLost) {
			return err
		}
		metrics.StreamDecodeErrors.WithLabelValues(c.key.Venue, string(c.key.Market)).Inc()
		c.log.Debug("frame decode failed", utils.Err(err), utils.Int("bytes", len(data)))
		return nil
	}
	now := time.Now()
	for _, ev := range events {
		ev.Key = c.key
		ev.Received = now
		out, ok, err := c.cache.apply(ev)
		if err != nil {
			c.log.Warn("stream event rejected by cache",
				utils.Topic(ev.Topic.String()), utils.String("kind", string(ev.Kind)), utils.Err(err))
			continue
		}
		if !ok {
			continue
		}
		c.dispatch(ctx, out)
		if out.Kind == EventTicker && c.key.Market == models.MarketFutures {
			if pe, ok := c.cache.markPositions(c.key, out.Ticker); ok {
				c.dispatch(ctx, pe)
			}
		}
	}
	return nil
}

func (c *Connection) dispatch(ctx context.Context, ev Event) {
	c.mu.RLock()
	subs := make([]*subscriber, 0, len(c.topics[ev.Topic]))
	for _, s := range c.topics[ev.Topic] {
		subs = append(subs, s)
	}
	c.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	for _, s := range subs {
		s.enqueue(ctx, ev)
	}
}

func (c *Connection) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ws ping failed", utils.Err(err))
				_ = conn.Close()
				return
			}
			if p := c.codec.Ping(); p != nil {
				if err := c.write(p); err != nil {
					c.log.Debug("app ping failed", utils.Err(err))
					return
				}
			}
		}
	}
}

// keepAliveLoop продлевает сессию; при ошибке соединение пересоздаётся
func (c *Connection) keepAliveLoop(ctx context.Context, ka KeepAliver, conn *websocket.Conn) {
	interval := ka.KeepAliveInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ka.KeepAlive(ctx); err != nil {
				c.log.Warn("stream keep-alive failed, reconnecting", utils.Err(err))
				_ = conn.Close()
				return
			}
		}
	}
}

// ============================================================
// Запись
// ============================================================

// write отправляет кадр; ошибка записи закрывает соединение
func (c *Connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.conn == nil {
		return errNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = c.conn.Close()
		return fmt.Errorf("%w: write: %v", ErrConnectionLost, err)
	}
	return nil
}

func (c *Connection) writeFrames(frames [][]byte) error {
	for _, f := range frames {
		if err := c.write(f); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================
// Подписчики
// ============================================================

// add регистрирует подписчика; первый на топике отправляет подписку на площадку
func (c *Connection) add(ctx context.Context, s *subscriber) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	subs := c.topics[s.topic]
	first := subs == nil
	if first {
		subs = make(map[uint64]*subscriber)
		c.topics[s.topic] = subs
	}
	subs[s.id] = s
	live := c.live
	count := len(c.topics)
	c.mu.Unlock()

	if first && live {
		frames, err := c.codec.Subscribe(ctx, []Topic{s.topic})
		if err != nil {
			c.mu.Lock()
			delete(subs, s.id)
			if len(subs) == 0 {
				delete(c.topics, s.topic)
			}
			c.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", s.topic, err)
		}
		// при обрыве топик уйдёт в повторе подписок
		if err := c.writeFrames(frames); err != nil {
			c.log.Debug("subscribe deferred to reconnect", utils.Topic(s.topic.String()), utils.Err(err))
		}
	}
	metrics.StreamSubscriptions.WithLabelValues(c.key.Venue, string(c.key.Market)).Set(float64(count))
	return nil
}

// remove останавливает подписчика; последний на топике отправляет отписку
func (c *Connection) remove(s *subscriber) {
	s.close()

	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.Lock()
	subs, ok := c.topics[s.topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(subs, s.id)
	last := len(subs) == 0
	if last {
		delete(c.topics, s.topic)
	}
	live := c.live
	count := len(c.topics)
	c.mu.Unlock()

	metrics.StreamSubscriptions.WithLabelValues(c.key.Venue, string(c.key.Market)).Set(float64(count))
	if !last || !live {
		return
	}
	frames, err := c.codec.Unsubscribe([]Topic{s.topic})
	if err == nil {
		err = c.writeFrames(frames)
	}
	if err != nil {
		c.log.Debug("unsubscribe not sent", utils.Topic(s.topic.String()), utils.Err(err))
	}
}

// closeSubscribers останавливает всех подписчиков (закрытие менеджера)
func (c *Connection) closeSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, subs := range c.topics {
		for _, s := range subs {
			s.close()
		}
	}
	c.topics = make(map[Topic]map[uint64]*subscriber)
}
