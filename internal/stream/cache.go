package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
)

// maxTerminalOrders - сколько завершённых ордеров хранить на ключ
const maxTerminalOrders = 500

// Cache - последнее известное состояние по каждому VenueMarket/VenueKey.
// Пишет только цикл чтения соединения, читатели используют геттеры под RLock.
type Cache struct {
	mu        sync.RWMutex
	tickers   map[models.VenueMarket]models.Ticker
	depth     map[models.VenueMarket]models.OrderBook
	positions map[models.VenueKey]map[string]models.Position
	orders    map[models.VenueKey]map[string]*models.Order
	balances  map[models.VenueKey]map[string]models.Balance
}

func NewCache() *Cache {
	return &Cache{
		tickers:   make(map[models.VenueMarket]models.Ticker),
		depth:     make(map[models.VenueMarket]models.OrderBook),
		positions: make(map[models.VenueKey]map[string]models.Position),
		orders:    make(map[models.VenueKey]map[string]*models.Order),
		balances:  make(map[models.VenueKey]map[string]models.Balance),
	}
}

// ============================================================
// Чтение
// ============================================================

func (c *Cache) Ticker(vm models.VenueMarket) (models.Ticker, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tickers[vm]
	return t, ok
}

func (c *Cache) Depth(vm models.VenueMarket) (models.OrderBook, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.depth[vm]
	return b, ok
}

// Positions - открытые позиции ключа, по символу
func (c *Cache) Positions(key models.VenueKey) []models.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.positionsLocked(key)
}

// Balances - балансы ключа, по активу
func (c *Cache) Balances(key models.VenueKey) []models.Balance {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balancesLocked(key)
}

// OpenOrders - нетерминальные ордера ключа
func (c *Cache) OpenOrders(key models.VenueKey) []models.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.Order, 0, len(c.orders[key]))
	for _, o := range c.orders[key] {
		if !o.Status.IsTerminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Order - ордер по id площадки
func (c *Cache) Order(key models.VenueKey, orderID string) (models.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[key][orderID]
	if !ok {
		return models.Order{}, false
	}
	return *o, true
}

func (c *Cache) positionsLocked(key models.VenueKey) []models.Position {
	out := make([]models.Position, 0, len(c.positions[key]))
	for _, p := range c.positions[key] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

func (c *Cache) balancesLocked(key models.VenueKey) []models.Balance {
	out := make([]models.Balance, 0, len(c.balances[key]))
	for _, b := range c.balances[key] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// ============================================================
// Запись (только из цикла чтения)
// ============================================================

// apply записывает событие и возвращает его итоговый вид для доставки.
// false - событие отброшено (устаревшее или нарушающее инварианты).
func (c *Cache) apply(ev Event) (Event, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Kind {
	case EventTicker:
		if ev.Ticker == nil {
			return ev, false, nil
		}
		t := c.mergeTicker(*ev.Ticker, ev.part)
		c.tickers[t.VenueMarket] = t
		ev.Ticker = &t
		return ev, true, nil

	case EventDepth:
		if ev.Depth == nil {
			return ev, false, nil
		}
		if prev, ok := c.depth[ev.Depth.VenueMarket]; ok && ev.Depth.Timestamp.Before(prev.Timestamp) {
			return ev, false, nil
		}
		c.depth[ev.Depth.VenueMarket] = *ev.Depth
		return ev, true, nil

	case EventOrder:
		if ev.Order == nil {
			return ev, false, nil
		}
		o, err := c.applyOrder(ev.Key, *ev.Order)
		if err != nil {
			return ev, false, err
		}
		ev.Order = &o
		return ev, true, nil

	case EventPosition:
		c.applyPositions(ev.Key, ev.Positions, ev.positionsFull)
		ev.Positions = c.positionsLocked(ev.Key)
		return ev, true, nil

	case EventBalance:
		if err := c.applyBalances(ev.Key, ev.Balances, ev.balancesFull); err != nil {
			return ev, false, err
		}
		ev.Balances = c.balancesLocked(ev.Key)
		return ev, true, nil
	}
	return ev, false, fmt.Errorf("unknown event kind %q", ev.Kind)
}

// mergeTicker собирает полный снимок из частичного кадра и предыдущего снимка
func (c *Cache) mergeTicker(t models.Ticker, part tickerPart) models.Ticker {
	prev, ok := c.tickers[t.VenueMarket]
	if !ok || part == tickerFull {
		return t
	}
	merged := prev
	switch part {
	case tickerBook:
		merged.Bid = t.Bid
		merged.Ask = t.Ask
	case tickerStats:
		merged.Last = t.Last
		merged.Volume = t.Volume
		merged.Change = t.Change
		merged.ChangePercent = t.ChangePercent
		merged.High = t.High
		merged.Low = t.Low
	}
	if t.Timestamp.After(merged.Timestamp) {
		merged.Timestamp = t.Timestamp
	}
	return merged
}

func orderKey(o models.Order) string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return "c:" + o.ClientOrderID
}

// applyOrder - новый ордер сохраняется как есть, известный обновляется через Order.Apply
func (c *Cache) applyOrder(key models.VenueKey, o models.Order) (models.Order, error) {
	m := c.orders[key]
	if m == nil {
		m = make(map[string]*models.Order)
		c.orders[key] = m
	}
	id := orderKey(o)
	prev, ok := m[id]
	if !ok {
		cp := o
		m[id] = &cp
		c.pruneOrders(m)
		return cp, nil
	}
	err := prev.Apply(models.OrderUpdate{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		FilledQty:     o.FilledQty,
		AvgFillPrice:  o.AvgFillPrice,
		UpdatedAt:     o.UpdatedAt,
	})
	if err != nil {
		return *prev, err
	}
	return *prev, nil
}

// pruneOrders удаляет самые старые завершённые ордера сверх лимита
func (c *Cache) pruneOrders(m map[string]*models.Order) {
	var terminal []string
	for id, o := range m {
		if o.Status.IsTerminal() {
			terminal = append(terminal, id)
		}
	}
	if len(terminal) <= maxTerminalOrders {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return m[terminal[i]].UpdatedAt.Before(m[terminal[j]].UpdatedAt)
	})
	for _, id := range terminal[:len(terminal)-maxTerminalOrders] {
		delete(m, id)
	}
}

func positionKey(p models.Position) string {
	return p.Symbol + "|" + string(p.Side)
}

// applyPositions: полный кадр заменяет набор, частичный - обновляет по символу.
// Нулевой размер удаляет позицию. Пустые mark/leverage берутся из прежней записи.
func (c *Cache) applyPositions(key models.VenueKey, ps []models.Position, full bool) {
	prev := c.positions[key]
	next := make(map[string]models.Position, len(ps))
	if !full {
		for k, p := range prev {
			next[k] = p
		}
	}
	for _, p := range ps {
		if !full {
			// частичный кадр по символу закрывает противоположную сторону
			for k, old := range next {
				if old.Symbol == p.Symbol {
					delete(next, k)
				}
			}
		}
		if !p.IsOpen() {
			continue
		}
		k := positionKey(p)
		if old, ok := prev[k]; ok {
			if p.MarkPrice.IsZero() {
				p.MarkPrice = old.MarkPrice
			}
			if p.Leverage == 0 {
				p.Leverage = old.Leverage
			}
			if p.LiquidationPrice.IsZero() {
				p.LiquidationPrice = old.LiquidationPrice
			}
		}
		fillDerived(&p)
		next[k] = p
	}
	c.positions[key] = next
}

// fillDerived дополняет поля, которых нет в частичных кадрах
func fillDerived(p *models.Position) {
	if p.MarkPrice.IsZero() {
		p.MarkPrice = p.EntryPrice
	}
	if p.Margin.IsZero() && p.Leverage > 0 {
		p.Margin = p.Size.Mul(p.MarkPrice).Div(decimal.NewFromInt(int64(p.Leverage)))
	}
	if p.PnLPercent.IsZero() && p.Margin.IsPositive() {
		p.PnLPercent = p.UnrealizedPnL.Div(p.Margin).Mul(decimal.NewFromInt(100)).Round(4)
	}
}

// markPositions переоценивает позиции символа по цене тикера.
// Возвращает событие позиций, если что-то изменилось.
func (c *Cache) markPositions(key models.VenueKey, t *models.Ticker) (Event, bool) {
	if t == nil {
		return Event{}, false
	}
	mark := t.Last
	if !mark.IsPositive() {
		mark = t.Mid()
	}
	if !mark.IsPositive() {
		return Event{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := false
	for k, p := range c.positions[key] {
		if p.Symbol != t.Symbol || p.MarkPrice.Equal(mark) {
			continue
		}
		diff := mark.Sub(p.EntryPrice)
		if p.Side == models.PositionShort {
			diff = diff.Neg()
		}
		p.MarkPrice = mark
		p.UnrealizedPnL = diff.Mul(p.Size)
		if p.Leverage > 0 {
			p.Margin = p.Size.Mul(mark).Div(decimal.NewFromInt(int64(p.Leverage)))
		}
		if p.Margin.IsPositive() {
			p.PnLPercent = p.UnrealizedPnL.Div(p.Margin).Mul(decimal.NewFromInt(100)).Round(4)
		}
		p.UpdatedAt = t.Timestamp
		c.positions[key][k] = p
		changed = true
	}
	if !changed {
		return Event{}, false
	}
	return Event{
		Key:       key,
		Topic:     UserTopic(),
		Kind:      EventPosition,
		Positions: c.positionsLocked(key),
		Received:  time.Now(),
	}, true
}

// applyBalances проверяет инвариант каждого баланса до записи
func (c *Cache) applyBalances(key models.VenueKey, bs []models.Balance, full bool) error {
	for _, b := range bs {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	m := c.balances[key]
	if m == nil || full {
		m = make(map[string]models.Balance, len(bs))
		c.balances[key] = m
	}
	for _, b := range bs {
		if b.Total.IsZero() && !full {
			delete(m, b.Asset)
			continue
		}
		m[b.Asset] = b
	}
	return nil
}
