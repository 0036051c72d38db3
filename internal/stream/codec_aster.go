package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
)

// asterCodec - комбинированный поток /stream с SUBSCRIBE/UNSUBSCRIBE.
// Топик ticker = @ticker (статистика) + @bookTicker (лучшие цены).
type asterCodec struct {
	key     models.VenueKey
	url     string
	symbols *exchange.SymbolTable
	src     userStreamSource

	mu        sync.Mutex
	listenKey string
	nextID    atomic.Int64
}

func newAsterCodec(src userStreamSource, url string) *asterCodec {
	return &asterCodec{key: src.Key(), url: url, symbols: src.Symbols(), src: src}
}

func (c *asterCodec) URL() string  { return c.url }
func (c *asterCodec) Ping() []byte { return nil }

func (c *asterCodec) currentListenKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listenKey
}

// streams - имена потоков площадки для топика
func (c *asterCodec) streams(ctx context.Context, t Topic, subscribe bool) ([]string, error) {
	if t.Kind == TopicUser {
		if !subscribe {
			c.mu.Lock()
			key := c.listenKey
			c.listenKey = ""
			c.mu.Unlock()
			if key == "" {
				return nil, nil
			}
			return []string{key}, nil
		}
		if !c.src.SupportsListenKey() {
			return nil, fmt.Errorf("%w: user stream is not available", exchange.ErrInvalidParameter)
		}
		// площадка продлевает действующий ключ, поэтому запрос безопасен и при повторе подписок
		key, err := c.src.StartUserStream(ctx)
		if err != nil {
			return nil, fmt.Errorf("listen key: %w", err)
		}
		c.mu.Lock()
		c.listenKey = key
		c.mu.Unlock()
		return []string{key}, nil
	}

	info, ok := c.symbols.Resolve(t.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrInvalidSymbol, t.Symbol)
	}
	native := strings.ToLower(info.Native)
	switch t.Kind {
	case TopicTicker:
		return []string{native + "@ticker", native + "@bookTicker"}, nil
	case TopicDepth:
		return []string{native + "@depth20@100ms"}, nil
	}
	return nil, fmt.Errorf("unsupported topic %s", t)
}

type asterRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (c *asterCodec) frame(ctx context.Context, method string, topics []Topic) ([][]byte, error) {
	var params []string
	for _, t := range topics {
		names, err := c.streams(ctx, t, method == "SUBSCRIBE")
		if err != nil {
			return nil, err
		}
		params = append(params, names...)
	}
	if len(params) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(asterRequest{Method: method, Params: params, ID: c.nextID.Add(1)})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}

func (c *asterCodec) Subscribe(ctx context.Context, topics []Topic) ([][]byte, error) {
	return c.frame(ctx, "SUBSCRIBE", topics)
}

func (c *asterCodec) Unsubscribe(topics []Topic) ([][]byte, error) {
	return c.frame(context.Background(), "UNSUBSCRIBE", topics)
}

// KeepAlive продлевает listen key пользовательского потока
func (c *asterCodec) KeepAlive(ctx context.Context) error {
	key := c.currentListenKey()
	if key == "" {
		return nil
	}
	return c.src.KeepAliveUserStream(ctx, key)
}

func (c *asterCodec) KeepAliveInterval() time.Duration { return listenKeyKeepAlive }

// ============================================================
// Разбор кадров
// ============================================================

type asterEnvelope struct {
	Stream string              `json:"stream"`
	Data   rawJSON             `json:"data"`
	ID     *int64              `json:"id"`
	Error  *asterEnvelopeError `json:"error"`
}

type asterEnvelopeError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

func (c *asterCodec) Decode(frame []byte) ([]Event, error) {
	var env asterEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	if env.Error != nil {
		return nil, fmt.Errorf("aster stream error %d: %s", env.Error.Code, env.Error.Msg)
	}
	if env.Stream == "" {
		// ответ на SUBSCRIBE/UNSUBSCRIBE
		return nil, nil
	}

	native, kind, ok := strings.Cut(env.Stream, "@")
	if !ok {
		if env.Stream != c.currentListenKey() {
			return nil, nil
		}
		return c.decodeUser(env.Data)
	}
	info, ok := c.symbols.ByNative(strings.ToUpper(native))
	if !ok {
		return nil, nil
	}
	vm := models.VenueMarket{Venue: c.key.Venue, Market: c.key.Market, Symbol: info.Symbol}

	switch {
	case kind == "ticker":
		return c.decodeTicker(vm, env.Data)
	case kind == "bookTicker":
		return c.decodeBookTicker(vm, env.Data)
	case strings.HasPrefix(kind, "depth"):
		return c.decodeDepth(vm, env.Data)
	}
	return nil, nil
}

type asterTickerMsg struct {
	EventTime int64  `json:"E"`
	Last      string `json:"c"`
	Volume    string `json:"v"`
	Change    string `json:"p"`
	ChangePct string `json:"P"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Bid       string `json:"b"` // только спот
	Ask       string `json:"a"`
}

func (c *asterCodec) decodeTicker(vm models.VenueMarket, data []byte) ([]Event, error) {
	var m asterTickerMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	var d decoder
	t := models.Ticker{
		VenueMarket:   vm,
		Last:          d.dec(m.Last),
		Volume:        d.dec(m.Volume),
		Change:        d.dec(m.Change),
		ChangePercent: d.dec(m.ChangePct),
		High:          d.dec(m.High),
		Low:           d.dec(m.Low),
		Bid:           d.dec(m.Bid),
		Ask:           d.dec(m.Ask),
		Timestamp:     msTime(m.EventTime),
	}
	if d.err != nil {
		return nil, d.err
	}
	part := tickerStats
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		part = tickerFull
	}
	return []Event{{Topic: TickerTopic(vm.Symbol), Kind: EventTicker, Ticker: &t, part: part}}, nil
}

type asterBookTickerMsg struct {
	EventTime int64  `json:"E"`
	Bid       string `json:"b"`
	Ask       string `json:"a"`
}

func (c *asterCodec) decodeBookTicker(vm models.VenueMarket, data []byte) ([]Event, error) {
	var m asterBookTickerMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	var d decoder
	t := models.Ticker{VenueMarket: vm, Bid: d.dec(m.Bid), Ask: d.dec(m.Ask), Timestamp: msTime(m.EventTime)}
	if d.err != nil {
		return nil, d.err
	}
	return []Event{{Topic: TickerTopic(vm.Symbol), Kind: EventTicker, Ticker: &t, part: tickerBook}}, nil
}

// asterDepthMsg: фьючерсы присылают depthUpdate (b/a), спот - снимок (bids/asks)
type asterDepthMsg struct {
	EventTime int64       `json:"E"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
	SpotBids  [][2]string `json:"bids"`
	SpotAsks  [][2]string `json:"asks"`
}

func (c *asterCodec) decodeDepth(vm models.VenueMarket, data []byte) ([]Event, error) {
	var m asterDepthMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	bids, asks := m.Bids, m.Asks
	if len(bids) == 0 && len(asks) == 0 {
		bids, asks = m.SpotBids, m.SpotAsks
	}
	book := models.OrderBook{VenueMarket: vm, Timestamp: msTime(m.EventTime)}
	var err error
	if book.Bids, err = pairLevels(bids); err != nil {
		return nil, err
	}
	if book.Asks, err = pairLevels(asks); err != nil {
		return nil, err
	}
	return []Event{{Topic: DepthTopic(vm.Symbol), Kind: EventDepth, Depth: &book}}, nil
}

func pairLevels(raw [][2]string) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, len(raw))
	var d decoder
	for _, l := range raw {
		out = append(out, models.PriceLevel{Price: d.dec(l[0]), Quantity: d.dec(l[1])})
	}
	return out, d.err
}

// ============================================================
// Пользовательские события
// ============================================================

// errListenKeyExpired ведёт к переподключению и новому ключу
var errListenKeyExpired = fmt.Errorf("%w: listen key expired", ErrConnectionLost)

type asterUserHead struct {
	Event string `json:"e"`
}

func (c *asterCodec) decodeUser(data []byte) ([]Event, error) {
	var head asterUserHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Event {
	case "ORDER_TRADE_UPDATE":
		return c.decodeFuturesOrder(data)
	case "ACCOUNT_UPDATE":
		return c.decodeAccountUpdate(data)
	case "executionReport":
		return c.decodeExecutionReport(data)
	case "outboundAccountPosition":
		return c.decodeSpotAccount(data)
	case "listenKeyExpired":
		c.mu.Lock()
		c.listenKey = ""
		c.mu.Unlock()
		return nil, errListenKeyExpired
	}
	return nil, nil
}

type asterFuturesOrderMsg struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		Type          string `json:"o"`
		TimeInForce   string `json:"f"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

func (c *asterCodec) decodeFuturesOrder(data []byte) ([]Event, error) {
	var m asterFuturesOrderMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	o := m.Order
	var d decoder
	order, ok := c.order(o.Symbol, strconv.FormatInt(o.OrderID, 10), o.ClientOrderID, o.Side, o.Type, o.TimeInForce, o.Status,
		d.dec(o.Quantity), d.dec(o.Price), d.dec(o.FilledQty), d.dec(o.AvgPrice), msTime(o.TradeTime))
	if d.err != nil {
		return nil, d.err
	}
	if !ok {
		return nil, nil
	}
	return []Event{{Topic: UserTopic(), Kind: EventOrder, Order: &order}}, nil
}

type asterExecutionReport struct {
	EventTime     int64  `json:"E"`
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	Type          string `json:"o"`
	TimeInForce   string `json:"f"`
	Quantity      string `json:"q"`
	Price         string `json:"p"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	FilledQty     string `json:"z"`
	FilledQuote   string `json:"Z"`
	CreatedAt     int64  `json:"O"`
	TradeTime     int64  `json:"T"`
}

func (c *asterCodec) decodeExecutionReport(data []byte) ([]Event, error) {
	var m asterExecutionReport
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	var d decoder
	filled := d.dec(m.FilledQty)
	quote := d.dec(m.FilledQuote)
	avg := decimal.Zero
	if filled.IsPositive() {
		avg = quote.Div(filled)
	}
	ts := m.TradeTime
	if ts == 0 {
		ts = m.EventTime
	}
	order, ok := c.order(m.Symbol, strconv.FormatInt(m.OrderID, 10), m.ClientOrderID, m.Side, m.Type, m.TimeInForce, m.Status,
		d.dec(m.Quantity), d.dec(m.Price), filled, avg, msTime(ts))
	if d.err != nil {
		return nil, d.err
	}
	if !ok {
		return nil, nil
	}
	if m.CreatedAt > 0 {
		order.CreatedAt = msTime(m.CreatedAt)
	}
	return []Event{{Topic: UserTopic(), Kind: EventOrder, Order: &order}}, nil
}

func (c *asterCodec) order(native, orderID, clientID, side, typ, tif, status string,
	qty, price, filled, avg decimal.Decimal, ts time.Time) (models.Order, bool) {
	info, ok := c.symbols.ByNative(native)
	if !ok {
		return models.Order{}, false
	}
	o := models.Order{
		OrderID:       orderID,
		ClientOrderID: clientID,
		VenueMarket:   models.VenueMarket{Venue: c.key.Venue, Market: c.key.Market, Symbol: info.Symbol},
		Side:          normSide(side),
		Type:          models.OrderType(strings.ToLower(typ)),
		Quantity:      qty,
		Price:         price,
		Status:        exchange.AsterOrderStatus(status),
		FilledQty:     filled,
		AvgFillPrice:  avg,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if o.Type == models.OrderTypeLimit {
		o.TimeInForce = models.TimeInForce(strings.ToUpper(tif))
	}
	if o.Status == models.OrderStatusNew && filled.IsPositive() {
		o.Status = models.OrderStatusPartiallyFilled
	}
	return o, true
}

type asterAccountUpdate struct {
	EventTime int64 `json:"E"`
	Account   struct {
		Balances []struct {
			Asset       string `json:"a"`
			Wallet      string `json:"wb"`
			CrossWallet string `json:"cw"`
		} `json:"B"`
		Positions []struct {
			Symbol         string `json:"s"`
			Amount         string `json:"pa"`
			EntryPrice     string `json:"ep"`
			UnrealizedPnL  string `json:"up"`
			MarginType     string `json:"mt"`
			IsolatedWallet string `json:"iw"`
		} `json:"P"`
	} `json:"a"`
}

// decodeAccountUpdate - ACCOUNT_UPDATE несёт только изменившиеся активы и позиции
func (c *asterCodec) decodeAccountUpdate(data []byte) ([]Event, error) {
	var m asterAccountUpdate
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	ts := msTime(m.EventTime)
	var d decoder
	var events []Event

	if len(m.Account.Balances) > 0 {
		bals := make([]models.Balance, 0, len(m.Account.Balances))
		for _, b := range m.Account.Balances {
			total := d.dec(b.Wallet)
			free := decimal.Min(d.dec(b.CrossWallet), total)
			if free.IsNegative() {
				free = decimal.Zero
			}
			bal, err := models.NewBalanceFromTotal(b.Asset, total, total.Sub(free))
			if err != nil {
				return nil, err
			}
			bal.UpdatedAt = ts
			bals = append(bals, bal)
		}
		events = append(events, Event{Topic: UserTopic(), Kind: EventBalance, Balances: bals})
	}

	if len(m.Account.Positions) > 0 {
		positions := make([]models.Position, 0, len(m.Account.Positions))
		for _, p := range m.Account.Positions {
			info, ok := c.symbols.ByNative(p.Symbol)
			if !ok {
				continue
			}
			amt := d.dec(p.Amount)
			side := models.PositionLong
			if amt.IsNegative() {
				side = models.PositionShort
			}
			pos := models.Position{
				VenueMarket:   models.VenueMarket{Venue: c.key.Venue, Market: c.key.Market, Symbol: info.Symbol},
				Side:          side,
				Size:          amt.Abs(),
				EntryPrice:    d.dec(p.EntryPrice),
				UnrealizedPnL: d.dec(p.UnrealizedPnL),
				UpdatedAt:     ts,
			}
			if p.MarginType == "isolated" {
				pos.Margin = d.dec(p.IsolatedWallet)
			}
			positions = append(positions, pos)
		}
		events = append(events, Event{Topic: UserTopic(), Kind: EventPosition, Positions: positions})
	}
	if d.err != nil {
		return nil, d.err
	}
	return events, nil
}

type asterSpotAccount struct {
	EventTime int64 `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

func (c *asterCodec) decodeSpotAccount(data []byte) ([]Event, error) {
	var m asterSpotAccount
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	var d decoder
	bals := make([]models.Balance, 0, len(m.Balances))
	for _, b := range m.Balances {
		bal, err := models.NewBalance(b.Asset, d.dec(b.Free), d.dec(b.Locked))
		if d.err != nil {
			return nil, d.err
		}
		if err != nil {
			return nil, err
		}
		bal.UpdatedAt = msTime(m.EventTime)
		bals = append(bals, bal)
	}
	if len(bals) == 0 {
		return nil, nil
	}
	return []Event{{Topic: UserTopic(), Kind: EventBalance, Balances: bals}}, nil
}
