package stream

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
)

var hlPing = []byte(`{"method":"ping"}`)

// hyperliquidCodec - подписки subscribe/unsubscribe по одной на сообщение.
// ticker = bbo + activeAssetCtx, depth = l2Book, user = orderUpdates + webData2.
type hyperliquidCodec struct {
	key     models.VenueKey
	url     string
	symbols *exchange.SymbolTable
	address string
}

func newHyperliquidCodec(src userStreamSource, url string) *hyperliquidCodec {
	return &hyperliquidCodec{
		key:     src.Key(),
		url:     url,
		symbols: src.Symbols(),
		address: strings.ToLower(src.AccountAddress()),
	}
}

func (c *hyperliquidCodec) URL() string  { return c.url }
func (c *hyperliquidCodec) Ping() []byte { return hlPing }

type hlSubscription struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`
}

type hlRequest struct {
	Method       string         `json:"method"`
	Subscription hlSubscription `json:"subscription"`
}

func (c *hyperliquidCodec) subscriptions(t Topic) ([]hlSubscription, error) {
	if t.Kind == TopicUser {
		if c.address == "" {
			return nil, fmt.Errorf("%w: account address is required for the user stream", exchange.ErrAuthentication)
		}
		return []hlSubscription{
			{Type: "orderUpdates", User: c.address},
			{Type: "webData2", User: c.address},
		}, nil
	}
	info, ok := c.symbols.Resolve(t.Symbol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", exchange.ErrInvalidSymbol, t.Symbol)
	}
	switch t.Kind {
	case TopicTicker:
		return []hlSubscription{
			{Type: "bbo", Coin: info.Native},
			{Type: "activeAssetCtx", Coin: info.Native},
		}, nil
	case TopicDepth:
		return []hlSubscription{{Type: "l2Book", Coin: info.Native}}, nil
	}
	return nil, fmt.Errorf("unsupported topic %s", t)
}

func (c *hyperliquidCodec) frames(method string, topics []Topic) ([][]byte, error) {
	var out [][]byte
	for _, t := range topics {
		subs, err := c.subscriptions(t)
		if err != nil {
			return nil, err
		}
		for _, s := range subs {
			b, err := json.Marshal(hlRequest{Method: method, Subscription: s})
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
	}
	return out, nil
}

func (c *hyperliquidCodec) Subscribe(_ context.Context, topics []Topic) ([][]byte, error) {
	return c.frames("subscribe", topics)
}

func (c *hyperliquidCodec) Unsubscribe(topics []Topic) ([][]byte, error) {
	return c.frames("unsubscribe", topics)
}

// ============================================================
// Разбор кадров
// ============================================================

type hlEnvelope struct {
	Channel string  `json:"channel"`
	Data    rawJSON `json:"data"`
}

func (c *hyperliquidCodec) Decode(frame []byte) ([]Event, error) {
	var env hlEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, err
	}
	switch env.Channel {
	case "bbo":
		return c.decodeBBO(env.Data)
	case "activeAssetCtx", "activeSpotAssetCtx":
		return c.decodeAssetCtx(env.Data)
	case "l2Book":
		return c.decodeBook(env.Data)
	case "orderUpdates":
		return c.decodeOrders(env.Data)
	case "webData2":
		return c.decodeWebData(env.Data)
	case "error":
		var msg string
		_ = json.Unmarshal(env.Data, &msg)
		return nil, fmt.Errorf("hyperliquid stream error: %s", msg)
	}
	// subscriptionResponse, pong
	return nil, nil
}

// ownCoin - монета относится к рынку соединения (спот: "@N" или "BASE/QUOTE")
func (c *hyperliquidCodec) ownCoin(coin string) (exchange.SymbolInfo, bool) {
	spotCoin := strings.HasPrefix(coin, "@") || strings.Contains(coin, "/")
	if spotCoin != (c.key.Market == models.MarketSpot) {
		return exchange.SymbolInfo{}, false
	}
	return c.symbols.ByNative(coin)
}

func (c *hyperliquidCodec) vm(info exchange.SymbolInfo) models.VenueMarket {
	return models.VenueMarket{Venue: c.key.Venue, Market: c.key.Market, Symbol: info.Symbol}
}

type hlLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

type hlBBOMsg struct {
	Coin string     `json:"coin"`
	Time int64      `json:"time"`
	BBO  []*hlLevel `json:"bbo"`
}

func (c *hyperliquidCodec) decodeBBO(data []byte) ([]Event, error) {
	var m hlBBOMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	info, ok := c.ownCoin(m.Coin)
	if !ok {
		return nil, nil
	}
	t := models.Ticker{VenueMarket: c.vm(info), Timestamp: msTime(m.Time)}
	var d decoder
	if len(m.BBO) > 0 && m.BBO[0] != nil {
		t.Bid = d.dec(m.BBO[0].Px)
	}
	if len(m.BBO) > 1 && m.BBO[1] != nil {
		t.Ask = d.dec(m.BBO[1].Px)
	}
	if d.err != nil {
		return nil, d.err
	}
	return []Event{{Topic: TickerTopic(info.Symbol), Kind: EventTicker, Ticker: &t, part: tickerBook}}, nil
}

type hlAssetCtxMsg struct {
	Coin string `json:"coin"`
	Ctx  struct {
		MarkPx    string `json:"markPx"`
		MidPx     string `json:"midPx"`
		PrevDayPx string `json:"prevDayPx"`
		DayNtlVlm string `json:"dayNtlVlm"`
	} `json:"ctx"`
}

func (c *hyperliquidCodec) decodeAssetCtx(data []byte) ([]Event, error) {
	var m hlAssetCtxMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	info, ok := c.ownCoin(m.Coin)
	if !ok {
		return nil, nil
	}
	var d decoder
	last := d.dec(m.Ctx.MarkPx)
	prev := d.dec(m.Ctx.PrevDayPx)
	t := models.Ticker{
		VenueMarket:   c.vm(info),
		Last:          last,
		Volume:        d.dec(m.Ctx.DayNtlVlm),
		Change:        last.Sub(prev),
		ChangePercent: changePct(last, prev),
		Timestamp:     msTime(0),
	}
	if d.err != nil {
		return nil, d.err
	}
	return []Event{{Topic: TickerTopic(info.Symbol), Kind: EventTicker, Ticker: &t, part: tickerStats}}, nil
}

type hlBookMsg struct {
	Coin   string      `json:"coin"`
	Time   int64       `json:"time"`
	Levels [][]hlLevel `json:"levels"`
}

func (c *hyperliquidCodec) decodeBook(data []byte) ([]Event, error) {
	var m hlBookMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	info, ok := c.ownCoin(m.Coin)
	if !ok {
		return nil, nil
	}
	book := models.OrderBook{VenueMarket: c.vm(info), Timestamp: msTime(m.Time)}
	var d decoder
	side := func(levels []hlLevel) []models.PriceLevel {
		out := make([]models.PriceLevel, 0, len(levels))
		for _, l := range levels {
			out = append(out, models.PriceLevel{Price: d.dec(l.Px), Quantity: d.dec(l.Sz)})
		}
		return out
	}
	if len(m.Levels) > 0 {
		book.Bids = side(m.Levels[0])
	}
	if len(m.Levels) > 1 {
		book.Asks = side(m.Levels[1])
	}
	if d.err != nil {
		return nil, d.err
	}
	return []Event{{Topic: DepthTopic(info.Symbol), Kind: EventDepth, Depth: &book}}, nil
}

type hlOrderUpdate struct {
	Order struct {
		Coin      string  `json:"coin"`
		Side      string  `json:"side"`
		LimitPx   string  `json:"limitPx"`
		Sz        string  `json:"sz"`
		OrigSz    string  `json:"origSz"`
		Oid       int64   `json:"oid"`
		Timestamp int64   `json:"timestamp"`
		Cloid     *string `json:"cloid"`
	} `json:"order"`
	Status          string `json:"status"`
	StatusTimestamp int64  `json:"statusTimestamp"`
}

func (c *hyperliquidCodec) decodeOrders(data []byte) ([]Event, error) {
	var updates []hlOrderUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(updates))
	for _, u := range updates {
		info, ok := c.ownCoin(u.Order.Coin)
		if !ok {
			continue
		}
		var d decoder
		remaining := d.dec(u.Order.Sz)
		orig := d.dec(u.Order.OrigSz)
		if d.err != nil {
			return nil, d.err
		}
		if orig.IsZero() {
			orig = remaining
		}
		filled := decimal.Max(orig.Sub(remaining), decimal.Zero)
		status := exchange.HyperliquidOrderStatus(u.Status)
		if status == models.OrderStatusNew && filled.IsPositive() {
			status = models.OrderStatusPartiallyFilled
		}
		if status == models.OrderStatusFilled {
			filled = orig
		}
		o := models.Order{
			OrderID:     strconv.FormatInt(u.Order.Oid, 10),
			VenueMarket: c.vm(info),
			Side:        normSide(u.Order.Side),
			Type:        models.OrderTypeLimit,
			Quantity:    orig,
			Price:       d.dec(u.Order.LimitPx),
			Status:      status,
			FilledQty:   filled,
			CreatedAt:   msTime(u.Order.Timestamp),
			UpdatedAt:   msTime(u.StatusTimestamp),
		}
		if u.Order.Cloid != nil {
			o.ClientOrderID = *u.Order.Cloid
		}
		if d.err != nil {
			return nil, d.err
		}
		events = append(events, Event{Topic: UserTopic(), Kind: EventOrder, Order: &o})
	}
	return events, nil
}

type hlWebData struct {
	Clearinghouse *struct {
		MarginSummary struct {
			AccountValue    string `json:"accountValue"`
			TotalMarginUsed string `json:"totalMarginUsed"`
		} `json:"marginSummary"`
		AssetPositions []struct {
			Position struct {
				Coin           string `json:"coin"`
				Szi            string `json:"szi"`
				EntryPx        string `json:"entryPx"`
				PositionValue  string `json:"positionValue"`
				UnrealizedPnl  string `json:"unrealizedPnl"`
				ReturnOnEquity string `json:"returnOnEquity"`
				LiquidationPx  string `json:"liquidationPx"`
				MarginUsed     string `json:"marginUsed"`
				Leverage       struct {
					Value int `json:"value"`
				} `json:"leverage"`
			} `json:"position"`
		} `json:"assetPositions"`
		Time int64 `json:"time"`
	} `json:"clearinghouseState"`
	SpotState *struct {
		Balances []struct {
			Coin  string `json:"coin"`
			Total string `json:"total"`
			Hold  string `json:"hold"`
		} `json:"balances"`
	} `json:"spotState"`
}

// decodeWebData - полный снимок аккаунта: позиции и USDC (перпы) или спотовые балансы
func (c *hyperliquidCodec) decodeWebData(data []byte) ([]Event, error) {
	var m hlWebData
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	var d decoder

	if c.key.Market == models.MarketSpot {
		if m.SpotState == nil {
			return nil, nil
		}
		bals := make([]models.Balance, 0, len(m.SpotState.Balances))
		for _, b := range m.SpotState.Balances {
			total := d.dec(b.Total)
			bal, err := models.NewBalanceFromTotal(b.Coin, total, decimal.Min(d.dec(b.Hold), total))
			if d.err != nil {
				return nil, d.err
			}
			if err != nil {
				return nil, err
			}
			bal.UpdatedAt = msTime(0)
			bals = append(bals, bal)
		}
		return []Event{{Topic: UserTopic(), Kind: EventBalance, Balances: bals, balancesFull: true}}, nil
	}

	ch := m.Clearinghouse
	if ch == nil {
		return nil, nil
	}
	ts := msTime(ch.Time)
	total := d.dec(ch.MarginSummary.AccountValue)
	used := d.dec(ch.MarginSummary.TotalMarginUsed)
	if d.err != nil {
		return nil, d.err
	}
	locked := decimal.Max(decimal.Min(used, total), decimal.Zero)
	usdc, err := models.NewBalanceFromTotal("USDC", total, locked)
	if err != nil {
		return nil, err
	}
	usdc.UpdatedAt = ts

	positions := make([]models.Position, 0, len(ch.AssetPositions))
	for _, ap := range ch.AssetPositions {
		p := ap.Position
		info, ok := c.ownCoin(p.Coin)
		if !ok {
			continue
		}
		szi := d.dec(p.Szi)
		side := models.PositionLong
		if szi.IsNegative() {
			side = models.PositionShort
		}
		size := szi.Abs()
		value := d.dec(p.PositionValue)
		mark := decimal.Zero
		if size.IsPositive() {
			mark = value.Div(size)
		}
		positions = append(positions, models.Position{
			VenueMarket:      c.vm(info),
			Side:             side,
			Size:             size,
			EntryPrice:       d.dec(p.EntryPx),
			MarkPrice:        mark,
			UnrealizedPnL:    d.dec(p.UnrealizedPnl),
			PnLPercent:       d.dec(p.ReturnOnEquity).Mul(decimal.NewFromInt(100)),
			Margin:           d.dec(p.MarginUsed),
			Leverage:         p.Leverage.Value,
			LiquidationPrice: d.dec(p.LiquidationPx),
			UpdatedAt:        ts,
		})
	}
	if d.err != nil {
		return nil, d.err
	}
	return []Event{
		{Topic: UserTopic(), Kind: EventPosition, Positions: positions, positionsFull: true},
		{Topic: UserTopic(), Kind: EventBalance, Balances: []models.Balance{usdc}, balancesFull: true},
	}, nil
}
