package exchange

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
	"venuewatch/pkg/ratelimit"
)

// ============ FAKE VENUE ============

// fakeVenue - площадка в памяти: ордера по client id, повтор id даёт ошибку дубликата
type fakeVenue struct {
	mu       sync.Mutex
	market   models.MarketType
	symbols  []SymbolInfo
	orders   map[string]models.Order // client id -> order
	placed   int                     // сколько раз дошли до сети
	cancels  map[string]int
	bals     []models.Balance
	block    bool // placeOrder ждёт отмены контекста
	nextID   int
}

func newFakeVenue(market models.MarketType) *fakeVenue {
	return &fakeVenue{
		market: market,
		symbols: []SymbolInfo{
			{Symbol: "BTCUSDT", Native: "BTCUSDT", Base: "BTC", Quote: "USDT",
				TickSize: decimal.RequireFromString("0.1"), StepSize: decimal.RequireFromString("0.001"),
				MinQty: decimal.RequireFromString("0.001"), MaxLeverage: 20},
			{Symbol: "ETHUSDT", Native: "ETHUSDT", Base: "ETH", Quote: "USDT",
				TickSize: decimal.RequireFromString("0.01"), StepSize: decimal.RequireFromString("0.01"),
				MinQty: decimal.RequireFromString("0.01"), MaxLeverage: 10},
		},
		orders:  make(map[string]models.Order),
		cancels: make(map[string]int),
	}
}

func (f *fakeVenue) key() models.VenueKey {
	return models.VenueKey{Venue: "fake", Market: f.market}
}
func (f *fakeVenue) loadSymbols(context.Context) ([]SymbolInfo, error) { return f.symbols, nil }
func (f *fakeVenue) weight(operation, int, bool) int                  { return 1 }
func (f *fakeVenue) close() error                                     { return nil }

func (f *fakeVenue) balances(context.Context) ([]models.Balance, error) {
	return f.bals, nil
}

func (f *fakeVenue) ticker(_ context.Context, sym SymbolInfo) (models.Ticker, error) {
	return models.Ticker{VenueMarket: models.VenueMarket{Venue: "fake", Market: f.market, Symbol: sym.Symbol}}, nil
}

func (f *fakeVenue) depth(_ context.Context, sym SymbolInfo, levels int) (models.OrderBook, error) {
	return models.OrderBook{VenueMarket: models.VenueMarket{Venue: "fake", Market: f.market, Symbol: sym.Symbol}}, nil
}

func (f *fakeVenue) placeOrder(ctx context.Context, sym SymbolInfo, req models.OrderRequest) (models.Order, error) {
	f.mu.Lock()
	f.placed++
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return models.Order{}, ctx.Err()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[req.ClientOrderID]; ok {
		return models.Order{}, newError("fake", KindInvalidParameter, "-4116", "duplicate", errDuplicateClientID)
	}
	f.nextID++
	o := models.Order{
		OrderID:       strconv.Itoa(f.nextID),
		ClientOrderID: req.ClientOrderID,
		VenueMarket:   models.VenueMarket{Venue: "fake", Market: f.market, Symbol: sym.Symbol},
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		Status:        models.OrderStatusNew,
	}
	f.orders[req.ClientOrderID] = o
	return o, nil
}

func (f *fakeVenue) orderByClientID(_ context.Context, _ SymbolInfo, id string) (models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return models.Order{}, newError("fake", KindOrderNotFound, "", id, nil)
	}
	return o, nil
}

func (f *fakeVenue) cancelOrder(_ context.Context, sym SymbolInfo, id string) (models.Order, error) {
	return models.Order{OrderID: id, Status: models.OrderStatusCanceled}, nil
}

func (f *fakeVenue) cancelAll(_ context.Context, sym SymbolInfo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, o := range f.orders {
		if o.Symbol == sym.Symbol && !o.Status.IsTerminal() {
			o.Status = models.OrderStatusCanceled
			f.orders[id] = o
			n++
		}
	}
	f.cancels[sym.Symbol]++
	return n, nil
}

func (f *fakeVenue) openOrders(_ context.Context, sym *SymbolInfo) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, o := range f.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if sym == nil || o.Symbol == sym.Symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeVenue) positions(context.Context) ([]models.Position, error) { return nil, nil }

func (f *fakeVenue) fundingRate(_ context.Context, sym SymbolInfo) (models.FundingRate, error) {
	return models.FundingRate{Rate: decimal.RequireFromString("0.0001")}, nil
}

func (f *fakeVenue) setLeverage(context.Context, SymbolInfo, int) error { return nil }

func (f *fakeVenue) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.placed
}

// gateFunc - OrderGate из функции
type gateFunc func(ctx context.Context, key models.VenueKey, req models.OrderRequest) error

func (g gateFunc) AllowOrder(ctx context.Context, key models.VenueKey, req models.OrderRequest) error {
	return g(ctx, key, req)
}

func newTestGuarded(t *testing.T, venue *fakeVenue, rl ratelimit.Config, cfg Config) *Guarded {
	t.Helper()
	reg := ratelimit.NewRegistry()
	if err := reg.Register("fake", rl); err != nil {
		t.Fatalf("register budget: %v", err)
	}
	g, err := newGuarded(context.Background(), venue, reg, cfg, nil)
	if err != nil {
		t.Fatalf("newGuarded: %v", err)
	}
	return g
}

func wideBudget() ratelimit.Config {
	return ratelimit.Config{Policy: ratelimit.PolicyCount, Window: time.Minute, Capacity: 1000}
}

func limitBuy(symbol, qty, price string) models.OrderRequest {
	return models.OrderRequest{
		Symbol:   symbol,
		Side:     models.SideBuy,
		Type:     models.OrderTypeLimit,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.RequireFromString(price),
	}
}

// ============ ТЕСТЫ ============

func TestGuarded_PlaceOrderIdempotent(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	g := newTestGuarded(t, venue, wideBudget(), Config{})

	req := limitBuy("BTCUSDT", "0.01", "50000")
	req.ClientOrderID = "client-1"

	first, err := g.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("first PlaceOrder: %v", err)
	}
	second, err := g.PlaceOrder(context.Background(), req)
	if err != nil {
		t.Fatalf("second PlaceOrder: %v", err)
	}

	if first.OrderID != second.OrderID {
		t.Errorf("повтор вернул другой ордер: %s != %s", second.OrderID, first.OrderID)
	}
	if len(venue.orders) != 1 {
		t.Errorf("на площадке %d ордеров, ожидался 1", len(venue.orders))
	}
}

func TestGuarded_PlaceOrderAssignsClientID(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	g := newTestGuarded(t, venue, wideBudget(), Config{})

	order, err := g.PlaceOrder(context.Background(), limitBuy("btc/usdt", "0.01", "50000"))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.ClientOrderID == "" {
		t.Error("client order id не назначен")
	}
	if order.Symbol != "BTCUSDT" {
		t.Errorf("символ = %s, ожидался BTCUSDT", order.Symbol)
	}
	if order.TimeInForce != models.TIFGoodTillCancel {
		t.Errorf("TIF по умолчанию = %s, ожидался GTC", order.TimeInForce)
	}
}

func TestGuarded_PlaceOrderRounding(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	g := newTestGuarded(t, venue, wideBudget(), Config{})

	order, err := g.PlaceOrder(context.Background(), limitBuy("BTCUSDT", "0.0129", "50000.06"))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if !order.Quantity.Equal(decimal.RequireFromString("0.012")) {
		t.Errorf("quantity = %s, ожидалось 0.012", order.Quantity)
	}
	if !order.Price.Equal(decimal.RequireFromString("50000.1")) {
		t.Errorf("price = %s, ожидалось 50000.1", order.Price)
	}
}

func TestGuarded_Validation(t *testing.T) {
	tests := []struct {
		name     string
		market   models.MarketType
		call     func(g *Guarded) error
		wantKind Kind
	}{
		{
			name:   "нулевой объём",
			market: models.MarketFutures,
			call: func(g *Guarded) error {
				_, err := g.PlaceOrder(context.Background(), limitBuy("BTCUSDT", "0", "100"))
				return err
			},
			wantKind: KindInvalidParameter,
		},
		{
			name:   "лимитный ордер без цены",
			market: models.MarketFutures,
			call: func(g *Guarded) error {
				_, err := g.PlaceOrder(context.Background(), limitBuy("BTCUSDT", "1", "0"))
				return err
			},
			wantKind: KindInvalidParameter,
		},
		{
			name:   "объём меньше минимального после округления",
			market: models.MarketFutures,
			call: func(g *Guarded) error {
				_, err := g.PlaceOrder(context.Background(), limitBuy("BTCUSDT", "0.0004", "100"))
				return err
			},
			wantKind: KindInvalidParameter,
		},
		{
			name:   "неизвестный символ",
			market: models.MarketFutures,
			call: func(g *Guarded) error {
				_, err := g.GetTicker(context.Background(), "DOGEUSDT")
				return err
			},
			wantKind: KindInvalidSymbol,
		},
		{
			name:   "глубина вне диапазона",
			market: models.MarketFutures,
			call: func(g *Guarded) error {
				_, err := g.GetDepth(context.Background(), "BTCUSDT", 1001)
				return err
			},
			wantKind: KindInvalidParameter,
		},
		{
			name:   "нулевая глубина",
			market: models.MarketFutures,
			call: func(g *Guarded) error {
				_, err := g.GetDepth(context.Background(), "BTCUSDT", 0)
				return err
			},
			wantKind: KindInvalidParameter,
		},
		{
			name:     "плечо выше максимума инструмента",
			market:   models.MarketFutures,
			call:     func(g *Guarded) error { return g.SetLeverage(context.Background(), "ETHUSDT", 11) },
			wantKind: KindInvalidParameter,
		},
		{
			name:     "плечо ноль",
			market:   models.MarketFutures,
			call:     func(g *Guarded) error { return g.SetLeverage(context.Background(), "BTCUSDT", 0) },
			wantKind: KindInvalidParameter,
		},
		{
			name:     "плечо на споте",
			market:   models.MarketSpot,
			call:     func(g *Guarded) error { return g.SetLeverage(context.Background(), "BTCUSDT", 2) },
			wantKind: KindInvalidParameter,
		},
		{
			name:   "фандинг на споте",
			market: models.MarketSpot,
			call: func(g *Guarded) error {
				_, err := g.GetFundingRate(context.Background(), "BTCUSDT")
				return err
			},
			wantKind: KindInvalidParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := newFakeVenue(tt.market)
			g := newTestGuarded(t, venue, wideBudget(), Config{})
			err := tt.call(g)
			if KindOf(err) != tt.wantKind {
				t.Errorf("kind = %q (%v), ожидался %q", KindOf(err), err, tt.wantKind)
			}
			if venue.placedCount() != 0 {
				t.Error("невалидный запрос дошёл до площадки")
			}
		})
	}
}

func TestGuarded_ConfigMaxLeverage(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	g := newTestGuarded(t, venue, wideBudget(), Config{MaxLeverage: 5})

	if err := g.SetLeverage(context.Background(), "BTCUSDT", 5); err != nil {
		t.Errorf("плечо 5: %v", err)
	}
	if err := g.SetLeverage(context.Background(), "BTCUSDT", 6); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("плечо 6: ожидался ErrInvalidParameter, получено %v", err)
	}
}

func TestGuarded_OrderGateBlocksBeforeNetwork(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	reg := ratelimit.NewRegistry()
	if err := reg.Register("fake", wideBudget()); err != nil {
		t.Fatal(err)
	}
	g, err := newGuarded(context.Background(), venue, reg, Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	before, _ := reg.Snapshot("fake")

	g.SetOrderGate(gateFunc(func(context.Context, models.VenueKey, models.OrderRequest) error {
		return newError("risk", KindEmergencyStopped, "", "daily loss limit", nil)
	}))

	_, err = g.PlaceOrder(context.Background(), limitBuy("BTCUSDT", "1", "100"))
	if !errors.Is(err, ErrEmergencyStopped) {
		t.Fatalf("ожидался ErrEmergencyStopped, получено %v", err)
	}
	if venue.placedCount() != 0 {
		t.Error("заблокированный ордер дошёл до площадки")
	}
	after, _ := reg.Snapshot("fake")
	if after.Consumed != before.Consumed {
		t.Errorf("лимитер списан: %d -> %d", before.Consumed, after.Consumed)
	}
}

func TestGuarded_PlainGateErrorBecomesEmergencyStopped(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	g := newTestGuarded(t, venue, wideBudget(), Config{})
	g.SetOrderGate(gateFunc(func(context.Context, models.VenueKey, models.OrderRequest) error {
		return errors.New("halted")
	}))

	_, err := g.PlaceOrder(context.Background(), limitBuy("BTCUSDT", "1", "100"))
	if KindOf(err) != KindEmergencyStopped {
		t.Errorf("kind = %q, ожидался EmergencyStopped", KindOf(err))
	}
}

func TestGuarded_RateLimited(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	g := newTestGuarded(t, venue, ratelimit.Config{Policy: ratelimit.PolicyCount, Window: time.Minute, Capacity: 2}, Config{})

	// символы уже загружены одним запросом, остался один
	if _, err := g.GetTicker(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("первый запрос: %v", err)
	}
	_, err := g.GetTicker(context.Background(), "BTCUSDT")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("ожидался ErrRateLimited, получено %v", err)
	}
	e, ok := AsError(err)
	if !ok || e.RetryAfter <= 0 {
		t.Errorf("RetryAfter не заполнен: %+v", e)
	}
	if !e.Retryable() {
		t.Error("RateLimited должен быть retryable")
	}
}

func TestGuarded_PlaceOrderTimeoutOutcomeUnknown(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	venue.block = true
	g := newTestGuarded(t, venue, wideBudget(), Config{RequestTimeout: 20 * time.Millisecond})

	req := limitBuy("BTCUSDT", "1", "100")
	req.ClientOrderID = "retry-me"

	_, err := g.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrVenueUnavailable) {
		t.Fatalf("ожидался ErrVenueUnavailable, получено %v", err)
	}
	e, _ := AsError(err)
	if !e.OutcomeUnknown {
		t.Error("OutcomeUnknown не выставлен")
	}
	if e.ClientOrderID != "retry-me" {
		t.Errorf("ClientOrderID = %q", e.ClientOrderID)
	}
}

func TestGuarded_CancelAllAcrossSymbols(t *testing.T) {
	venue := newFakeVenue(models.MarketFutures)
	g := newTestGuarded(t, venue, wideBudget(), Config{})
	ctx := context.Background()

	for _, req := range []models.OrderRequest{
		limitBuy("BTCUSDT", "0.01", "50000"),
		limitBuy("BTCUSDT", "0.02", "49000"),
		limitBuy("ETHUSDT", "0.5", "3000"),
	} {
		if _, err := g.PlaceOrder(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	n, err := g.CancelAllOrders(ctx, "")
	if err != nil {
		t.Fatalf("CancelAllOrders: %v", err)
	}
	if n != 3 {
		t.Errorf("отменено %d, ожидалось 3", n)
	}
	if venue.cancels["BTCUSDT"] != 1 || venue.cancels["ETHUSDT"] != 1 {
		t.Errorf("cancelAll по символам: %v", venue.cancels)
	}

	open, err := g.GetOpenOrders(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("осталось открытых ордеров: %d", len(open))
	}
}

func TestGuarded_BalanceInvariant(t *testing.T) {
	venue := newFakeVenue(models.MarketSpot)
	ok, _ := models.NewBalance("USDT", decimal.NewFromInt(10), decimal.NewFromInt(5))
	venue.bals = []models.Balance{ok}
	g := newTestGuarded(t, venue, wideBudget(), Config{})

	got, err := g.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if len(got) != 1 || !got[0].Total.Equal(decimal.NewFromInt(15)) {
		t.Errorf("balances = %+v", got)
	}

	venue.bals = []models.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1), Locked: decimal.NewFromInt(1), Total: decimal.NewFromInt(3)}}
	if _, err := g.GetBalances(context.Background()); err == nil {
		t.Error("нарушение total == free + locked не обнаружено")
	}
}

func TestGuarded_SpotPositionsEmpty(t *testing.T) {
	g := newTestGuarded(t, newFakeVenue(models.MarketSpot), wideBudget(), Config{})
	pos, err := g.GetPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 0 {
		t.Errorf("на споте позиции: %v", pos)
	}
}

func TestGuarded_UserStreamNotSupported(t *testing.T) {
	g := newTestGuarded(t, newFakeVenue(models.MarketFutures), wideBudget(), Config{})
	if g.SupportsListenKey() {
		t.Error("fake не поддерживает listen key")
	}
	if _, err := g.StartUserStream(context.Background()); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("ожидался ErrInvalidParameter, получено %v", err)
	}
	if g.AccountAddress() != "" {
		t.Error("адрес аккаунта должен быть пустым")
	}
}
