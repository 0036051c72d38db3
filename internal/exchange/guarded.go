package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"venuewatch/internal/metrics"
	"venuewatch/internal/models"
	"venuewatch/pkg/ratelimit"
	"venuewatch/pkg/utils"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxDepthLevels        = 1000
)

// Guarded - реализация Adapter поверх транспорта площадки.
//
// Порядок для каждого вызова:
//  1. проверка параметров и разрешение символа по SymbolTable;
//  2. (PlaceOrder) проверка OrderGate;
//  3. списание веса в лимитере;
//  4. сетевой вызов с таймаутом; каждый следующий HTTP запрос
//     того же вызова списывает свой вес перед отправкой (см. metering.go).
type Guarded struct {
	client  venueClient
	symbols *SymbolTable
	limiter *ratelimit.Registry
	timeout time.Duration
	maxLev  int
	log     *utils.Logger

	gateMu sync.RWMutex
	gate   OrderGate
}

func newGuarded(ctx context.Context, client venueClient, limiter *ratelimit.Registry, cfg Config, log *utils.Logger) (*Guarded, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	k := client.key()
	g := &Guarded{
		client:  client,
		limiter: limiter,
		timeout: timeout,
		maxLev:  cfg.MaxLeverage,
		log:     utils.OrGlobal(log).WithVenue(k.Venue).With(utils.Market(string(k.Market))),
	}

	// таблица символов загружается один раз
	var infos []SymbolInfo
	err := g.call(ctx, opSymbols, client.weight(opSymbols, 0, false), func(ctx context.Context) error {
		var err error
		infos, err = client.loadSymbols(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load symbols for %s: %w", k, err)
	}
	g.symbols = NewSymbolTable(infos)
	g.log.Info("adapter ready", utils.Int("symbols", g.symbols.Len()))
	return g, nil
}

// SetOrderGate подключает проверку разрешения торговли
func (g *Guarded) SetOrderGate(gate OrderGate) {
	g.gateMu.Lock()
	g.gate = gate
	g.gateMu.Unlock()
}

func (g *Guarded) orderGate() OrderGate {
	g.gateMu.RLock()
	defer g.gateMu.RUnlock()
	return g.gate
}

func (g *Guarded) Key() models.VenueKey   { return g.client.key() }
func (g *Guarded) Symbols() *SymbolTable  { return g.symbols }
func (g *Guarded) Close() error           { return g.client.close() }
func (g *Guarded) venue() string          { return g.client.key().Venue }
func (g *Guarded) isSpot() bool           { return g.client.key().Market == models.MarketSpot }
func (g *Guarded) invalid(msg string) error {
	return newError(g.venue(), KindInvalidParameter, "", msg, nil)
}

// ============================================================
// Общий путь вызова
// ============================================================

// call: лимитер, таймаут, метрики
func (g *Guarded) call(ctx context.Context, op operation, weight int, fn func(ctx context.Context) error) error {
	if err := g.acquire(weight); err != nil {
		return err
	}

	// дополнительные запросы вызова списываются транспортом
	meter := &requestMeter{charge: func(w int) error { return g.limiter.Acquire(g.venue(), w) }}
	ctx, cancel := context.WithTimeout(withMeter(ctx, meter), g.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	switch {
	case meter.deniedErr() != nil:
		err = g.limitError(meter.deniedErr())
	case err != nil && ctx.Err() == context.DeadlineExceeded:
		err = transportError(g.venue(), context.DeadlineExceeded)
	}

	k := g.client.key()
	metrics.RecordVenueCall(k.Venue, string(k.Market), string(op), time.Since(start), string(KindOf(err)))
	if err != nil {
		g.log.Debug("venue call failed", utils.String("op", string(op)), utils.Err(err))
	}
	return err
}

func (g *Guarded) acquire(weight int) error {
	return g.limitError(g.limiter.Acquire(g.venue(), weight))
}

// limitError переводит отказ лимитера в таксономию площадки
func (g *Guarded) limitError(err error) error {
	if err == nil {
		return nil
	}
	var rl *ratelimit.RateLimitedError
	if errors.As(err, &rl) {
		e := newError(g.venue(), KindRateLimited, "", "local budget exhausted", err)
		e.RetryAfter = rl.RetryAfter
		return e
	}
	// стоимость больше бюджета или площадка не зарегистрирована
	return newError(g.venue(), KindInvalidParameter, "", err.Error(), err)
}

func (g *Guarded) resolve(symbol string) (SymbolInfo, error) {
	if symbol == "" {
		return SymbolInfo{}, newError(g.venue(), KindInvalidSymbol, "", "symbol is required", nil)
	}
	info, ok := g.symbols.Resolve(symbol)
	if !ok {
		return SymbolInfo{}, newError(g.venue(), KindInvalidSymbol, "", "unknown symbol "+symbol, nil)
	}
	return info, nil
}

// ============================================================
// Рыночные данные и аккаунт
// ============================================================

func (g *Guarded) GetBalances(ctx context.Context) ([]models.Balance, error) {
	var out []models.Balance
	err := g.call(ctx, opBalances, g.client.weight(opBalances, 0, false), func(ctx context.Context) error {
		var err error
		out, err = g.client.balances(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, b := range out {
		if err := b.Validate(); err != nil {
			return nil, newError(g.venue(), KindUnknown, "", err.Error(), err)
		}
	}
	return out, nil
}

func (g *Guarded) GetTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	sym, err := g.resolve(symbol)
	if err != nil {
		return models.Ticker{}, err
	}
	var out models.Ticker
	err = g.call(ctx, opTicker, g.client.weight(opTicker, 0, true), func(ctx context.Context) error {
		var err error
		out, err = g.client.ticker(ctx, sym)
		return err
	})
	return out, err
}

func (g *Guarded) GetDepth(ctx context.Context, symbol string, levels int) (models.OrderBook, error) {
	if levels < 1 || levels > maxDepthLevels {
		return models.OrderBook{}, g.invalid(fmt.Sprintf("depth levels must be within [1, %d], got %d", maxDepthLevels, levels))
	}
	sym, err := g.resolve(symbol)
	if err != nil {
		return models.OrderBook{}, err
	}
	var out models.OrderBook
	err = g.call(ctx, opDepth, g.client.weight(opDepth, levels, true), func(ctx context.Context) error {
		var err error
		out, err = g.client.depth(ctx, sym, levels)
		return err
	})
	return out, err
}

func (g *Guarded) GetPositions(ctx context.Context) ([]models.Position, error) {
	if g.isSpot() {
		return []models.Position{}, nil
	}
	var out []models.Position
	err := g.call(ctx, opPositions, g.client.weight(opPositions, 0, false), func(ctx context.Context) error {
		var err error
		out, err = g.client.positions(ctx)
		return err
	})
	return out, err
}

func (g *Guarded) GetFundingRate(ctx context.Context, symbol string) (models.FundingRate, error) {
	if g.isSpot() {
		return models.FundingRate{}, g.invalid("funding rate is not available on spot markets")
	}
	sym, err := g.resolve(symbol)
	if err != nil {
		return models.FundingRate{}, err
	}
	var out models.FundingRate
	err = g.call(ctx, opFunding, g.client.weight(opFunding, 0, true), func(ctx context.Context) error {
		var err error
		out, err = g.client.fundingRate(ctx, sym)
		return err
	})
	return out, err
}

func (g *Guarded) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if g.isSpot() {
		return g.invalid("leverage is not available on spot markets")
	}
	sym, err := g.resolve(symbol)
	if err != nil {
		return err
	}
	limit := sym.MaxLeverage
	if g.maxLev > 0 && (limit == 0 || g.maxLev < limit) {
		limit = g.maxLev
	}
	if leverage < 1 || (limit > 0 && leverage > limit) {
		return g.invalid(fmt.Sprintf("leverage must be within [1, %d], got %d", limit, leverage))
	}
	return g.call(ctx, opLeverage, g.client.weight(opLeverage, 0, true), func(ctx context.Context) error {
		return g.client.setLeverage(ctx, sym, leverage)
	})
}

// ============================================================
// Ордера
// ============================================================

// normalizeOrder проверяет запрос и приводит объём/цену к шагам инструмента
func (g *Guarded) normalizeOrder(sym SymbolInfo, req models.OrderRequest) (models.OrderRequest, error) {
	req.Symbol = sym.Symbol

	switch req.Side {
	case models.SideBuy, models.SideSell:
	default:
		return req, g.invalid(fmt.Sprintf("unknown side %q", req.Side))
	}
	if !req.Quantity.IsPositive() {
		return req, g.invalid("quantity must be positive")
	}

	switch req.Type {
	case models.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return req, g.invalid("limit order price must be positive")
		}
		if req.TimeInForce == "" {
			req.TimeInForce = models.TIFGoodTillCancel
		}
		req.Price = utils.RoundToStepNearest(req.Price, sym.TickSize)
	case models.OrderTypeMarket:
		if req.Price.IsNegative() {
			return req, g.invalid("price must not be negative")
		}
		req.TimeInForce = ""
	default:
		return req, g.invalid(fmt.Sprintf("unknown order type %q", req.Type))
	}

	switch req.TimeInForce {
	case "", models.TIFGoodTillCancel, models.TIFImmediateOrCancel, models.TIFFillOrKill:
	default:
		return req, g.invalid(fmt.Sprintf("unknown time in force %q", req.TimeInForce))
	}

	req.Quantity = utils.RoundToStep(req.Quantity, sym.StepSize)
	if !req.Quantity.IsPositive() || req.Quantity.LessThan(sym.MinQty) {
		return req, g.invalid(fmt.Sprintf("quantity below minimum %s for %s", sym.MinQty, sym.Symbol))
	}
	if req.ReduceOnly && g.isSpot() {
		return req, g.invalid("reduce-only is not available on spot markets")
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	return req, nil
}

// PlaceOrder размещает ордер.
// Повторный вызов с тем же ClientOrderID возвращает уже существующий ордер.
// При таймауте возвращается VenueUnavailable с OutcomeUnknown и ClientOrderID.
func (g *Guarded) PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	sym, err := g.resolve(req.Symbol)
	if err != nil {
		return models.Order{}, err
	}
	req, err = g.normalizeOrder(sym, req)
	if err != nil {
		return models.Order{}, err
	}

	if gate := g.orderGate(); gate != nil {
		if err := gate.AllowOrder(ctx, g.Key(), req); err != nil {
			g.log.Warn("order blocked by gate", utils.Symbol(sym.Symbol), utils.Err(err))
			if _, ok := AsError(err); ok {
				return models.Order{}, err
			}
			return models.Order{}, newError(g.venue(), KindEmergencyStopped, "", err.Error(), err)
		}
	}

	var order models.Order
	err = g.call(ctx, opPlaceOrder, g.client.weight(opPlaceOrder, 0, true), func(ctx context.Context) error {
		var err error
		order, err = g.client.placeOrder(ctx, sym, req)
		return err
	})

	switch {
	case err == nil:
		g.log.Info("order placed",
			utils.Symbol(sym.Symbol),
			utils.OrderID(order.OrderID),
			utils.ClientOrderID(order.ClientOrderID),
			utils.Side(string(req.Side)),
			utils.Quantity(req.Quantity),
		)
		return order, nil

	case isDuplicate(err):
		g.log.Info("duplicate client order id, returning existing order", utils.ClientOrderID(req.ClientOrderID))
		return g.orderByClientID(ctx, sym, req.ClientOrderID)

	case errors.Is(err, ErrVenueUnavailable):
		if e, ok := AsError(err); ok {
			unknown := *e
			unknown.OutcomeUnknown = true
			unknown.ClientOrderID = req.ClientOrderID
			return models.Order{}, &unknown
		}
	}
	return models.Order{}, err
}

func (g *Guarded) orderByClientID(ctx context.Context, sym SymbolInfo, clientOrderID string) (models.Order, error) {
	var order models.Order
	err := g.call(ctx, opQueryOrder, g.client.weight(opQueryOrder, 0, true), func(ctx context.Context) error {
		var err error
		order, err = g.client.orderByClientID(ctx, sym, clientOrderID)
		return err
	})
	return order, err
}

// OrderByClientID - поиск ордера по client order id (для повторов после OutcomeUnknown)
func (g *Guarded) OrderByClientID(ctx context.Context, symbol, clientOrderID string) (models.Order, error) {
	sym, err := g.resolve(symbol)
	if err != nil {
		return models.Order{}, err
	}
	if clientOrderID == "" {
		return models.Order{}, g.invalid("client order id is required")
	}
	return g.orderByClientID(ctx, sym, clientOrderID)
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) (models.Order, error) {
	sym, err := g.resolve(symbol)
	if err != nil {
		return models.Order{}, err
	}
	if orderID == "" {
		return models.Order{}, g.invalid("order id is required")
	}
	var out models.Order
	err = g.call(ctx, opCancelOrder, g.client.weight(opCancelOrder, 0, true), func(ctx context.Context) error {
		var err error
		out, err = g.client.cancelOrder(ctx, sym, orderID)
		return err
	})
	return out, err
}

// CancelAllOrders отменяет ордера символа или, при пустом символе,
// всех символов с открытыми ордерами
func (g *Guarded) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	if symbol != "" {
		sym, err := g.resolve(symbol)
		if err != nil {
			return 0, err
		}
		return g.cancelAllFor(ctx, sym)
	}

	open, err := g.GetOpenOrders(ctx, "")
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	total := 0
	var errs []error
	for _, o := range open {
		if seen[o.Symbol] {
			continue
		}
		seen[o.Symbol] = true
		sym, ok := g.symbols.Resolve(o.Symbol)
		if !ok {
			continue
		}
		n, err := g.cancelAllFor(ctx, sym)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (g *Guarded) cancelAllFor(ctx context.Context, sym SymbolInfo) (int, error) {
	var n int
	err := g.call(ctx, opCancelAll, g.client.weight(opCancelAll, 0, true), func(ctx context.Context) error {
		var err error
		n, err = g.client.cancelAll(ctx, sym)
		return err
	})
	if err == nil && n > 0 {
		g.log.Info("orders cancelled", utils.Symbol(sym.Symbol), utils.Int("count", n))
	}
	return n, err
}

func (g *Guarded) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	var symPtr *SymbolInfo
	if symbol != "" {
		sym, err := g.resolve(symbol)
		if err != nil {
			return nil, err
		}
		symPtr = &sym
	}
	var out []models.Order
	err := g.call(ctx, opOpenOrders, g.client.weight(opOpenOrders, 0, symPtr != nil), func(ctx context.Context) error {
		var err error
		out, err = g.client.openOrders(ctx, symPtr)
		return err
	})
	return out, err
}

// ============================================================
// Пользовательский поток
// ============================================================

// StartUserStream - listen key для пользовательского потока (если площадка поддерживает)
func (g *Guarded) StartUserStream(ctx context.Context) (string, error) {
	p, ok := g.client.(UserStreamProvider)
	if !ok {
		return "", g.invalid("user stream listen keys are not supported")
	}
	var key string
	err := g.call(ctx, opUserStream, g.client.weight(opUserStream, 0, false), func(ctx context.Context) error {
		var err error
		key, err = p.StartUserStream(ctx)
		return err
	})
	return key, err
}

// KeepAliveUserStream продлевает listen key
func (g *Guarded) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	p, ok := g.client.(UserStreamProvider)
	if !ok {
		return g.invalid("user stream listen keys are not supported")
	}
	return g.call(ctx, opUserStream, g.client.weight(opUserStream, 0, false), func(ctx context.Context) error {
		return p.KeepAliveUserStream(ctx, listenKey)
	})
}

// SupportsListenKey - есть ли у площадки listen key
func (g *Guarded) SupportsListenKey() bool {
	_, ok := g.client.(UserStreamProvider)
	return ok
}

// AccountAddress - публичный адрес аккаунта (Hyperliquid)
func (g *Guarded) AccountAddress() string {
	if p, ok := g.client.(AccountAddressProvider); ok {
		return p.AccountAddress()
	}
	return ""
}

var _ Adapter = (*Guarded)(nil)

// zeroIfEmpty - разбор десятичной строки площадки; пустая строка = 0
func zeroIfEmpty(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		utils.L().Debug("bad decimal from venue", zap.String("value", s))
		return decimal.Zero
	}
	return d
}
