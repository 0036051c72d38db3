package exchange

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

const (
	VenueAster = "aster"

	asterFuturesBaseURL = "https://fapi.asterdex.com"
	asterSpotBaseURL    = "https://sapi.asterdex.com"
)

// asterFutures - бессрочные фьючерсы Aster.
// API совместим с Binance USDⓈ-M, поэтому используется клиент go-binance
// с подменённым BaseURL.
type asterFutures struct {
	client *futures.Client
	log    *utils.Logger
}

func newAsterFutures(cfg Config, log *utils.Logger) *asterFutures {
	base := cfg.BaseURL
	if base == "" {
		base = asterFuturesBaseURL
	}
	base = strings.TrimRight(base, "/")

	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = base
	client.HTTPClient = newMeteredHTTPClient(cfg.HTTP, asterRequestWeight)

	return &asterFutures{
		client: client,
		log:    log,
	}
}

func (a *asterFutures) key() models.VenueKey {
	return models.VenueKey{Venue: VenueAster, Market: models.MarketFutures}
}

func (a *asterFutures) weight(op operation, levels int, hasSymbol bool) int {
	return asterWeight(op, levels, hasSymbol)
}

func (a *asterFutures) close() error {
	closeIdle(a.client.HTTPClient)
	return nil
}

func (a *asterFutures) vm(symbol string) models.VenueMarket {
	return models.VenueMarket{Venue: VenueAster, Market: models.MarketFutures, Symbol: symbol}
}

// signed выполняет подписанный вызов; при -1021 синхронизирует время и повторяет один раз
func (a *asterFutures) signed(ctx context.Context, fn func() error) error {
	err := asterError(VenueAster, fn())
	if err == nil || !errors.Is(err, errTimestampDrift) {
		return err
	}
	offset, syncErr := a.client.NewSetServerTimeService().Do(ctx)
	if syncErr != nil {
		a.log.Warn("server time resync failed", utils.Err(syncErr))
		return err
	}
	a.log.Info("server time resynced", utils.Int64("offset_ms", offset))
	return asterError(VenueAster, fn())
}

// ============================================================
// Символы
// ============================================================

func (a *asterFutures) loadSymbols(ctx context.Context) ([]SymbolInfo, error) {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, asterError(VenueAster, err)
	}

	out := make([]SymbolInfo, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		si := SymbolInfo{
			Symbol: s.Symbol,
			Native: s.Symbol,
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
		}
		if f := s.PriceFilter(); f != nil {
			si.TickSize = zeroIfEmpty(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			si.StepSize = zeroIfEmpty(f.StepSize)
			si.MinQty = zeroIfEmpty(f.MinQuantity)
		}
		out = append(out, si)
	}
	return out, nil
}

// ============================================================
// Рыночные данные
// ============================================================

func (a *asterFutures) ticker(ctx context.Context, sym SymbolInfo) (models.Ticker, error) {
	books, err := a.client.NewListBookTickersService().Symbol(sym.Native).Do(ctx)
	if err != nil {
		return models.Ticker{}, asterError(VenueAster, err)
	}
	stats, err := a.client.NewListPriceChangeStatsService().Symbol(sym.Native).Do(ctx)
	if err != nil {
		return models.Ticker{}, asterError(VenueAster, err)
	}

	t := models.Ticker{VenueMarket: a.vm(sym.Symbol), Timestamp: time.Now().UTC()}
	if len(books) > 0 {
		t.Bid = zeroIfEmpty(books[0].BidPrice)
		t.Ask = zeroIfEmpty(books[0].AskPrice)
	}
	if len(stats) > 0 {
		s := stats[0]
		t.Last = zeroIfEmpty(s.LastPrice)
		t.Volume = zeroIfEmpty(s.Volume)
		t.Change = zeroIfEmpty(s.PriceChange)
		t.ChangePercent = zeroIfEmpty(s.PriceChangePercent)
		t.High = zeroIfEmpty(s.HighPrice)
		t.Low = zeroIfEmpty(s.LowPrice)
		if s.CloseTime > 0 {
			t.Timestamp = utils.FromUnixMillis(s.CloseTime)
		}
	}
	return t, nil
}

// asterDepthLimit - площадка принимает только фиксированные размеры стакана
func asterDepthLimit(levels int) int {
	for _, l := range []int{5, 10, 20, 50, 100, 500, 1000} {
		if levels <= l {
			return l
		}
	}
	return 1000
}

func (a *asterFutures) depth(ctx context.Context, sym SymbolInfo, levels int) (models.OrderBook, error) {
	res, err := a.client.NewDepthService().Symbol(sym.Native).Limit(asterDepthLimit(levels)).Do(ctx)
	if err != nil {
		return models.OrderBook{}, asterError(VenueAster, err)
	}

	book := models.OrderBook{VenueMarket: a.vm(sym.Symbol), Timestamp: time.Now().UTC()}
	if res.Time > 0 {
		book.Timestamp = utils.FromUnixMillis(res.Time)
	}
	for i, b := range res.Bids {
		if i >= levels {
			break
		}
		book.Bids = append(book.Bids, models.PriceLevel{Price: zeroIfEmpty(b.Price), Quantity: zeroIfEmpty(b.Quantity)})
	}
	for i, s := range res.Asks {
		if i >= levels {
			break
		}
		book.Asks = append(book.Asks, models.PriceLevel{Price: zeroIfEmpty(s.Price), Quantity: zeroIfEmpty(s.Quantity)})
	}
	return book, nil
}

func (a *asterFutures) fundingRate(ctx context.Context, sym SymbolInfo) (models.FundingRate, error) {
	res, err := a.client.NewPremiumIndexService().Symbol(sym.Native).Do(ctx)
	if err != nil {
		return models.FundingRate{}, asterError(VenueAster, err)
	}
	if len(res) == 0 {
		return models.FundingRate{}, newError(VenueAster, KindInvalidSymbol, "", "no premium index for "+sym.Symbol, nil)
	}
	p := res[0]
	fr := models.FundingRate{
		VenueMarket:     a.vm(sym.Symbol),
		Rate:            zeroIfEmpty(p.LastFundingRate),
		MarkPrice:       zeroIfEmpty(p.MarkPrice),
		NextFundingTime: utils.FromUnixMillis(p.NextFundingTime),
		Timestamp:       time.Now().UTC(),
	}
	if p.Time > 0 {
		fr.Timestamp = utils.FromUnixMillis(p.Time)
	}
	return fr, nil
}

// ============================================================
// Аккаунт
// ============================================================

func (a *asterFutures) balances(ctx context.Context) ([]models.Balance, error) {
	var acc *futures.Account
	err := a.signed(ctx, func() error {
		var err error
		acc, err = a.client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]models.Balance, 0, len(acc.Assets))
	for _, as := range acc.Assets {
		total := zeroIfEmpty(as.WalletBalance)
		free := zeroIfEmpty(as.AvailableBalance)
		if total.IsZero() && free.IsZero() {
			continue
		}
		// available может превышать wallet из-за нереализованной прибыли
		free = utils.MinDecimal(free, total)
		if free.IsNegative() {
			free = decimal.Zero
		}
		b, err := models.NewBalanceFromTotal(as.Asset, total, total.Sub(free))
		if err != nil {
			a.log.Warn("skip invalid balance", utils.String("asset", as.Asset), utils.Err(err))
			continue
		}
		b.UpdatedAt = now
		out = append(out, b)
	}
	return out, nil
}

func (a *asterFutures) positions(ctx context.Context) ([]models.Position, error) {
	var risks []*futures.PositionRisk
	err := a.signed(ctx, func() error {
		var err error
		risks, err = a.client.NewGetPositionRiskService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]models.Position, 0)
	for _, r := range risks {
		amt := zeroIfEmpty(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := models.PositionLong
		if amt.IsNegative() {
			side = models.PositionShort
		}
		lev, _ := strconv.Atoi(r.Leverage)
		p := models.Position{
			VenueMarket:      a.vm(r.Symbol),
			Side:             side,
			Size:             amt.Abs(),
			EntryPrice:       zeroIfEmpty(r.EntryPrice),
			MarkPrice:        zeroIfEmpty(r.MarkPrice),
			UnrealizedPnL:    zeroIfEmpty(r.UnRealizedProfit),
			Leverage:         lev,
			LiquidationPrice: zeroIfEmpty(r.LiquidationPrice),
			UpdatedAt:        now,
		}
		if lev > 0 {
			notional := p.Size.Mul(p.MarkPrice)
			p.Margin = notional.Div(decimal.NewFromInt(int64(lev)))
			if !p.Margin.IsZero() {
				p.PnLPercent = p.UnrealizedPnL.Div(p.Margin).Mul(decimal.NewFromInt(100))
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *asterFutures) setLeverage(ctx context.Context, sym SymbolInfo, leverage int) error {
	return a.signed(ctx, func() error {
		_, err := a.client.NewChangeLeverageService().Symbol(sym.Native).Leverage(leverage).Do(ctx)
		return err
	})
}

// ============================================================
// Ордера
// ============================================================

func (a *asterFutures) placeOrder(ctx context.Context, sym SymbolInfo, req models.OrderRequest) (models.Order, error) {
	svc := a.client.NewCreateOrderService().
		Symbol(sym.Native).
		Side(futures.SideType(strings.ToUpper(string(req.Side)))).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)

	if req.Type == models.OrderTypeLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			Price(req.Price.String()).
			TimeInForce(futures.TimeInForceType(req.TimeInForce))
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	var res *futures.CreateOrderResponse
	err := a.signed(ctx, func() error {
		var err error
		res, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return models.Order{}, err
	}

	updated := utils.FromUnixMillis(res.UpdateTime)
	return models.Order{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		VenueMarket:   a.vm(sym.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		Status:        AsterOrderStatus(string(res.Status)),
		FilledQty:     zeroIfEmpty(res.ExecutedQuantity),
		AvgFillPrice:  zeroIfEmpty(res.AvgPrice),
		CreatedAt:     updated,
		UpdatedAt:     updated,
	}, nil
}

func (a *asterFutures) convertOrder(o *futures.Order) models.Order {
	symbol := o.Symbol
	return models.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		VenueMarket:   a.vm(symbol),
		Side:          models.Side(strings.ToLower(string(o.Side))),
		Type:          models.OrderType(strings.ToLower(string(o.Type))),
		Quantity:      zeroIfEmpty(o.OrigQuantity),
		Price:         zeroIfEmpty(o.Price),
		TimeInForce:   models.TimeInForce(o.TimeInForce),
		Status:        AsterOrderStatus(string(o.Status)),
		FilledQty:     zeroIfEmpty(o.ExecutedQuantity),
		AvgFillPrice:  zeroIfEmpty(o.AvgPrice),
		CreatedAt:     utils.FromUnixMillis(o.Time),
		UpdatedAt:     utils.FromUnixMillis(o.UpdateTime),
	}
}

func (a *asterFutures) orderByClientID(ctx context.Context, sym SymbolInfo, clientOrderID string) (models.Order, error) {
	var o *futures.Order
	err := a.signed(ctx, func() error {
		var err error
		o, err = a.client.NewGetOrderService().Symbol(sym.Native).OrigClientOrderID(clientOrderID).Do(ctx)
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	order := a.convertOrder(o)
	order.Symbol = sym.Symbol
	return order, nil
}

func (a *asterFutures) cancelOrder(ctx context.Context, sym SymbolInfo, orderID string) (models.Order, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return models.Order{}, newError(VenueAster, KindInvalidParameter, "", "order id must be numeric", err)
	}

	var res *futures.CancelOrderResponse
	err = a.signed(ctx, func() error {
		var err error
		res, err = a.client.NewCancelOrderService().Symbol(sym.Native).OrderID(id).Do(ctx)
		return err
	})
	if err != nil {
		return models.Order{}, err
	}
	return models.Order{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		VenueMarket:   a.vm(sym.Symbol),
		Side:          models.Side(strings.ToLower(string(res.Side))),
		Type:          models.OrderType(strings.ToLower(string(res.Type))),
		Quantity:      zeroIfEmpty(res.OrigQuantity),
		Price:         zeroIfEmpty(res.Price),
		TimeInForce:   models.TimeInForce(res.TimeInForce),
		Status:        AsterOrderStatus(string(res.Status)),
		FilledQty:     zeroIfEmpty(res.ExecutedQuantity),
		UpdatedAt:     utils.FromUnixMillis(res.UpdateTime),
	}, nil
}

// cancelAll: площадка не сообщает число отменённых, поэтому сначала читаем открытые
func (a *asterFutures) cancelAll(ctx context.Context, sym SymbolInfo) (int, error) {
	open, err := a.openOrders(ctx, &sym)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}
	err = a.signed(ctx, func() error {
		return a.client.NewCancelAllOpenOrdersService().Symbol(sym.Native).Do(ctx)
	})
	if err != nil {
		return 0, err
	}
	return len(open), nil
}

func (a *asterFutures) openOrders(ctx context.Context, sym *SymbolInfo) ([]models.Order, error) {
	svc := a.client.NewListOpenOrdersService()
	if sym != nil {
		svc = svc.Symbol(sym.Native)
	}
	var list []*futures.Order
	err := a.signed(ctx, func() error {
		var err error
		list, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(list))
	for _, o := range list {
		out = append(out, a.convertOrder(o))
	}
	return out, nil
}

// ============================================================
// Пользовательский поток
// ============================================================

func (a *asterFutures) StartUserStream(ctx context.Context) (string, error) {
	key, err := a.client.NewStartUserStreamService().Do(ctx)
	return key, asterError(VenueAster, err)
}

func (a *asterFutures) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	return asterError(VenueAster, a.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx))
}

// AsterOrderStatus - статусы Aster совпадают с нашими, кроме служебных
func AsterOrderStatus(s string) models.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED", "FILLED", "CANCELED", "REJECTED", "EXPIRED":
		return models.OrderStatus(s)
	case "EXPIRED_IN_MATCH":
		return models.OrderStatusExpired
	}
	return models.OrderStatusNew
}
