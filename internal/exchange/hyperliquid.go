package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

const (
	VenueHyperliquid = "hyperliquid"

	hyperliquidBaseURL = "https://api.hyperliquid.xyz"

	// Смещение id спотовых активов в ордерах
	hlSpotAssetOffset = 10000

	// Проскальзывание для рыночного ордера (IOC по худшей цене)
	hlMarketSlippage = "0.05"

	// Значимых цифр в цене
	hlPriceSigFigs = 5
)

// hyperliquid - бессрочные фьючерсы или спот Hyperliquid.
// Чтение через POST /info, торговля через POST /exchange с подписью Signer.
type hyperliquid struct {
	market  models.MarketType
	rest    *restClient
	address string
	signer  Signer
	log     *utils.Logger

	nonceMu   sync.Mutex
	lastNonce int64
}

func newHyperliquid(cfg Config, log *utils.Logger) *hyperliquid {
	base := cfg.BaseURL
	if base == "" {
		base = hyperliquidBaseURL
	}
	signer := cfg.Signer
	if signer == nil && cfg.SignerURL != "" {
		signer = NewRemoteSigner(cfg.SignerURL, cfg.HTTP)
	}
	return &hyperliquid{
		market: cfg.Market,
		rest: &restClient{
			venue:   VenueHyperliquid,
			baseURL: strings.TrimRight(base, "/"),
			http:    newMeteredHTTPClient(cfg.HTTP, hyperliquidRequestWeight),
		},
		address: strings.ToLower(cfg.AccountAddress),
		signer:  signer,
		log:     log,
	}
}

func (h *hyperliquid) key() models.VenueKey {
	return models.VenueKey{Venue: VenueHyperliquid, Market: h.market}
}

func (h *hyperliquid) weight(op operation, levels int, hasSymbol bool) int {
	return hyperliquidWeight(op, levels, hasSymbol)
}

func (h *hyperliquid) close() error {
	closeIdle(h.rest.http)
	return nil
}

func (h *hyperliquid) spot() bool { return h.market == models.MarketSpot }

func (h *hyperliquid) vm(symbol string) models.VenueMarket {
	return models.VenueMarket{Venue: VenueHyperliquid, Market: h.market, Symbol: symbol}
}

// AccountAddress - адрес для пользовательских подписок WS
func (h *hyperliquid) AccountAddress() string { return h.address }

// ============================================================
// Транспорт
// ============================================================

// info выполняет запрос /info
func (h *hyperliquid) info(ctx context.Context, req map[string]interface{}, out interface{}) error {
	err := h.rest.postJSON(ctx, "/info", req, out)
	if e, ok := AsError(err); ok && e.Code == "HTTP 422" {
		// тело не разобрано площадкой
		e.Kind = KindInvalidParameter
	}
	return err
}

func (h *hyperliquid) user() (string, error) {
	if h.address == "" {
		return "", newError(VenueHyperliquid, KindAuthentication, "", "account address is not configured", nil)
	}
	return h.address, nil
}

// nonce - миллисекунды, строго возрастающие
func (h *hyperliquid) nonce() int64 {
	h.nonceMu.Lock()
	defer h.nonceMu.Unlock()
	n := time.Now().UnixMilli()
	if n <= h.lastNonce {
		n = h.lastNonce + 1
	}
	h.lastNonce = n
	return n
}

type hlExchangeResponse struct {
	Status   string      `json:"status"`
	Response interface{} `json:"response"`
}

type hlStatusesResponse struct {
	Status   string `json:"status"`
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []rawJSON `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// exchange подписывает и отправляет действие /exchange
func (h *hyperliquid) exchange(ctx context.Context, action map[string]interface{}, out interface{}) error {
	if h.signer == nil {
		return newError(VenueHyperliquid, KindAuthentication, "", "signer is not configured", nil)
	}
	nonce := h.nonce()
	sig, err := h.signer.SignAction(ctx, action, nonce)
	if err != nil {
		if _, ok := AsError(err); ok {
			return err
		}
		return newError(VenueHyperliquid, KindAuthentication, "", "sign action: "+err.Error(), err)
	}

	payload := map[string]interface{}{
		"action":    action,
		"nonce":     nonce,
		"signature": sig,
	}

	var raw rawJSON
	if err := h.rest.postJSON(ctx, "/exchange", payload, &raw); err != nil {
		return err
	}

	var head hlExchangeResponse
	if err := json.Unmarshal(raw, &head); err != nil {
		return newError(VenueHyperliquid, KindUnknown, "", "decode response: "+err.Error(), err)
	}
	if head.Status != "ok" {
		msg := fmt.Sprint(head.Response)
		return hlMessageError(msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return newError(VenueHyperliquid, KindUnknown, "", "decode response: "+err.Error(), err)
	}
	return nil
}

// hlMessageError классифицирует текстовую ошибку площадки
func hlMessageError(msg string) *Error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "duplicate"):
		return newError(VenueHyperliquid, KindInvalidParameter, "", msg, errDuplicateClientID)
	case strings.Contains(lower, "insufficient"), strings.Contains(lower, "not enough"):
		return newError(VenueHyperliquid, KindInsufficientBalance, "", msg, nil)
	case strings.Contains(lower, "never placed"), strings.Contains(lower, "already canceled"),
		strings.Contains(lower, "unknown oid"), strings.Contains(lower, "order not found"):
		return newError(VenueHyperliquid, KindOrderNotFound, "", msg, nil)
	case strings.Contains(lower, "does not exist"), strings.Contains(lower, "user or api wallet"),
		strings.Contains(lower, "signature"):
		return newError(VenueHyperliquid, KindAuthentication, "", msg, nil)
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many"):
		return newError(VenueHyperliquid, KindRateLimited, "", msg, nil)
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "tick size"),
		strings.Contains(lower, "minimum value"), strings.Contains(lower, "leverage"):
		return newError(VenueHyperliquid, KindInvalidParameter, "", msg, nil)
	}
	return newError(VenueHyperliquid, KindUnknown, "", msg, nil)
}

// ============================================================
// Символы
// ============================================================

type hlPerpMeta struct {
	Universe []struct {
		Name        string `json:"name"`
		SzDecimals  int32  `json:"szDecimals"`
		MaxLeverage int    `json:"maxLeverage"`
		IsDelisted  bool   `json:"isDelisted"`
	} `json:"universe"`
}

type hlSpotMeta struct {
	Tokens []struct {
		Name       string `json:"name"`
		SzDecimals int32  `json:"szDecimals"`
		Index      int    `json:"index"`
	} `json:"tokens"`
	Universe []struct {
		Name   string `json:"name"`
		Tokens []int  `json:"tokens"`
		Index  int    `json:"index"`
	} `json:"universe"`
}

type hlAssetCtx struct {
	Coin      string `json:"coin"`
	Funding   string `json:"funding"`
	MarkPx    string `json:"markPx"`
	MidPx     string `json:"midPx"`
	PrevDayPx string `json:"prevDayPx"`
	DayNtlVlm string `json:"dayNtlVlm"`
}

// decimalsStep - 10^-n
func decimalsStep(n int32) decimal.Decimal {
	if n < 0 {
		n = 0
	}
	return decimal.New(1, -n)
}

func (h *hyperliquid) loadSymbols(ctx context.Context) ([]SymbolInfo, error) {
	if h.spot() {
		return h.loadSpotSymbols(ctx)
	}

	var meta hlPerpMeta
	if err := h.info(ctx, map[string]interface{}{"type": "meta"}, &meta); err != nil {
		return nil, err
	}
	out := make([]SymbolInfo, 0, len(meta.Universe))
	for i, u := range meta.Universe {
		if u.IsDelisted {
			continue
		}
		out = append(out, SymbolInfo{
			Symbol:      u.Name,
			Native:      u.Name,
			Base:        u.Name,
			Quote:       "USDC",
			TickSize:    decimalsStep(6 - u.SzDecimals),
			StepSize:    decimalsStep(u.SzDecimals),
			MinQty:      decimalsStep(u.SzDecimals),
			MaxLeverage: u.MaxLeverage,
			AssetID:     i,
		})
	}
	return out, nil
}

func (h *hyperliquid) loadSpotSymbols(ctx context.Context) ([]SymbolInfo, error) {
	var meta hlSpotMeta
	if err := h.info(ctx, map[string]interface{}{"type": "spotMeta"}, &meta); err != nil {
		return nil, err
	}
	tokens := make(map[int]int, len(meta.Tokens))
	for i, t := range meta.Tokens {
		tokens[t.Index] = i
	}

	out := make([]SymbolInfo, 0, len(meta.Universe))
	for _, u := range meta.Universe {
		if len(u.Tokens) != 2 {
			continue
		}
		bi, okB := tokens[u.Tokens[0]]
		qi, okQ := tokens[u.Tokens[1]]
		if !okB || !okQ {
			continue
		}
		base, quote := meta.Tokens[bi], meta.Tokens[qi]
		out = append(out, SymbolInfo{
			Symbol:   base.Name + "/" + quote.Name,
			Native:   u.Name, // "PURR/USDC" или "@107"
			Base:     base.Name,
			Quote:    quote.Name,
			TickSize: decimalsStep(8 - base.SzDecimals),
			StepSize: decimalsStep(base.SzDecimals),
			MinQty:   decimalsStep(base.SzDecimals),
			AssetID:  hlSpotAssetOffset + u.Index,
		})
	}
	return out, nil
}

// assetCtx - контекст актива (mark, mid, funding, объём)
func (h *hyperliquid) assetCtx(ctx context.Context, sym SymbolInfo) (hlAssetCtx, error) {
	reqType := "metaAndAssetCtxs"
	if h.spot() {
		reqType = "spotMetaAndAssetCtxs"
	}
	var raw []rawJSON
	if err := h.info(ctx, map[string]interface{}{"type": reqType}, &raw); err != nil {
		return hlAssetCtx{}, err
	}
	if len(raw) < 2 {
		return hlAssetCtx{}, newError(VenueHyperliquid, KindUnknown, "", "unexpected asset contexts response", nil)
	}
	var ctxs []hlAssetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return hlAssetCtx{}, newError(VenueHyperliquid, KindUnknown, "", "decode asset contexts: "+err.Error(), err)
	}

	if h.spot() {
		for _, c := range ctxs {
			if c.Coin == sym.Native {
				return c, nil
			}
		}
	} else if sym.AssetID >= 0 && sym.AssetID < len(ctxs) {
		return ctxs[sym.AssetID], nil
	}
	return hlAssetCtx{}, newError(VenueHyperliquid, KindInvalidSymbol, "", "no asset context for "+sym.Symbol, nil)
}

// ============================================================
// Рыночные данные
// ============================================================

type hlBook struct {
	Coin   string `json:"coin"`
	Time   int64  `json:"time"`
	Levels [][]struct {
		Px string `json:"px"`
		Sz string `json:"sz"`
		N  int    `json:"n"`
	} `json:"levels"`
}

func (h *hyperliquid) book(ctx context.Context, sym SymbolInfo) (hlBook, error) {
	var b hlBook
	err := h.info(ctx, map[string]interface{}{"type": "l2Book", "coin": sym.Native}, &b)
	return b, err
}

func (h *hyperliquid) ticker(ctx context.Context, sym SymbolInfo) (models.Ticker, error) {
	b, err := h.book(ctx, sym)
	if err != nil {
		return models.Ticker{}, err
	}
	ac, err := h.assetCtx(ctx, sym)
	if err != nil {
		return models.Ticker{}, err
	}

	t := models.Ticker{
		VenueMarket: h.vm(sym.Symbol),
		Last:        zeroIfEmpty(ac.MarkPx),
		Volume:      zeroIfEmpty(ac.DayNtlVlm),
		Timestamp:   time.Now().UTC(),
	}
	if b.Time > 0 {
		t.Timestamp = utils.FromUnixMillis(b.Time)
	}
	if len(b.Levels) == 2 {
		if len(b.Levels[0]) > 0 {
			t.Bid = zeroIfEmpty(b.Levels[0][0].Px)
		}
		if len(b.Levels[1]) > 0 {
			t.Ask = zeroIfEmpty(b.Levels[1][0].Px)
		}
	}
	if prev := zeroIfEmpty(ac.PrevDayPx); prev.IsPositive() {
		t.Change = t.Last.Sub(prev)
		t.ChangePercent = utils.ChangePct(prev, t.Last)
	}
	return t, nil
}

func (h *hyperliquid) depth(ctx context.Context, sym SymbolInfo, levels int) (models.OrderBook, error) {
	b, err := h.book(ctx, sym)
	if err != nil {
		return models.OrderBook{}, err
	}
	book := models.OrderBook{VenueMarket: h.vm(sym.Symbol), Timestamp: utils.FromUnixMillis(b.Time)}
	if b.Time == 0 {
		book.Timestamp = time.Now().UTC()
	}
	if len(b.Levels) == 2 {
		for i, l := range b.Levels[0] {
			if i >= levels {
				break
			}
			book.Bids = append(book.Bids, models.PriceLevel{Price: zeroIfEmpty(l.Px), Quantity: zeroIfEmpty(l.Sz)})
		}
		for i, l := range b.Levels[1] {
			if i >= levels {
				break
			}
			book.Asks = append(book.Asks, models.PriceLevel{Price: zeroIfEmpty(l.Px), Quantity: zeroIfEmpty(l.Sz)})
		}
	}
	return book, nil
}

// nextHour - финансирование начисляется каждый час
func nextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func (h *hyperliquid) fundingRate(ctx context.Context, sym SymbolInfo) (models.FundingRate, error) {
	if h.spot() {
		return models.FundingRate{}, newError(VenueHyperliquid, KindInvalidParameter, "", "funding rate is not available on spot markets", nil)
	}
	ac, err := h.assetCtx(ctx, sym)
	if err != nil {
		return models.FundingRate{}, err
	}
	now := time.Now().UTC()
	return models.FundingRate{
		VenueMarket:     h.vm(sym.Symbol),
		Rate:            zeroIfEmpty(ac.Funding),
		MarkPrice:       zeroIfEmpty(ac.MarkPx),
		FundingTime:     now.Truncate(time.Hour),
		NextFundingTime: nextHour(now),
		Timestamp:       now,
	}, nil
}

// ============================================================
// Аккаунт
// ============================================================

type hlClearinghouse struct {
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
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
	Time int64 `json:"time"`
}

func (h *hyperliquid) balances(ctx context.Context) ([]models.Balance, error) {
	user, err := h.user()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	if h.spot() {
		var res struct {
			Balances []struct {
				Coin  string `json:"coin"`
				Total string `json:"total"`
				Hold  string `json:"hold"`
			} `json:"balances"`
		}
		if err := h.info(ctx, map[string]interface{}{"type": "spotClearinghouseState", "user": user}, &res); err != nil {
			return nil, err
		}
		out := make([]models.Balance, 0, len(res.Balances))
		for _, rb := range res.Balances {
			total := zeroIfEmpty(rb.Total)
			if total.IsZero() {
				continue
			}
			hold := utils.MinDecimal(zeroIfEmpty(rb.Hold), total)
			b, err := models.NewBalanceFromTotal(rb.Coin, total, hold)
			if err != nil {
				h.log.Warn("skip invalid balance", utils.String("asset", rb.Coin), utils.Err(err))
				continue
			}
			b.UpdatedAt = now
			out = append(out, b)
		}
		return out, nil
	}

	var state hlClearinghouse
	if err := h.info(ctx, map[string]interface{}{"type": "clearinghouseState", "user": user}, &state); err != nil {
		return nil, err
	}
	total := zeroIfEmpty(state.MarginSummary.AccountValue)
	if total.IsNegative() {
		total = decimal.Zero
	}
	locked := utils.MinDecimal(zeroIfEmpty(state.MarginSummary.TotalMarginUsed), total)
	if locked.IsNegative() {
		locked = decimal.Zero
	}
	b, err := models.NewBalanceFromTotal("USDC", total, locked)
	if err != nil {
		return nil, newError(VenueHyperliquid, KindUnknown, "", err.Error(), err)
	}
	b.UpdatedAt = now
	return []models.Balance{b}, nil
}

func (h *hyperliquid) positions(ctx context.Context) ([]models.Position, error) {
	if h.spot() {
		return []models.Position{}, nil
	}
	user, err := h.user()
	if err != nil {
		return nil, err
	}
	var state hlClearinghouse
	if err := h.info(ctx, map[string]interface{}{"type": "clearinghouseState", "user": user}, &state); err != nil {
		return nil, err
	}

	updated := time.Now().UTC()
	if state.Time > 0 {
		updated = utils.FromUnixMillis(state.Time)
	}
	out := make([]models.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		p := ap.Position
		szi := zeroIfEmpty(p.Szi)
		if szi.IsZero() {
			continue
		}
		side := models.PositionLong
		if szi.IsNegative() {
			side = models.PositionShort
		}
		size := szi.Abs()
		pos := models.Position{
			VenueMarket:      h.vm(p.Coin),
			Side:             side,
			Size:             size,
			EntryPrice:       zeroIfEmpty(p.EntryPx),
			UnrealizedPnL:    zeroIfEmpty(p.UnrealizedPnl),
			PnLPercent:       zeroIfEmpty(p.ReturnOnEquity).Mul(decimal.NewFromInt(100)),
			Margin:           zeroIfEmpty(p.MarginUsed),
			Leverage:         p.Leverage.Value,
			LiquidationPrice: zeroIfEmpty(p.LiquidationPx),
			UpdatedAt:        updated,
		}
		if v := zeroIfEmpty(p.PositionValue); v.IsPositive() {
			pos.MarkPrice = v.Div(size)
		}
		out = append(out, pos)
	}
	return out, nil
}

func (h *hyperliquid) setLeverage(ctx context.Context, sym SymbolInfo, leverage int) error {
	if h.spot() {
		return newError(VenueHyperliquid, KindInvalidParameter, "", "leverage is not available on spot markets", nil)
	}
	action := map[string]interface{}{
		"type":     "updateLeverage",
		"asset":    sym.AssetID,
		"isCross":  true,
		"leverage": leverage,
	}
	return h.exchange(ctx, action, nil)
}

// ============================================================
// Ордера
// ============================================================

// hlCloid - client order id площадки: 0x + 16 байт hex.
// Произвольные id переводятся детерминированно (uuid v5), uuid - без изменений.
func hlCloid(clientOrderID string) string {
	if strings.HasPrefix(clientOrderID, "0x") && len(clientOrderID) == 34 {
		return strings.ToLower(clientOrderID)
	}
	id, err := uuid.Parse(clientOrderID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(clientOrderID))
	}
	return "0x" + strings.ReplaceAll(id.String(), "-", "")
}

// hlRoundPrice - не более 5 значимых цифр и не точнее tick
func hlRoundPrice(px, tick decimal.Decimal) decimal.Decimal {
	if px.IsZero() {
		return px
	}
	intDigits := len(px.Truncate(0).Abs().String())
	if px.Abs().LessThan(decimal.NewFromInt(1)) {
		intDigits = 0
	}
	places := int32(hlPriceSigFigs - intDigits)
	if places < 0 {
		places = 0
	}
	px = px.Round(places)
	return utils.RoundToStepNearest(px, tick)
}

func hlTIF(tif models.TimeInForce) (string, error) {
	switch tif {
	case models.TIFGoodTillCancel, "":
		return "Gtc", nil
	case models.TIFImmediateOrCancel:
		return "Ioc", nil
	}
	return "", newError(VenueHyperliquid, KindInvalidParameter, "", fmt.Sprintf("time in force %s is not supported", tif), nil)
}

// marketPrice - цена IOC ордера, имитирующего рыночный
func (h *hyperliquid) marketPrice(ctx context.Context, sym SymbolInfo, side models.Side) (decimal.Decimal, error) {
	b, err := h.book(ctx, sym)
	if err != nil {
		return decimal.Zero, err
	}
	slip := decimal.RequireFromString(hlMarketSlippage)
	if side == models.SideBuy {
		if len(b.Levels) < 2 || len(b.Levels[1]) == 0 {
			return decimal.Zero, newError(VenueHyperliquid, KindInvalidParameter, "", "no asks for market order", nil)
		}
		return zeroIfEmpty(b.Levels[1][0].Px).Mul(decimal.NewFromInt(1).Add(slip)), nil
	}
	if len(b.Levels) < 1 || len(b.Levels[0]) == 0 {
		return decimal.Zero, newError(VenueHyperliquid, KindInvalidParameter, "", "no bids for market order", nil)
	}
	return zeroIfEmpty(b.Levels[0][0].Px).Mul(decimal.NewFromInt(1).Sub(slip)), nil
}

type hlOrderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
		Oid     int64  `json:"oid"`
	} `json:"filled"`
	Error string `json:"error"`
}

func (h *hyperliquid) placeOrder(ctx context.Context, sym SymbolInfo, req models.OrderRequest) (models.Order, error) {
	tif := "Ioc"
	price := req.Price
	if req.Type == models.OrderTypeLimit {
		var err error
		if tif, err = hlTIF(req.TimeInForce); err != nil {
			return models.Order{}, err
		}
	} else {
		px, err := h.marketPrice(ctx, sym, req.Side)
		if err != nil {
			return models.Order{}, err
		}
		price = px
	}
	price = hlRoundPrice(price, sym.TickSize)

	cloid := hlCloid(req.ClientOrderID)
	action := map[string]interface{}{
		"type": "order",
		"orders": []map[string]interface{}{{
			"a": sym.AssetID,
			"b": req.Side == models.SideBuy,
			"p": price.String(),
			"s": req.Quantity.String(),
			"r": req.ReduceOnly,
			"t": map[string]interface{}{"limit": map[string]string{"tif": tif}},
			"c": cloid,
		}},
		"grouping": "na",
	}

	var res hlStatusesResponse
	if err := h.exchange(ctx, action, &res); err != nil {
		return models.Order{}, err
	}
	if len(res.Response.Data.Statuses) == 0 {
		return models.Order{}, newError(VenueHyperliquid, KindUnknown, "", "empty order status", nil)
	}
	var st hlOrderStatus
	if err := json.Unmarshal(res.Response.Data.Statuses[0], &st); err != nil {
		return models.Order{}, newError(VenueHyperliquid, KindUnknown, "", "decode order status: "+err.Error(), err)
	}

	now := time.Now().UTC()
	order := models.Order{
		ClientOrderID: req.ClientOrderID,
		VenueMarket:   h.vm(sym.Symbol),
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		TimeInForce:   req.TimeInForce,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	switch {
	case st.Error != "":
		return models.Order{}, hlMessageError(st.Error)
	case st.Filled != nil:
		order.OrderID = strconv.FormatInt(st.Filled.Oid, 10)
		order.FilledQty = zeroIfEmpty(st.Filled.TotalSz)
		order.AvgFillPrice = zeroIfEmpty(st.Filled.AvgPx)
		order.Status = models.OrderStatusFilled
		if order.FilledQty.LessThan(req.Quantity) {
			// IOC исполнен частично, остаток снят
			order.Status = models.OrderStatusCanceled
		}
	case st.Resting != nil:
		order.OrderID = strconv.FormatInt(st.Resting.Oid, 10)
		order.Status = models.OrderStatusNew
	default:
		return models.Order{}, newError(VenueHyperliquid, KindUnknown, "", "unexpected order status", nil)
	}
	return order, nil
}

type hlOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"` // B / A
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	OrigSz    string `json:"origSz"`
	Oid       int64  `json:"oid"`
	Timestamp int64  `json:"timestamp"`
	Cloid     string `json:"cloid"`
	Tif       string `json:"tif"`
	OrderType string `json:"orderType"`
}

// HyperliquidOrderStatus - статус ордера площадки в наш
func HyperliquidOrderStatus(s string) models.OrderStatus {
	switch {
	case s == "open", s == "triggered":
		return models.OrderStatusNew
	case s == "filled":
		return models.OrderStatusFilled
	case s == "rejected", strings.HasSuffix(s, "Rejected"):
		return models.OrderStatusRejected
	case s == "canceled", strings.HasSuffix(s, "Canceled"):
		return models.OrderStatusCanceled
	}
	return models.OrderStatusNew
}

func (h *hyperliquid) convertOrder(o hlOrder, status string, updated int64, symbol string) models.Order {
	side := models.SideBuy
	if o.Side == "A" {
		side = models.SideSell
	}
	orig := zeroIfEmpty(o.OrigSz)
	remaining := zeroIfEmpty(o.Sz)
	if orig.IsZero() {
		orig = remaining
	}
	filled := orig.Sub(remaining)
	if filled.IsNegative() {
		filled = decimal.Zero
	}

	st := HyperliquidOrderStatus(status)
	if st == models.OrderStatusNew && filled.IsPositive() {
		st = models.OrderStatusPartiallyFilled
	}
	if st == models.OrderStatusFilled {
		filled = orig
	}

	tif := models.TimeInForce("")
	switch o.Tif {
	case "Gtc", "Alo":
		tif = models.TIFGoodTillCancel
	case "Ioc":
		tif = models.TIFImmediateOrCancel
	}
	typ := models.OrderTypeLimit
	if strings.Contains(strings.ToLower(o.OrderType), "market") {
		typ = models.OrderTypeMarket
	}
	if updated == 0 {
		updated = o.Timestamp
	}
	return models.Order{
		OrderID:       strconv.FormatInt(o.Oid, 10),
		ClientOrderID: o.Cloid,
		VenueMarket:   h.vm(symbol),
		Side:          side,
		Type:          typ,
		Quantity:      orig,
		Price:         zeroIfEmpty(o.LimitPx),
		TimeInForce:   tif,
		Status:        st,
		FilledQty:     filled,
		CreatedAt:     utils.FromUnixMillis(o.Timestamp),
		UpdatedAt:     utils.FromUnixMillis(updated),
	}
}

func (h *hyperliquid) orderByClientID(ctx context.Context, sym SymbolInfo, clientOrderID string) (models.Order, error) {
	user, err := h.user()
	if err != nil {
		return models.Order{}, err
	}
	var res struct {
		Status string `json:"status"`
		Order  struct {
			Order           hlOrder `json:"order"`
			Status          string  `json:"status"`
			StatusTimestamp int64   `json:"statusTimestamp"`
		} `json:"order"`
	}
	req := map[string]interface{}{"type": "orderStatus", "user": user, "oid": hlCloid(clientOrderID)}
	if err := h.info(ctx, req, &res); err != nil {
		return models.Order{}, err
	}
	if res.Status != "order" {
		return models.Order{}, newError(VenueHyperliquid, KindOrderNotFound, "", "unknown client order id "+clientOrderID, nil)
	}
	order := h.convertOrder(res.Order.Order, res.Order.Status, res.Order.StatusTimestamp, sym.Symbol)
	order.ClientOrderID = clientOrderID
	return order, nil
}

type hlCancelResponse struct {
	Response struct {
		Data struct {
			Statuses []rawJSON `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
}

// cancel снимает ордера и возвращает число успешных отмен и первую ошибку
func (h *hyperliquid) cancel(ctx context.Context, sym SymbolInfo, oids []int64) (int, error) {
	cancels := make([]map[string]interface{}, 0, len(oids))
	for _, oid := range oids {
		cancels = append(cancels, map[string]interface{}{"a": sym.AssetID, "o": oid})
	}
	var res hlCancelResponse
	if err := h.exchange(ctx, map[string]interface{}{"type": "cancel", "cancels": cancels}, &res); err != nil {
		return 0, err
	}

	ok := 0
	var firstErr error
	for _, raw := range res.Response.Data.Statuses {
		var s string
		if json.Unmarshal(raw, &s) == nil && s == "success" {
			ok++
			continue
		}
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" && firstErr == nil {
			firstErr = hlMessageError(e.Error)
		}
	}
	return ok, firstErr
}

func (h *hyperliquid) cancelOrder(ctx context.Context, sym SymbolInfo, orderID string) (models.Order, error) {
	oid, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return models.Order{}, newError(VenueHyperliquid, KindInvalidParameter, "", "order id must be numeric", err)
	}
	n, err := h.cancel(ctx, sym, []int64{oid})
	if err != nil {
		return models.Order{}, err
	}
	if n == 0 {
		return models.Order{}, newError(VenueHyperliquid, KindOrderNotFound, "", "order "+orderID+" was not cancelled", nil)
	}
	now := time.Now().UTC()
	return models.Order{
		OrderID:     orderID,
		VenueMarket: h.vm(sym.Symbol),
		Status:      models.OrderStatusCanceled,
		UpdatedAt:   now,
	}, nil
}

func (h *hyperliquid) cancelAll(ctx context.Context, sym SymbolInfo) (int, error) {
	open, err := h.openOrders(ctx, &sym)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}
	oids := make([]int64, 0, len(open))
	for _, o := range open {
		if id, err := strconv.ParseInt(o.OrderID, 10, 64); err == nil {
			oids = append(oids, id)
		}
	}
	return h.cancel(ctx, sym, oids)
}

func (h *hyperliquid) openOrders(ctx context.Context, sym *SymbolInfo) ([]models.Order, error) {
	user, err := h.user()
	if err != nil {
		return nil, err
	}
	var res []hlOrder
	if err := h.info(ctx, map[string]interface{}{"type": "frontendOpenOrders", "user": user}, &res); err != nil {
		return nil, err
	}

	out := make([]models.Order, 0, len(res))
	for _, o := range res {
		if sym != nil && o.Coin != sym.Native {
			continue
		}
		// спот и перпы приходят одним списком; спотовые монеты - "PAIR/QUOTE" или "@N"
		isSpotCoin := strings.Contains(o.Coin, "/") || strings.HasPrefix(o.Coin, "@")
		if isSpotCoin != h.spot() {
			continue
		}
		symbol := o.Coin
		if sym != nil {
			symbol = sym.Symbol
		}
		out = append(out, h.convertOrder(o, "open", 0, symbol))
	}
	return out, nil
}
