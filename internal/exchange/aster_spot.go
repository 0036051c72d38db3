package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

const asterRecvWindow = "5000"

// asterSpot - спот Aster (/api/v1, подпись HMAC-SHA256 как у Binance)
type asterSpot struct {
	rest      *restClient
	apiKey    string
	apiSecret string
	offsetMs  atomic.Int64 // поправка к локальным часам после синхронизации
	log       *utils.Logger
}

func newAsterSpot(cfg Config, log *utils.Logger) *asterSpot {
	base := cfg.BaseURL
	if base == "" {
		base = asterSpotBaseURL
	}
	return &asterSpot{
		rest: &restClient{
			venue:   VenueAster,
			baseURL: strings.TrimRight(base, "/"),
			http:    newMeteredHTTPClient(cfg.HTTP, asterRequestWeight),
		},
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		log:       log,
	}
}

func (s *asterSpot) key() models.VenueKey {
	return models.VenueKey{Venue: VenueAster, Market: models.MarketSpot}
}

func (s *asterSpot) weight(op operation, levels int, hasSymbol bool) int {
	return asterWeight(op, levels, hasSymbol)
}

func (s *asterSpot) close() error {
	closeIdle(s.rest.http)
	return nil
}

func (s *asterSpot) vm(symbol string) models.VenueMarket {
	return models.VenueMarket{Venue: VenueAster, Market: models.MarketSpot, Symbol: symbol}
}

// ============================================================
// Транспорт
// ============================================================

type asterAPIError struct {
	Code int64  `json:"code"`
	Msg  string `json:"msg"`
}

// sign добавляет timestamp, recvWindow и подпись
func (s *asterSpot) sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()+s.offsetMs.Load(), 10))
	params.Set("recvWindow", asterRecvWindow)
	query := params.Encode()

	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}

// do выполняет запрос. signed - подписывать параметры; keyOnly - только заголовок ключа
func (s *asterSpot) do(ctx context.Context, method, path string, params url.Values, signed, keyOnly bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	if (signed || keyOnly) && s.apiKey == "" {
		return newError(VenueAster, KindAuthentication, "", "api key is not configured", nil)
	}

	query := params.Encode()
	if signed {
		query = s.sign(params)
	}
	target := s.rest.baseURL + path
	if query != "" {
		target += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	if signed || keyOnly {
		req.Header.Set("X-MBX-APIKEY", s.apiKey)
	}

	body, status, err := s.rest.send(req)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		var apiErr asterAPIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			return asterCodeError(VenueAster, apiErr.Code, apiErr.Msg, status)
		}
		return statusError(VenueAster, status, truncate(string(body), 256))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return newError(VenueAster, KindUnknown, "", "decode response: "+err.Error(), err)
	}
	return nil
}

// signedDo - подписанный запрос; при -1021 синхронизирует время и повторяет один раз
func (s *asterSpot) signedDo(ctx context.Context, method, path string, params url.Values, out interface{}) error {
	clone := func() url.Values {
		c := url.Values{}
		for k, v := range params {
			c[k] = append([]string(nil), v...)
		}
		return c
	}

	err := s.do(ctx, method, path, clone(), true, false, out)
	if err == nil || !errors.Is(err, errTimestampDrift) {
		return err
	}
	if syncErr := s.syncTime(ctx); syncErr != nil {
		s.log.Warn("server time resync failed", utils.Err(syncErr))
		return err
	}
	return s.do(ctx, method, path, clone(), true, false, out)
}

func (s *asterSpot) syncTime(ctx context.Context) error {
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v1/time", nil, false, false, &res); err != nil {
		return err
	}
	offset := res.ServerTime - time.Now().UnixMilli()
	s.offsetMs.Store(offset)
	s.log.Info("server time resynced", utils.Int64("offset_ms", offset))
	return nil
}

// ============================================================
// Символы и рыночные данные
// ============================================================

type asterSpotSymbol struct {
	Symbol     string                   `json:"symbol"`
	Status     string                   `json:"status"`
	BaseAsset  string                   `json:"baseAsset"`
	QuoteAsset string                   `json:"quoteAsset"`
	Filters    []map[string]interface{} `json:"filters"`
}

func filterString(f map[string]interface{}, key string) string {
	if v, ok := f[key].(string); ok {
		return v
	}
	return ""
}

func (s *asterSpot) loadSymbols(ctx context.Context) ([]SymbolInfo, error) {
	var res struct {
		Symbols []asterSpotSymbol `json:"symbols"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v1/exchangeInfo", nil, false, false, &res); err != nil {
		return nil, err
	}

	out := make([]SymbolInfo, 0, len(res.Symbols))
	for _, sym := range res.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		si := SymbolInfo{Symbol: sym.Symbol, Native: sym.Symbol, Base: sym.BaseAsset, Quote: sym.QuoteAsset}
		for _, f := range sym.Filters {
			switch filterString(f, "filterType") {
			case "PRICE_FILTER":
				si.TickSize = zeroIfEmpty(filterString(f, "tickSize"))
			case "LOT_SIZE":
				si.StepSize = zeroIfEmpty(filterString(f, "stepSize"))
				si.MinQty = zeroIfEmpty(filterString(f, "minQty"))
			}
		}
		out = append(out, si)
	}
	return out, nil
}

func (s *asterSpot) ticker(ctx context.Context, sym SymbolInfo) (models.Ticker, error) {
	params := url.Values{"symbol": {sym.Native}}

	var book struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v1/ticker/bookTicker", params, false, false, &book); err != nil {
		return models.Ticker{}, err
	}
	var stats struct {
		LastPrice          string `json:"lastPrice"`
		Volume             string `json:"volume"`
		PriceChange        string `json:"priceChange"`
		PriceChangePercent string `json:"priceChangePercent"`
		HighPrice          string `json:"highPrice"`
		LowPrice           string `json:"lowPrice"`
		CloseTime          int64  `json:"closeTime"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v1/ticker/24hr", params, false, false, &stats); err != nil {
		return models.Ticker{}, err
	}

	t := models.Ticker{
		VenueMarket:   s.vm(sym.Symbol),
		Bid:           zeroIfEmpty(book.BidPrice),
		Ask:           zeroIfEmpty(book.AskPrice),
		Last:          zeroIfEmpty(stats.LastPrice),
		Volume:        zeroIfEmpty(stats.Volume),
		Change:        zeroIfEmpty(stats.PriceChange),
		ChangePercent: zeroIfEmpty(stats.PriceChangePercent),
		High:          zeroIfEmpty(stats.HighPrice),
		Low:           zeroIfEmpty(stats.LowPrice),
		Timestamp:     time.Now().UTC(),
	}
	if stats.CloseTime > 0 {
		t.Timestamp = utils.FromUnixMillis(stats.CloseTime)
	}
	return t, nil
}

func (s *asterSpot) depth(ctx context.Context, sym SymbolInfo, levels int) (models.OrderBook, error) {
	params := url.Values{
		"symbol": {sym.Native},
		"limit":  {strconv.Itoa(asterDepthLimit(levels))},
	}
	var res struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := s.do(ctx, http.MethodGet, "/api/v1/depth", params, false, false, &res); err != nil {
		return models.OrderBook{}, err
	}
	return models.OrderBook{
		VenueMarket: s.vm(sym.Symbol),
		Bids:        parseLevels(res.Bids, levels),
		Asks:        parseLevels(res.Asks, levels),
		Timestamp:   time.Now().UTC(),
	}, nil
}

// parseLevels разбирает [["price","qty"], ...]
func parseLevels(raw [][]string, limit int) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(raw))
	for _, l := range raw {
		if len(out) >= limit {
			break
		}
		if len(l) < 2 {
			continue
		}
		out = append(out, models.PriceLevel{Price: zeroIfEmpty(l[0]), Quantity: zeroIfEmpty(l[1])})
	}
	return out
}

// ============================================================
// Аккаунт
// ============================================================

func (s *asterSpot) balances(ctx context.Context) ([]models.Balance, error) {
	var res struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := s.signedDo(ctx, http.MethodGet, "/api/v1/account", nil, &res); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make([]models.Balance, 0, len(res.Balances))
	for _, rb := range res.Balances {
		free, locked := zeroIfEmpty(rb.Free), zeroIfEmpty(rb.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		b, err := models.NewBalance(rb.Asset, free, locked)
		if err != nil {
			s.log.Warn("skip invalid balance", utils.String("asset", rb.Asset), utils.Err(err))
			continue
		}
		b.UpdatedAt = now
		out = append(out, b)
	}
	return out, nil
}

func (s *asterSpot) positions(context.Context) ([]models.Position, error) {
	return []models.Position{}, nil
}

func (s *asterSpot) fundingRate(context.Context, SymbolInfo) (models.FundingRate, error) {
	return models.FundingRate{}, newError(VenueAster, KindInvalidParameter, "", "funding rate is not available on spot markets", nil)
}

func (s *asterSpot) setLeverage(context.Context, SymbolInfo, int) error {
	return newError(VenueAster, KindInvalidParameter, "", "leverage is not available on spot markets", nil)
}

// ============================================================
// Ордера
// ============================================================

type asterSpotOrder struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	AvgPrice            string `json:"avgPrice"`
	Status              string `json:"status"`
	TimeInForce         string `json:"timeInForce"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
}

func (s *asterSpot) convertOrder(o asterSpotOrder, symbol string) models.Order {
	if symbol == "" {
		symbol = o.Symbol
	}
	filled := zeroIfEmpty(o.ExecutedQty)
	avg := zeroIfEmpty(o.AvgPrice)
	if avg.IsZero() && filled.IsPositive() {
		if quote := zeroIfEmpty(o.CummulativeQuoteQty); quote.IsPositive() {
			avg = quote.Div(filled)
		}
	}
	created := o.Time
	if created == 0 {
		created = o.UpdateTime
	}
	return models.Order{
		OrderID:       strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		VenueMarket:   s.vm(symbol),
		Side:          models.Side(strings.ToLower(o.Side)),
		Type:          models.OrderType(strings.ToLower(o.Type)),
		Quantity:      zeroIfEmpty(o.OrigQty),
		Price:         zeroIfEmpty(o.Price),
		TimeInForce:   models.TimeInForce(o.TimeInForce),
		Status:        AsterOrderStatus(o.Status),
		FilledQty:     filled,
		AvgFillPrice:  avg,
		CreatedAt:     utils.FromUnixMillis(created),
		UpdatedAt:     utils.FromUnixMillis(o.UpdateTime),
	}
}

func (s *asterSpot) placeOrder(ctx context.Context, sym SymbolInfo, req models.OrderRequest) (models.Order, error) {
	params := url.Values{
		"symbol":           {sym.Native},
		"side":             {strings.ToUpper(string(req.Side))},
		"type":             {strings.ToUpper(string(req.Type))},
		"quantity":         {req.Quantity.String()},
		"newClientOrderId": {req.ClientOrderID},
	}
	if req.Type == models.OrderTypeLimit {
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(req.TimeInForce))
	}

	var res asterSpotOrder
	if err := s.signedDo(ctx, http.MethodPost, "/api/v1/order", params, &res); err != nil {
		return models.Order{}, err
	}
	order := s.convertOrder(res, sym.Symbol)
	// ответ на размещение может не содержать исходных параметров
	order.Side, order.Type, order.Quantity, order.Price, order.TimeInForce = req.Side, req.Type, req.Quantity, req.Price, req.TimeInForce
	return order, nil
}

func (s *asterSpot) orderByClientID(ctx context.Context, sym SymbolInfo, clientOrderID string) (models.Order, error) {
	params := url.Values{"symbol": {sym.Native}, "origClientOrderId": {clientOrderID}}
	var res asterSpotOrder
	if err := s.signedDo(ctx, http.MethodGet, "/api/v1/order", params, &res); err != nil {
		return models.Order{}, err
	}
	return s.convertOrder(res, sym.Symbol), nil
}

func (s *asterSpot) cancelOrder(ctx context.Context, sym SymbolInfo, orderID string) (models.Order, error) {
	params := url.Values{"symbol": {sym.Native}, "orderId": {orderID}}
	var res asterSpotOrder
	if err := s.signedDo(ctx, http.MethodDelete, "/api/v1/order", params, &res); err != nil {
		return models.Order{}, err
	}
	return s.convertOrder(res, sym.Symbol), nil
}

func (s *asterSpot) cancelAll(ctx context.Context, sym SymbolInfo) (int, error) {
	open, err := s.openOrders(ctx, &sym)
	if err != nil {
		return 0, err
	}
	if len(open) == 0 {
		return 0, nil
	}
	params := url.Values{"symbol": {sym.Native}}
	if err := s.signedDo(ctx, http.MethodDelete, "/api/v1/allOpenOrders", params, nil); err != nil {
		return 0, err
	}
	return len(open), nil
}

func (s *asterSpot) openOrders(ctx context.Context, sym *SymbolInfo) ([]models.Order, error) {
	params := url.Values{}
	symbol := ""
	if sym != nil {
		params.Set("symbol", sym.Native)
		symbol = sym.Symbol
	}
	var res []asterSpotOrder
	if err := s.signedDo(ctx, http.MethodGet, "/api/v1/openOrders", params, &res); err != nil {
		return nil, err
	}
	out := make([]models.Order, 0, len(res))
	for _, o := range res {
		out = append(out, s.convertOrder(o, symbol))
	}
	return out, nil
}

// ============================================================
// Пользовательский поток
// ============================================================

func (s *asterSpot) StartUserStream(ctx context.Context) (string, error) {
	var res struct {
		ListenKey string `json:"listenKey"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/v1/listenKey", nil, false, true, &res); err != nil {
		return "", err
	}
	return res.ListenKey, nil
}

func (s *asterSpot) KeepAliveUserStream(ctx context.Context, listenKey string) error {
	return s.do(ctx, http.MethodPut, "/api/v1/listenKey", url.Values{"listenKey": {listenKey}}, false, true, nil)
}
