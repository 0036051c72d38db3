// Package exchange предоставляет единый интерфейс к площадкам (Aster, Hyperliquid)
// для спота и бессрочных фьючерсов.
package exchange

import (
	"context"
	"time"

	"venuewatch/internal/models"
)

// Adapter - единый набор возможностей площадки для одного типа рынка.
// Все сетевые вызовы проходят через лимитер площадки, ошибки возвращаются как *Error.
type Adapter interface {
	Key() models.VenueKey
	Symbols() *SymbolTable

	GetBalances(ctx context.Context) ([]models.Balance, error)
	GetTicker(ctx context.Context, symbol string) (models.Ticker, error)
	GetDepth(ctx context.Context, symbol string, levels int) (models.OrderBook, error)

	// PlaceOrder размещает ордер идемпотентно по ClientOrderID
	PlaceOrder(ctx context.Context, req models.OrderRequest) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (models.Order, error)
	// CancelAllOrders отменяет все ордера символа; пустой символ - по всем символам
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)

	GetPositions(ctx context.Context) ([]models.Position, error)
	GetFundingRate(ctx context.Context, symbol string) (models.FundingRate, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	Close() error
}

// OrderGate решает, можно ли сейчас размещать ордера.
// Проверяется до лимитера и до сети.
type OrderGate interface {
	AllowOrder(ctx context.Context, key models.VenueKey, req models.OrderRequest) error
}

// UserStreamProvider - площадки с пользовательским потоком по listen key
type UserStreamProvider interface {
	StartUserStream(ctx context.Context) (string, error)
	KeepAliveUserStream(ctx context.Context, listenKey string) error
}

// AccountAddressProvider - площадки, где пользовательский поток
// адресуется публичным адресом аккаунта
type AccountAddressProvider interface {
	AccountAddress() string
}

// Config - параметры адаптера
type Config struct {
	Venue          string
	Market         models.MarketType
	BaseURL        string // пусто - адрес площадки по умолчанию
	APIKey         string
	APISecret      string
	AccountAddress string // Hyperliquid
	Signer         Signer // Hyperliquid, подпись действий
	SignerURL      string // если Signer не задан - внешний сервис подписи
	RequestTimeout time.Duration
	MaxLeverage    int // верхняя граница плеча поверх лимита инструмента, 0 - без ограничения
	HTTP           HTTPClientConfig
}

// operation - вид вызова (для весов лимитера и метрик)
type operation string

const (
	opBalances    operation = "balances"
	opTicker      operation = "ticker"
	opDepth       operation = "depth"
	opPlaceOrder  operation = "place_order"
	opQueryOrder  operation = "query_order"
	opCancelOrder operation = "cancel_order"
	opCancelAll   operation = "cancel_all"
	opOpenOrders  operation = "open_orders"
	opPositions   operation = "positions"
	opFunding     operation = "funding"
	opLeverage    operation = "leverage"
	opSymbols     operation = "symbols"
	opUserStream  operation = "user_stream"
)

// venueClient - транспорт конкретной площадки и рынка.
// Символы уже разрешены и проверены; лимитер и таймауты - снаружи.
type venueClient interface {
	key() models.VenueKey
	loadSymbols(ctx context.Context) ([]SymbolInfo, error)
	weight(op operation, levels int, hasSymbol bool) int

	balances(ctx context.Context) ([]models.Balance, error)
	ticker(ctx context.Context, sym SymbolInfo) (models.Ticker, error)
	depth(ctx context.Context, sym SymbolInfo, levels int) (models.OrderBook, error)

	placeOrder(ctx context.Context, sym SymbolInfo, req models.OrderRequest) (models.Order, error)
	orderByClientID(ctx context.Context, sym SymbolInfo, clientOrderID string) (models.Order, error)
	cancelOrder(ctx context.Context, sym SymbolInfo, orderID string) (models.Order, error)
	cancelAll(ctx context.Context, sym SymbolInfo) (int, error)
	openOrders(ctx context.Context, sym *SymbolInfo) ([]models.Order, error)

	positions(ctx context.Context) ([]models.Position, error)
	fundingRate(ctx context.Context, sym SymbolInfo) (models.FundingRate, error)
	setLeverage(ctx context.Context, sym SymbolInfo, leverage int) error

	close() error
}
