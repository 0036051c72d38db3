package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MarketType - тип рынка площадки
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// Valid проверяет значение
func (m MarketType) Valid() bool {
	return m == MarketSpot || m == MarketFutures
}

// ParseMarketType разбирает строку ("perp" считается фьючерсом)
func ParseMarketType(s string) (MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "spot":
		return MarketSpot, nil
	case "futures", "perp", "perpetual":
		return MarketFutures, nil
	}
	return "", fmt.Errorf("unknown market type %q", s)
}

// VenueKey - пара (площадка, тип рынка): один адаптер и одно WS-соединение
type VenueKey struct {
	Venue  string     `json:"venue"`
	Market MarketType `json:"market"`
}

func (k VenueKey) String() string {
	return k.Venue + ":" + string(k.Market)
}

// VenueMarket - неизменяемый ключ маршрутизации (площадка, рынок, символ)
type VenueMarket struct {
	Venue  string     `json:"venue"`
	Market MarketType `json:"market"`
	Symbol string     `json:"symbol"`
}

// Key возвращает ключ соединения
func (vm VenueMarket) Key() VenueKey {
	return VenueKey{Venue: vm.Venue, Market: vm.Market}
}

// String - "venue:market:SYMBOL"
func (vm VenueMarket) String() string {
	return vm.Venue + ":" + string(vm.Market) + ":" + vm.Symbol
}

// ParseVenueMarket разбирает "venue:market:SYMBOL"
func ParseVenueMarket(s string) (VenueMarket, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return VenueMarket{}, fmt.Errorf("invalid venue market %q", s)
	}
	mt, err := ParseMarketType(parts[1])
	if err != nil {
		return VenueMarket{}, err
	}
	return VenueMarket{Venue: strings.ToLower(parts[0]), Market: mt, Symbol: strings.ToUpper(parts[2])}, nil
}

// ============================================================
// Рыночные данные
// ============================================================

// Ticker - снимок лучших цен. Каждый новый снимок полностью заменяет предыдущий
type Ticker struct {
	VenueMarket
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Last          decimal.Decimal `json:"last"`
	Volume        decimal.Decimal `json:"volume"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Mid - середина спреда; если одной стороны нет - last
func (t Ticker) Mid() decimal.Decimal {
	if t.Bid.IsPositive() && t.Ask.IsPositive() {
		return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
	}
	return t.Last
}

// PriceLevel - уровень стакана
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook - частичная глубина (без восстановления полной книги)
type OrderBook struct {
	VenueMarket
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// FundingRate - ставка финансирования perpetual-контракта
type FundingRate struct {
	VenueMarket
	Rate            decimal.Decimal `json:"rate"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	FundingTime     time.Time       `json:"funding_time"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	Timestamp       time.Time       `json:"timestamp"`
}

// ============================================================
// Позиции
// ============================================================

// PositionSide - направление позиции
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Position - открытая позиция.
// Size всегда неотрицателен, направление в Side.
// Позиция с нулевым размером считается закрытой и удаляется из кэша.
type Position struct {
	VenueMarket
	Side             PositionSide    `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	PnLPercent       decimal.Decimal `json:"pnl_percent"`
	Margin           decimal.Decimal `json:"margin"`
	Leverage         int             `json:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// IsOpen - позиция не нулевая
func (p Position) IsOpen() bool {
	return !p.Size.IsZero()
}

// MarginRatio - маржа к номиналу позиции, в процентах
func (p Position) MarginRatio() decimal.Decimal {
	notional := p.Size.Mul(p.MarkPrice)
	if notional.IsZero() {
		return decimal.Zero
	}
	return p.Margin.Div(notional).Mul(decimal.NewFromInt(100))
}
