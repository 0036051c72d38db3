package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
)

// Кадры Aster содержат поля, отличающиеся только регистром ("s"/"S", "x"/"X")
var json = jsoniter.Config{
	EscapeHTML:             true,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
	CaseSensitive:          true,
}.Froze()

type rawJSON = jsoniter.RawMessage

// Адреса WebSocket по умолчанию
const (
	AsterFuturesWSURL  = "wss://fstream.asterdex.com/stream"
	AsterSpotWSURL     = "wss://sstream.asterdex.com/stream"
	HyperliquidWSURL   = "wss://api.hyperliquid.xyz/ws"
	listenKeyKeepAlive = 30 * time.Minute
)

// userStreamSource - то, что кодекам нужно от адаптера
type userStreamSource interface {
	Key() models.VenueKey
	Symbols() *exchange.SymbolTable
	StartUserStream(ctx context.Context) (string, error)
	KeepAliveUserStream(ctx context.Context, listenKey string) error
	SupportsListenKey() bool
	AccountAddress() string
}

// DefaultWSURL - адрес потока площадки по умолчанию
func DefaultWSURL(key models.VenueKey) string {
	switch key.Venue {
	case exchange.VenueAster:
		if key.Market == models.MarketSpot {
			return AsterSpotWSURL
		}
		return AsterFuturesWSURL
	case exchange.VenueHyperliquid:
		return HyperliquidWSURL
	}
	return ""
}

// NewCodec выбирает кодек по площадке адаптера; пустой wsURL - адрес по умолчанию
func NewCodec(a *exchange.Guarded, wsURL string) (Codec, error) {
	return newCodec(a, wsURL)
}

func newCodec(src userStreamSource, wsURL string) (Codec, error) {
	key := src.Key()
	if wsURL == "" {
		wsURL = DefaultWSURL(key)
	}
	switch key.Venue {
	case exchange.VenueAster:
		return newAsterCodec(src, wsURL), nil
	case exchange.VenueHyperliquid:
		return newHyperliquidCodec(src, wsURL), nil
	}
	return nil, fmt.Errorf("no stream codec for venue %s", key.Venue)
}

// ============================================================
// Общие хелперы разбора
// ============================================================

func parseDec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, nil
}

// decoder собирает первую ошибку разбора десятичных полей
type decoder struct{ err error }

func (d *decoder) dec(s string) decimal.Decimal {
	v, err := parseDec(s)
	if err != nil && d.err == nil {
		d.err = err
	}
	return v
}

func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func changePct(last, prev decimal.Decimal) decimal.Decimal {
	if prev.IsZero() {
		return decimal.Zero
	}
	return last.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
}

func normSide(s string) models.Side {
	switch strings.ToUpper(s) {
	case "SELL", "A", "ASK":
		return models.SideSell
	}
	return models.SideBuy
}
