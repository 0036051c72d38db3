package stream

import (
	"fmt"
	"strings"
	"time"

	"venuewatch/internal/models"
)

// TopicKind - вид топика
type TopicKind string

const (
	TopicTicker TopicKind = "ticker"
	TopicDepth  TopicKind = "depth"
	TopicUser   TopicKind = "user"
)

// Topic - единица подписки внутри соединения.
// Symbol - нормализованный символ таблицы площадки, для user пуст.
type Topic struct {
	Kind   TopicKind
	Symbol string
}

func TickerTopic(symbol string) Topic { return Topic{Kind: TopicTicker, Symbol: symbol} }
func DepthTopic(symbol string) Topic  { return Topic{Kind: TopicDepth, Symbol: symbol} }
func UserTopic() Topic                { return Topic{Kind: TopicUser} }

// String - ticker/BTCUSDT, depth/BTCUSDT, user
func (t Topic) String() string {
	if t.Kind == TopicUser {
		return string(TopicUser)
	}
	return string(t.Kind) + "/" + t.Symbol
}

// ParseTopic разбирает строковую форму топика
func ParseTopic(s string) (Topic, error) {
	if s == string(TopicUser) {
		return UserTopic(), nil
	}
	kind, symbol, ok := strings.Cut(s, "/")
	if !ok || symbol == "" {
		return Topic{}, fmt.Errorf("invalid topic %q", s)
	}
	switch TopicKind(kind) {
	case TopicTicker, TopicDepth:
		return Topic{Kind: TopicKind(kind), Symbol: symbol}, nil
	}
	return Topic{}, fmt.Errorf("invalid topic kind %q", kind)
}

// EventKind - вид нормализованного события
type EventKind string

const (
	EventTicker   EventKind = "ticker"
	EventDepth    EventKind = "depth"
	EventOrder    EventKind = "order"
	EventPosition EventKind = "position"
	EventBalance  EventKind = "balance"
)

// tickerPart - какая часть тикера пришла в кадре
type tickerPart int

const (
	tickerFull  tickerPart = iota
	tickerBook             // только bid/ask
	tickerStats            // last, объём, изменение, без bid/ask
)

// Event - нормализованное событие потока.
// Для position/balance срезы содержат полный текущий набор ключа после обновления.
type Event struct {
	Key       models.VenueKey
	Topic     Topic
	Kind      EventKind
	Ticker    *models.Ticker
	Depth     *models.OrderBook
	Order     *models.Order
	Positions []models.Position
	Balances  []models.Balance
	Received  time.Time

	part          tickerPart
	positionsFull bool // кадр содержит все позиции
	balancesFull  bool // кадр содержит все балансы
}

// Handler - обработчик подписчика. Ошибка и паника логируются, доставка продолжается.
type Handler func(Event) error
