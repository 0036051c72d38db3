package stream

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to State
		want     bool
	}{
		{"подключение", StateDisconnected, StateConnecting, true},
		{"соединение установлено", StateConnecting, StateConnected, true},
		{"повтор подписок", StateConnected, StateSubscribing, true},
		{"без топиков сразу в поток", StateConnected, StateStreaming, true},
		{"поток", StateSubscribing, StateStreaming, true},
		{"обрыв потока", StateStreaming, StateReconnecting, true},
		{"обрыв при подписке", StateSubscribing, StateReconnecting, true},
		{"новая попытка", StateReconnecting, StateConnecting, true},
		{"закрытие", StateStreaming, StateDisconnected, true},
		{"минуя подключение", StateDisconnected, StateStreaming, false},
		{"назад в подписку", StateStreaming, StateSubscribing, false},
		{"переподключение без обрыва", StateReconnecting, StateStreaming, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		in      string
		want    Topic
		wantErr bool
	}{
		{"ticker/BTCUSDT", TickerTopic("BTCUSDT"), false},
		{"depth/ETH", DepthTopic("ETH"), false},
		{"user", UserTopic(), false},
		{"ticker/", Topic{}, true},
		{"trades/BTCUSDT", Topic{}, true},
		{"", Topic{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTopic(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
			if err == nil && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

var (
	cacheKey = models.VenueKey{Venue: "aster", Market: models.MarketFutures}
	cacheVM  = models.VenueMarket{Venue: "aster", Market: models.MarketFutures, Symbol: "BTCUSDT"}
)

func TestCache_TickerMerge(t *testing.T) {
	c := NewCache()
	t0 := time.Unix(1700000000, 0)

	stats := models.Ticker{VenueMarket: cacheVM, Last: d("100"), Volume: d("5"), Timestamp: t0}
	if _, ok, err := c.apply(Event{Kind: EventTicker, Ticker: &stats, part: tickerStats}); !ok || err != nil {
		t.Fatalf("stats not applied: %v", err)
	}
	book := models.Ticker{VenueMarket: cacheVM, Bid: d("99.5"), Ask: d("100.5"), Timestamp: t0.Add(time.Second)}
	ev, ok, err := c.apply(Event{Kind: EventTicker, Ticker: &book, part: tickerBook})
	if !ok || err != nil {
		t.Fatalf("book not applied: %v", err)
	}

	got := *ev.Ticker
	if !got.Last.Equal(d("100")) || !got.Bid.Equal(d("99.5")) || !got.Ask.Equal(d("100.5")) {
		t.Errorf("merged ticker = %+v", got)
	}
	if !got.Timestamp.Equal(t0.Add(time.Second)) {
		t.Errorf("timestamp = %v", got.Timestamp)
	}
	if !got.Mid().Equal(d("100")) {
		t.Errorf("mid = %s", got.Mid())
	}

	full := models.Ticker{VenueMarket: cacheVM, Last: d("101"), Timestamp: t0.Add(2 * time.Second)}
	c.apply(Event{Kind: EventTicker, Ticker: &full, part: tickerFull})
	cached, _ := c.Ticker(cacheVM)
	if !cached.Bid.IsZero() {
		t.Errorf("полный снимок должен заменить предыдущий целиком, bid = %s", cached.Bid)
	}
}

func TestCache_BalanceInvariant(t *testing.T) {
	c := NewCache()

	good, _ := models.NewBalance("USDT", d("90"), d("10"))
	if _, ok, err := c.apply(Event{Key: cacheKey, Kind: EventBalance, Balances: []models.Balance{good}}); !ok || err != nil {
		t.Fatalf("valid balance rejected: %v", err)
	}

	bad := models.Balance{Asset: "USDT", Free: d("90"), Locked: d("10"), Total: d("120")}
	if _, ok, err := c.apply(Event{Key: cacheKey, Kind: EventBalance, Balances: []models.Balance{bad}}); ok || err == nil {
		t.Fatal("balance violating total == free + locked must be rejected")
	}

	for _, b := range c.Balances(cacheKey) {
		if !b.Total.Equal(b.Free.Add(b.Locked)) {
			t.Errorf("invariant broken in cache: %+v", b)
		}
	}
	if got := c.Balances(cacheKey); len(got) != 1 || !got[0].Total.Equal(d("100")) {
		t.Errorf("balances = %+v", got)
	}
}

func TestCache_PositionLifecycle(t *testing.T) {
	c := NewCache()
	open := models.Position{VenueMarket: cacheVM, Side: models.PositionLong, Size: d("0.5"), EntryPrice: d("100"), Leverage: 10}

	ev, _, _ := c.apply(Event{Key: cacheKey, Kind: EventPosition, Positions: []models.Position{open}})
	if len(ev.Positions) != 1 {
		t.Fatalf("positions = %+v", ev.Positions)
	}
	p := ev.Positions[0]
	if !p.MarkPrice.Equal(d("100")) || !p.Margin.Equal(d("5")) {
		t.Errorf("derived fields: mark=%s margin=%s", p.MarkPrice, p.Margin)
	}

	// переоценка по тикеру
	tk := models.Ticker{VenueMarket: cacheVM, Last: d("110"), Timestamp: time.Now()}
	mev, ok := c.markPositions(cacheKey, &tk)
	if !ok {
		t.Fatal("mark update expected")
	}
	if got := mev.Positions[0]; !got.UnrealizedPnL.Equal(d("5")) || !got.PnLPercent.Equal(d("90.9091")) {
		t.Errorf("pnl=%s pnl%%=%s", got.UnrealizedPnL, got.PnLPercent)
	}

	// частичный кадр с нулевым размером закрывает позицию
	closed := models.Position{VenueMarket: cacheVM, Side: models.PositionLong, Size: decimal.Zero}
	ev, _, _ = c.apply(Event{Key: cacheKey, Kind: EventPosition, Positions: []models.Position{closed}})
	if len(ev.Positions) != 0 || len(c.Positions(cacheKey)) != 0 {
		t.Errorf("position must be removed, got %+v", ev.Positions)
	}
}

func TestCache_OrderUpdates(t *testing.T) {
	c := NewCache()
	o := models.Order{OrderID: "1", VenueMarket: cacheVM, Quantity: d("2"), Status: models.OrderStatusNew}

	steps := []struct {
		name    string
		status  models.OrderStatus
		filled  string
		wantErr bool
	}{
		{"новый", models.OrderStatusNew, "0", false},
		{"частичное исполнение", models.OrderStatusPartiallyFilled, "1", false},
		{"уменьшение исполненного", models.OrderStatusPartiallyFilled, "0.5", true},
		{"исполнен", models.OrderStatusFilled, "2", false},
		{"выход из терминального", models.OrderStatusCanceled, "2", true},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			u := o
			u.Status = st.status
			u.FilledQty = d(st.filled)
			_, ok, err := c.apply(Event{Key: cacheKey, Kind: EventOrder, Order: &u})
			if (err != nil) != st.wantErr || ok == st.wantErr {
				t.Fatalf("ok=%v err=%v, wantErr %v", ok, err, st.wantErr)
			}
		})
	}

	got, ok := c.Order(cacheKey, "1")
	if !ok || got.Status != models.OrderStatusFilled || !got.FilledQty.Equal(d("2")) {
		t.Errorf("order = %+v", got)
	}
	if open := c.OpenOrders(cacheKey); len(open) != 0 {
		t.Errorf("open orders = %+v", open)
	}
}
