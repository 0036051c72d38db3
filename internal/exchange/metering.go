package exchange

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
)

// ============================================================
// Учёт отдельных HTTP запросов
// ============================================================

// Вызов адаптера может сделать несколько запросов к площадке: resync времени
// и повтор после -1021, чтение открытых ордеров перед отменой, два запроса
// тикера, стакан перед рыночным ордером Hyperliquid.
// Вес операции списывается в Guarded.call до сети и оплачивает первый запрос,
// каждый следующий запрос списывает свой вес в транспорте перед отправкой.

// requestMeter - счётчик запросов одного вызова адаптера
type requestMeter struct {
	charge func(weight int) error

	mu       sync.Mutex
	requests int
	denied   error
}

type meterKey struct{}

func withMeter(ctx context.Context, m *requestMeter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

func meterFrom(ctx context.Context) *requestMeter {
	m, _ := ctx.Value(meterKey{}).(*requestMeter)
	return m
}

// spend учитывает очередной запрос; первый уже оплачен весом операции
func (m *requestMeter) spend(weight int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests++
	if m.requests == 1 {
		return nil
	}
	if err := m.charge(weight); err != nil {
		m.denied = err
		return err
	}
	return nil
}

// deniedErr - отказ лимитера внутри вызова (nil, если не было)
func (m *requestMeter) deniedErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.denied
}

// requestWeigher - вес конкретного HTTP запроса площадки
type requestWeigher func(req *http.Request) int

// meteredTransport списывает вес запроса до отправки.
// Запросы без счётчика в контексте проходят без учёта.
type meteredTransport struct {
	base  http.RoundTripper
	weigh requestWeigher
}

func (t *meteredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if m := meterFrom(req.Context()); m != nil {
		if err := m.spend(t.weigh(req)); err != nil {
			if req.Body != nil {
				_ = req.Body.Close()
			}
			return nil, err
		}
	}
	return t.base.RoundTrip(req)
}

func (t *meteredTransport) CloseIdleConnections() {
	if c, ok := t.base.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// newMeteredHTTPClient - NewHTTPClient с учётом запросов в лимитере
func newMeteredHTTPClient(cfg HTTPClientConfig, weigh requestWeigher) *http.Client {
	c := NewHTTPClient(cfg)
	c.Transport = &meteredTransport{base: c.Transport, weigh: weigh}
	return c
}

// asterRequestWeight - вес запроса Aster по пути и параметрам
func asterRequestWeight(req *http.Request) int {
	q := req.URL.Query()
	hasSymbol := q.Get("symbol") != ""

	switch path := req.URL.Path; {
	case strings.HasSuffix(path, "/depth"):
		limit, err := strconv.Atoi(q.Get("limit"))
		if err != nil || limit <= 0 {
			limit = 100
		}
		return asterDepthWeight(limit)
	case strings.HasSuffix(path, "/account"),
		strings.HasSuffix(path, "/balance"),
		strings.HasSuffix(path, "/positionRisk"):
		return asterWeight(opBalances, 0, false)
	case strings.HasSuffix(path, "/openOrders"):
		return asterWeight(opOpenOrders, 0, hasSymbol)
	case strings.HasSuffix(path, "/ticker/24hr"):
		if hasSymbol {
			return 1
		}
		return 40
	case strings.HasSuffix(path, "/ticker/bookTicker"):
		return asterWeight(opTicker, 0, hasSymbol)
	}
	return 1
}

// hyperliquidRequestWeight - Hyperliquid считает запросы штучно
func hyperliquidRequestWeight(*http.Request) int { return 1 }
