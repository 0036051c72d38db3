package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"venuewatch/internal/alert"
	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/internal/risk"
	"venuewatch/internal/stream"
	"venuewatch/pkg/ratelimit"
)

// ============ Mock NotificationRepository ============

type MockNotificationRepository struct {
	items     []*models.Notification
	getErr    error
	deleteErr error

	lastOwner string
	lastTypes []string
	lastLimit int
}

func (m *MockNotificationRepository) GetRecent(_ context.Context, owner string, limit int) ([]*models.Notification, error) {
	m.lastOwner, m.lastTypes, m.lastLimit = owner, nil, limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.Notification
	for _, n := range m.items {
		if n.Owner == owner || n.Owner == "" {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockNotificationRepository) GetByTypes(_ context.Context, owner string, types []string, limit int) ([]*models.Notification, error) {
	m.lastOwner, m.lastTypes, m.lastLimit = owner, types, limit
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []*models.Notification
	for _, n := range m.items {
		if n.Owner != owner && n.Owner != "" {
			continue
		}
		for _, t := range types {
			if n.Type == t {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

func (m *MockNotificationRepository) DeleteAll(_ context.Context, owner string) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	kept := m.items[:0]
	var n int64
	for _, item := range m.items {
		if item.Owner == owner {
			n++
			continue
		}
		kept = append(kept, item)
	}
	m.items = kept
	return n, nil
}

func (m *MockNotificationRepository) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	kept := m.items[:0]
	var n int64
	for _, item := range m.items {
		if item.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, item)
	}
	m.items = kept
	return n, nil
}

// ============ Mock Sink ============

type MockSink struct {
	mu  sync.Mutex
	got []models.Notification
	ch  chan models.Notification
	err error
}

func NewMockSink() *MockSink {
	return &MockSink{ch: make(chan models.Notification, 16)}
}

func (m *MockSink) Notify(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	m.got = append(m.got, n)
	m.mu.Unlock()
	m.ch <- n
	return m.err
}

// ============ Mock Adapter ============

type MockAdapter struct {
	key models.VenueKey

	balances   []models.Balance
	positions  []models.Position
	balanceErr error

	placed   []models.OrderRequest
	placeErr error
	canceled []string
	leverage map[string]int
}

func NewMockAdapter(venue string, market models.MarketType) *MockAdapter {
	return &MockAdapter{key: models.VenueKey{Venue: venue, Market: market}, leverage: make(map[string]int)}
}

func (m *MockAdapter) Key() models.VenueKey           { return m.key }
func (m *MockAdapter) Symbols() *exchange.SymbolTable { return nil }
func (m *MockAdapter) Close() error                   { return nil }

func (m *MockAdapter) GetBalances(context.Context) ([]models.Balance, error) {
	return m.balances, m.balanceErr
}

func (m *MockAdapter) vm(symbol string) models.VenueMarket {
	return models.VenueMarket{Venue: m.key.Venue, Market: m.key.Market, Symbol: symbol}
}

func (m *MockAdapter) GetTicker(_ context.Context, symbol string) (models.Ticker, error) {
	return models.Ticker{VenueMarket: m.vm(symbol), Last: decimal.NewFromInt(100)}, nil
}

func (m *MockAdapter) GetDepth(_ context.Context, symbol string, levels int) (models.OrderBook, error) {
	if levels < 1 || levels > 1000 {
		return models.OrderBook{}, &exchange.Error{Kind: exchange.KindInvalidParameter, Venue: m.key.Venue, Message: "levels"}
	}
	return models.OrderBook{VenueMarket: m.vm(symbol)}, nil
}

func (m *MockAdapter) PlaceOrder(_ context.Context, req models.OrderRequest) (models.Order, error) {
	if m.placeErr != nil {
		return models.Order{}, m.placeErr
	}
	m.placed = append(m.placed, req)
	return models.Order{OrderID: "1", ClientOrderID: req.ClientOrderID, VenueMarket: m.vm(req.Symbol), Status: models.OrderStatusNew}, nil
}

func (m *MockAdapter) CancelOrder(_ context.Context, symbol, orderID string) (models.Order, error) {
	m.canceled = append(m.canceled, symbol+"/"+orderID)
	return models.Order{OrderID: orderID, VenueMarket: m.vm(symbol), Status: models.OrderStatusCanceled}, nil
}

func (m *MockAdapter) CancelAllOrders(_ context.Context, symbol string) (int, error) {
	m.canceled = append(m.canceled, symbol+"/*")
	return 2, nil
}

func (m *MockAdapter) GetOpenOrders(context.Context, string) ([]models.Order, error) {
	return nil, nil
}

func (m *MockAdapter) GetPositions(context.Context) ([]models.Position, error) {
	return m.positions, nil
}

func (m *MockAdapter) GetFundingRate(_ context.Context, symbol string) (models.FundingRate, error) {
	if m.key.Market == models.MarketSpot {
		return models.FundingRate{}, &exchange.Error{Kind: exchange.KindInvalidParameter, Venue: m.key.Venue}
	}
	return models.FundingRate{VenueMarket: m.vm(symbol), Rate: decimal.RequireFromString("0.01")}, nil
}

func (m *MockAdapter) SetLeverage(_ context.Context, symbol string, leverage int) error {
	m.leverage[symbol] = leverage
	return nil
}

// ============ Mock Pool / Budgets / Streams ============

type MockPool struct{ adapters []*MockAdapter }

func (p *MockPool) Adapter(key models.VenueKey) (exchange.Adapter, bool) {
	for _, a := range p.adapters {
		if a.key == key {
			return a, true
		}
	}
	return nil, false
}

func (p *MockPool) Adapters() []exchange.Adapter {
	out := make([]exchange.Adapter, len(p.adapters))
	for i, a := range p.adapters {
		out[i] = a
	}
	return out
}

type MockBudgets map[string]ratelimit.Budget

func (m MockBudgets) Snapshot(venue string) (ratelimit.Budget, bool) {
	b, ok := m[venue]
	return b, ok
}

type MockStreams []stream.ConnStatus

func (m MockStreams) States() []stream.ConnStatus { return m }

// ============ Mock AlertEngine ============

type MockAlertEngine struct {
	created   []models.Alert
	createErr error
	alerts    map[string]models.Alert
}

func NewMockAlertEngine() *MockAlertEngine {
	return &MockAlertEngine{alerts: make(map[string]models.Alert)}
}

func (m *MockAlertEngine) Create(_ context.Context, a models.Alert) (models.Alert, error) {
	if m.createErr != nil {
		return models.Alert{}, m.createErr
	}
	a.ID = "alert-1"
	m.created = append(m.created, a)
	m.alerts[a.ID] = a
	return a, nil
}

func (m *MockAlertEngine) List(owner string) []models.Alert {
	var out []models.Alert
	for _, a := range m.alerts {
		if owner == "" || a.Owner == owner {
			out = append(out, a)
		}
	}
	return out
}

func (m *MockAlertEngine) Get(owner, id string) (models.Alert, error) {
	a, ok := m.alerts[id]
	if !ok || a.Owner != owner {
		return models.Alert{}, alert.ErrNotFound
	}
	return a, nil
}

func (m *MockAlertEngine) Delete(_ context.Context, owner, id string) error {
	if _, err := m.Get(owner, id); err != nil {
		return err
	}
	delete(m.alerts, id)
	return nil
}

func (m *MockAlertEngine) SetEnabled(_ context.Context, owner, id string, enabled bool) (models.Alert, error) {
	a, err := m.Get(owner, id)
	if err != nil {
		return a, err
	}
	if enabled {
		a.State = models.AlertArmed
	} else {
		a.State = models.AlertDisabled
	}
	m.alerts[id] = a
	return a, nil
}

func (m *MockAlertEngine) DefaultCooldown(kind models.AlertKind) time.Duration {
	return alert.DefaultConfig().Cooldowns[kind]
}

// ============ Mock RiskGuard ============

type MockRiskGuard struct {
	token  string
	status risk.Status
	calls  int
	rebase bool
}

func (m *MockRiskGuard) Status() risk.Status { return m.status }

func (m *MockRiskGuard) Reset(_ context.Context, _ string, token string, rebaseDaily bool) error {
	m.calls++
	if token != m.token {
		return risk.ErrUnauthorizedReset
	}
	m.rebase = rebaseDaily
	m.status.State = risk.StateActive
	m.status.StopReason = ""
	return nil
}

var errBoom = errors.New("boom")
