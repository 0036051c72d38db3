package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"venuewatch/internal/alert"
	"venuewatch/internal/api/middleware"
	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/internal/risk"
	"venuewatch/internal/service"
	"venuewatch/pkg/ratelimit"
)

// ============ Mock VenueService ============

type MockVenueService struct {
	mu sync.Mutex

	err       error
	lastKey   models.VenueKey
	lastOrder models.OrderRequest
	lastDepth int
	lastSym   string
	leverage  int
}

var _ service.VenueServiceInterface = (*MockVenueService)(nil)

func (m *MockVenueService) record(key models.VenueKey, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastKey = key
	m.lastSym = symbol
	if key.Venue != "aster" {
		return service.ErrVenueNotConfigured
	}
	return m.err
}

func (m *MockVenueService) ListVenues() []service.VenueInfo {
	return []service.VenueInfo{
		{Venue: "aster", Market: models.MarketFutures, Symbols: 3, StreamState: "STREAMING"},
		{Venue: "hyperliquid", Market: models.MarketSpot, Symbols: 2, StreamState: "NONE"},
	}
}

func (m *MockVenueService) Overview(ctx context.Context) []service.AccountOverview {
	return []service.AccountOverview{
		{Venue: "aster", Market: models.MarketFutures, Balances: []models.Balance{}, Positions: []models.Position{}},
		{Venue: "hyperliquid", Market: models.MarketSpot, Balances: []models.Balance{}, Positions: []models.Position{}, Error: "hyperliquid: AuthenticationError"},
	}
}

func (m *MockVenueService) Balances(ctx context.Context, key models.VenueKey) ([]models.Balance, error) {
	if err := m.record(key, ""); err != nil {
		return nil, err
	}
	b, _ := models.NewBalance("USDT", decimal.NewFromInt(90), decimal.NewFromInt(10))
	return []models.Balance{b}, nil
}

func (m *MockVenueService) Positions(ctx context.Context, key models.VenueKey) ([]models.Position, error) {
	if err := m.record(key, ""); err != nil {
		return nil, err
	}
	return []models.Position{}, nil
}

func (m *MockVenueService) Ticker(ctx context.Context, key models.VenueKey, symbol string) (models.Ticker, error) {
	if err := m.record(key, symbol); err != nil {
		return models.Ticker{}, err
	}
	return models.Ticker{
		VenueMarket: models.VenueMarket{Venue: key.Venue, Market: key.Market, Symbol: symbol},
		Last:        decimal.NewFromInt(65000),
	}, nil
}

func (m *MockVenueService) Depth(ctx context.Context, key models.VenueKey, symbol string, levels int) (models.OrderBook, error) {
	if err := m.record(key, symbol); err != nil {
		return models.OrderBook{}, err
	}
	m.mu.Lock()
	m.lastDepth = levels
	m.mu.Unlock()
	if levels < 1 || levels > 1000 {
		return models.OrderBook{}, &exchange.Error{Kind: exchange.KindInvalidParameter, Venue: key.Venue, Message: "levels out of range"}
	}
	return models.OrderBook{VenueMarket: models.VenueMarket{Venue: key.Venue, Market: key.Market, Symbol: symbol}}, nil
}

func (m *MockVenueService) FundingRate(ctx context.Context, key models.VenueKey, symbol string) (models.FundingRate, error) {
	if err := m.record(key, symbol); err != nil {
		return models.FundingRate{}, err
	}
	return models.FundingRate{VenueMarket: models.VenueMarket{Venue: key.Venue, Market: key.Market, Symbol: symbol}}, nil
}

func (m *MockVenueService) OpenOrders(ctx context.Context, key models.VenueKey, symbol string) ([]models.Order, error) {
	if err := m.record(key, symbol); err != nil {
		return nil, err
	}
	return []models.Order{}, nil
}

func (m *MockVenueService) PlaceOrder(ctx context.Context, key models.VenueKey, req models.OrderRequest) (models.Order, error) {
	if err := m.record(key, req.Symbol); err != nil {
		return models.Order{}, err
	}
	m.mu.Lock()
	m.lastOrder = req
	m.mu.Unlock()
	return models.Order{
		VenueMarket:   models.VenueMarket{Venue: key.Venue, Market: key.Market, Symbol: req.Symbol},
		OrderID:       "1001",
		ClientOrderID: req.ClientOrderID,
		Side:          req.Side,
		Type:          req.Type,
		Status:        models.OrderStatusNew,
	}, nil
}

func (m *MockVenueService) CancelOrder(ctx context.Context, key models.VenueKey, symbol, orderID string) (models.Order, error) {
	if err := m.record(key, symbol); err != nil {
		return models.Order{}, err
	}
	return models.Order{OrderID: orderID, Status: models.OrderStatusCanceled}, nil
}

func (m *MockVenueService) CancelAllOrders(ctx context.Context, key models.VenueKey, symbol string) (int, error) {
	if err := m.record(key, symbol); err != nil {
		return 0, err
	}
	return 3, nil
}

func (m *MockVenueService) SetLeverage(ctx context.Context, key models.VenueKey, symbol string, leverage int) error {
	if err := m.record(key, symbol); err != nil {
		return err
	}
	m.mu.Lock()
	m.leverage = leverage
	m.mu.Unlock()
	return nil
}

func (m *MockVenueService) RateLimit(key models.VenueKey) (ratelimit.Budget, error) {
	if err := m.record(key, ""); err != nil {
		return ratelimit.Budget{}, err
	}
	return ratelimit.Budget{
		Venue: "aster", Policy: ratelimit.PolicyWeight, Window: time.Minute,
		Capacity: 1200, Burst: 100, Consumed: 200,
	}, nil
}

// ============ Mock AlertService ============

type MockAlertService struct {
	mu     sync.Mutex
	alerts map[string]models.Alert
	seq    int

	createErr error
	lastReq   service.CreateAlertRequest
}

var _ service.AlertServiceInterface = (*MockAlertService)(nil)

func NewMockAlertService() *MockAlertService {
	return &MockAlertService{alerts: make(map[string]models.Alert)}
}

func (m *MockAlertService) CreateAlert(ctx context.Context, owner string, req service.CreateAlertRequest) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReq = req
	if m.createErr != nil {
		return models.Alert{}, m.createErr
	}
	if req.Cooldown == "soon" {
		return models.Alert{}, models.ErrInvalidAlert
	}
	m.seq++
	a := models.Alert{
		ID:          "a" + string(rune('0'+m.seq)),
		Owner:       owner,
		VenueMarket: models.VenueMarket{Venue: strings.ToLower(req.Venue), Market: models.MarketType(req.Market), Symbol: req.Symbol},
		Kind:        models.AlertKind(req.Kind),
		Condition:   req.Condition,
		State:       models.AlertArmed,
	}
	m.alerts[a.ID] = a
	return a, nil
}

func (m *MockAlertService) ListAlerts(owner string) []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Alert
	for _, a := range m.alerts {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	return out
}

func (m *MockAlertService) GetAlert(owner, id string) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Owner != owner {
		return models.Alert{}, alert.ErrNotFound
	}
	return a, nil
}

func (m *MockAlertService) DeleteAlert(ctx context.Context, owner, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Owner != owner {
		return alert.ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

func (m *MockAlertService) SetEnabled(ctx context.Context, owner, id string, enabled bool) (models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok || a.Owner != owner {
		return models.Alert{}, alert.ErrNotFound
	}
	if enabled {
		a.State = models.AlertArmed
	} else {
		a.State = models.AlertDisabled
	}
	m.alerts[id] = a
	return a, nil
}

// ============ Mock NotificationService ============

type MockNotificationService struct {
	mu            sync.Mutex
	notifications []*models.Notification
	lastOwner     string
	lastTypes     []string
	lastLimit     int
	err           error
}

var _ service.NotificationServiceInterface = (*MockNotificationService)(nil)

func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{}
}

func (m *MockNotificationService) Add(owner, typ, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, &models.Notification{
		ID:        "n" + string(rune('0'+len(m.notifications)+1)),
		Owner:     owner,
		Timestamp: time.Now(),
		Type:      typ,
		Severity:  models.SeverityInfo,
		Message:   msg,
	})
}

func (m *MockNotificationService) GetNotifications(ctx context.Context, owner string, types []string, limit int) ([]*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOwner, m.lastTypes, m.lastLimit = owner, types, limit
	if m.err != nil {
		return nil, m.err
	}
	out := make([]*models.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		if n.Owner == owner || n.Owner == "" {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *MockNotificationService) ClearNotifications(ctx context.Context, owner string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	kept := m.notifications[:0]
	var deleted int64
	for _, n := range m.notifications {
		if n.Owner == owner {
			deleted++
			continue
		}
		kept = append(kept, n)
	}
	m.notifications = kept
	return deleted, nil
}

// ============ Mock RiskService ============

type MockRiskService struct {
	mu     sync.Mutex
	status risk.Status
	token  string
	req    service.ResetRequest
}

var _ service.RiskServiceInterface = (*MockRiskService)(nil)

func (m *MockRiskService) Status() risk.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *MockRiskService) Reset(ctx context.Context, operator string, req service.ResetRequest) (risk.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.req = req
	if req.Token != m.token {
		return m.status, risk.ErrUnauthorizedReset
	}
	m.status.State = risk.StateActive
	m.status.StopReason = ""
	return m.status, nil
}

// ============ Helpers ============

var errBoom = errors.New("boom")

// serve прогоняет запрос через mux (для переменных пути) с владельцем в контексте
func serve(pattern, method string, h http.HandlerFunc, req *http.Request, owner string) *httptest.ResponseRecorder {
	router := mux.NewRouter()
	router.HandleFunc(pattern, h).Methods(method)
	if owner != "" {
		req = req.WithContext(middleware.WithOwner(req.Context(), owner))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
