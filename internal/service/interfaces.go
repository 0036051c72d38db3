package service

import (
	"context"
	"time"

	"venuewatch/internal/alert"
	"venuewatch/internal/exchange"
	"venuewatch/internal/models"
	"venuewatch/internal/repository"
	"venuewatch/internal/risk"
	"venuewatch/internal/stream"
	"venuewatch/pkg/ratelimit"
)

// ============ Зависимости сервисов ============

// NotificationRepositoryInterface - журнал уведомлений
type NotificationRepositoryInterface interface {
	GetRecent(ctx context.Context, owner string, limit int) ([]*models.Notification, error)
	GetByTypes(ctx context.Context, owner string, types []string, limit int) ([]*models.Notification, error)
	DeleteAll(ctx context.Context, owner string) (int64, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// AdapterPool - адаптеры по (площадка, рынок)
type AdapterPool interface {
	Adapter(key models.VenueKey) (exchange.Adapter, bool)
	Adapters() []exchange.Adapter
}

// BudgetSource - снимки бюджетов лимитера
type BudgetSource interface {
	Snapshot(venue string) (ratelimit.Budget, bool)
}

// StreamStates - состояние потоков по площадкам
type StreamStates interface {
	States() []stream.ConnStatus
}

// AlertEngine - CRUD движка алертов
type AlertEngine interface {
	Create(ctx context.Context, a models.Alert) (models.Alert, error)
	List(owner string) []models.Alert
	Get(owner, id string) (models.Alert, error)
	Delete(ctx context.Context, owner, id string) error
	SetEnabled(ctx context.Context, owner, id string, enabled bool) (models.Alert, error)
	DefaultCooldown(kind models.AlertKind) time.Duration
}

// RiskGuard - статус и ручной сброс аварийной остановки
type RiskGuard interface {
	Status() risk.Status
	Reset(ctx context.Context, operator, token string, rebaseDaily bool) error
}

var _ NotificationRepositoryInterface = (*repository.NotificationRepository)(nil)
var _ AdapterPool = (*exchange.Pool)(nil)
var _ BudgetSource = (*ratelimit.Registry)(nil)
var _ StreamStates = (*stream.Manager)(nil)
var _ AlertEngine = (*alert.Engine)(nil)
var _ RiskGuard = (*risk.Guard)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// VenueServiceInterface - операции над площадками
type VenueServiceInterface interface {
	ListVenues() []VenueInfo
	Overview(ctx context.Context) []AccountOverview
	Balances(ctx context.Context, key models.VenueKey) ([]models.Balance, error)
	Positions(ctx context.Context, key models.VenueKey) ([]models.Position, error)
	Ticker(ctx context.Context, key models.VenueKey, symbol string) (models.Ticker, error)
	Depth(ctx context.Context, key models.VenueKey, symbol string, levels int) (models.OrderBook, error)
	FundingRate(ctx context.Context, key models.VenueKey, symbol string) (models.FundingRate, error)
	OpenOrders(ctx context.Context, key models.VenueKey, symbol string) ([]models.Order, error)
	PlaceOrder(ctx context.Context, key models.VenueKey, req models.OrderRequest) (models.Order, error)
	CancelOrder(ctx context.Context, key models.VenueKey, symbol, orderID string) (models.Order, error)
	CancelAllOrders(ctx context.Context, key models.VenueKey, symbol string) (int, error)
	SetLeverage(ctx context.Context, key models.VenueKey, symbol string, leverage int) error
	RateLimit(key models.VenueKey) (ratelimit.Budget, error)
}

// AlertServiceInterface - алерты владельца
type AlertServiceInterface interface {
	CreateAlert(ctx context.Context, owner string, req CreateAlertRequest) (models.Alert, error)
	ListAlerts(owner string) []models.Alert
	GetAlert(owner, id string) (models.Alert, error)
	DeleteAlert(ctx context.Context, owner, id string) error
	SetEnabled(ctx context.Context, owner, id string, enabled bool) (models.Alert, error)
}

// NotificationServiceInterface - журнал уведомлений владельца
type NotificationServiceInterface interface {
	GetNotifications(ctx context.Context, owner string, types []string, limit int) ([]*models.Notification, error)
	ClearNotifications(ctx context.Context, owner string) (int64, error)
}

// RiskServiceInterface - риск-гард для командного слоя
type RiskServiceInterface interface {
	Status() risk.Status
	Reset(ctx context.Context, operator string, req ResetRequest) (risk.Status, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ VenueServiceInterface = (*VenueService)(nil)
var _ AlertServiceInterface = (*AlertService)(nil)
var _ NotificationServiceInterface = (*NotificationService)(nil)
var _ RiskServiceInterface = (*RiskService)(nil)
