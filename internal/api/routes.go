package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"venuewatch/internal/api/handlers"
	"venuewatch/internal/api/middleware"
	"venuewatch/internal/service"
	"venuewatch/internal/websocket"
	"venuewatch/pkg/utils"
)

// Dependencies содержит все зависимости для API handlers.
// Nil-сервис отключает свою группу маршрутов.
type Dependencies struct {
	VenueService        service.VenueServiceInterface
	AlertService        service.AlertServiceInterface
	NotificationService service.NotificationServiceInterface
	RiskService         service.RiskServiceInterface

	// Hub - push канал UI (/ws/stream)
	Hub *websocket.Hub

	// TokenHashes - bcrypt-хеши операторских токенов API
	TokenHashes []string
	// CORSOrigins - разрешённые origins UI
	CORSOrigins []string

	Log *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/ (Bearer токен + X-Owner-ID)
//
//	├── GET /venues - площадки и состояние потоков
//	├── GET /account - балансы и позиции всех площадок
//	├── /venues/{venue}/{market}/
//	│   ├── GET /balances
//	│   ├── GET /positions
//	│   ├── GET /ticker/{symbol}
//	│   ├── GET /depth/{symbol}?levels=
//	│   ├── GET /funding/{symbol}
//	│   ├── GET /orders?symbol= - открытые ордера
//	│   ├── POST /orders - выставить ордер
//	│   ├── DELETE /orders/{symbol}/{id} - отменить ордер
//	│   ├── DELETE /orders?symbol= - отменить все
//	│   ├── POST /leverage
//	│   └── GET /ratelimit - бюджет лимитера
//	├── /alerts/
//	│   ├── GET / , POST /
//	│   ├── GET /{id}, DELETE /{id}
//	│   └── POST /{id}/enable, POST /{id}/disable
//	├── /notifications/
//	│   ├── GET / - журнал
//	│   └── DELETE / - очистить свой журнал
//	└── /risk/
//	    ├── GET / - статус риск-гарда
//	    └── POST /reset - снять аварийную остановку
//
// Вне /api/v1: GET /health, GET /metrics, GET /ws/stream.
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (только /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}
	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery(deps.Log))
	router.Use(middleware.Logging(deps.Log))
	router.Use(middleware.CORS(deps.CORSOrigins))

	// preflight минует Auth: ответ даёт CORS, маршрут нужен только для матчинга
	router.PathPrefix("/api/v1").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(middleware.Auth(deps.TokenHashes, deps.Log))

	if deps.VenueService != nil {
		h := handlers.NewVenueHandler(deps.VenueService)
		api.HandleFunc("/venues", h.ListVenues).Methods("GET")
		api.HandleFunc("/account", h.Account).Methods("GET")

		v := api.PathPrefix("/venues/{venue}/{market}").Subrouter()
		v.HandleFunc("/balances", h.GetBalances).Methods("GET")
		v.HandleFunc("/positions", h.GetPositions).Methods("GET")
		v.HandleFunc("/ticker/{symbol}", h.GetTicker).Methods("GET")
		v.HandleFunc("/depth/{symbol}", h.GetDepth).Methods("GET")
		v.HandleFunc("/funding/{symbol}", h.GetFunding).Methods("GET")
		v.HandleFunc("/orders", h.GetOpenOrders).Methods("GET")
		v.HandleFunc("/orders", h.PlaceOrder).Methods("POST")
		v.HandleFunc("/orders", h.CancelAllOrders).Methods("DELETE")
		v.HandleFunc("/orders/{symbol}/{id}", h.CancelOrder).Methods("DELETE")
		v.HandleFunc("/leverage", h.SetLeverage).Methods("POST")
		v.HandleFunc("/ratelimit", h.GetRateLimit).Methods("GET")
	}

	if deps.AlertService != nil {
		h := handlers.NewAlertHandler(deps.AlertService)
		api.HandleFunc("/alerts", h.ListAlerts).Methods("GET")
		api.HandleFunc("/alerts", h.CreateAlert).Methods("POST")
		api.HandleFunc("/alerts/{id}", h.GetAlert).Methods("GET")
		api.HandleFunc("/alerts/{id}", h.DeleteAlert).Methods("DELETE")
		api.HandleFunc("/alerts/{id}/enable", h.EnableAlert).Methods("POST")
		api.HandleFunc("/alerts/{id}/disable", h.DisableAlert).Methods("POST")
	}

	if deps.NotificationService != nil {
		h := handlers.NewNotificationHandler(deps.NotificationService)
		api.HandleFunc("/notifications", h.GetNotifications).Methods("GET")
		api.HandleFunc("/notifications", h.ClearNotifications).Methods("DELETE")
	}

	if deps.RiskService != nil {
		h := handlers.NewRiskHandler(deps.RiskService)
		api.HandleFunc("/risk", h.GetStatus).Methods("GET")
		api.HandleFunc("/risk/reset", h.Reset).Methods("POST")
	}

	// WebSocket: браузер не передаёт Authorization, доступ ограничен проверкой Origin в хабе
	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", deps.Hub.ServeWS).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
