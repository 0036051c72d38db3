// Package metrics - Prometheus метрики сервиса.
//
// Регистрируются через promauto в реестре по умолчанию и
// отдаются на /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "venuewatch"

// ============ Лимитер ============

// RateLimitDecisions - решения лимитера по площадкам
var RateLimitDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions by venue",
	},
	[]string{"venue", "result"}, // granted, denied
)

// ============ Площадки ============

// VenueRequestLatency - длительность REST вызовов
var VenueRequestLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "request_latency_ms",
		Help:      "Venue REST call latency in milliseconds",
		Buckets:   []float64{25, 50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"venue", "market", "operation"},
)

// VenueErrors - ошибки вызовов по классам
var VenueErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "venue",
		Name:      "errors_total",
		Help:      "Venue call errors by kind",
	},
	[]string{"venue", "market", "kind"},
)

// ============ Потоки ============

// StreamState - текущее состояние соединения (числовой код состояния)
var StreamState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "state",
		Help:      "Stream connection state (0=disconnected .. 5=reconnecting)",
	},
	[]string{"venue", "market"},
)

// StreamReconnects - количество переподключений
var StreamReconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Stream reconnect attempts",
	},
	[]string{"venue", "market"},
)

// StreamSubscriptions - активные топики соединения
var StreamSubscriptions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "subscriptions",
		Help:      "Active upstream topics per connection",
	},
	[]string{"venue", "market"},
)

// StreamCallbackFailures - паники и ошибки обработчиков подписчиков
var StreamCallbackFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "callback_failures_total",
		Help:      "Subscriber callbacks that returned an error or panicked",
	},
	[]string{"venue", "market", "reason"}, // error, panic
)

// StreamMailboxStalls - события, ожидавшие места в полном ящике подписчика.
// Пока ящик полон, цикл чтения соединения стоит.
var StreamMailboxStalls = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "mailbox_stalls_total",
		Help:      "Events that waited for space in a full subscriber mailbox",
	},
	[]string{"venue", "market"},
)

// StreamDecodeErrors - кадры, которые не удалось разобрать
var StreamDecodeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "decode_errors_total",
		Help:      "Frames that failed to decode",
	},
	[]string{"venue", "market"},
)

// ============ Алерты ============

// AlertsFired - сработавшие алерты
var AlertsFired = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "fired_total",
		Help:      "Alerts fired by kind",
	},
	[]string{"kind"},
)

// AlertEvaluations - вычисления условий
var AlertEvaluations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "evaluations_total",
		Help:      "Alert condition evaluations by kind",
	},
	[]string{"kind"},
)

// FundingPollFailures - неудачные опросы ставки финансирования
var FundingPollFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "funding_poll_failures_total",
		Help:      "Failed funding rate polls",
	},
	[]string{"venue"},
)

// ActiveAlerts - алерты в памяти движка
var ActiveAlerts = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "active",
		Help:      "Alerts loaded into the engine",
	},
)

// NotificationsSent - доставка уведомлений по приёмникам
var NotificationsSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notifications delivered by sink and result",
	},
	[]string{"sink", "result"},
)

// ============ Риск ============

// RiskEmergencyStopped - 1 если торговля остановлена
var RiskEmergencyStopped = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "emergency_stopped",
		Help:      "1 when trading is halted by the risk guard",
	},
)

// RiskDailyPnL - дневной P&L
var RiskDailyPnL = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "daily_pnl",
		Help:      "Daily P&L since UTC midnight",
	},
)

// RiskDrawdownPercent - текущая просадка
var RiskDrawdownPercent = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "drawdown_percent",
		Help:      "Current drawdown in percent",
	},
)

// RiskCancelAttempts - попытки аварийной отмены ордеров
var RiskCancelAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "cancel_attempts_total",
		Help:      "Emergency cancel-all attempts by venue and result",
	},
	[]string{"venue", "result"},
)

// RiskEmergencyStops - число аварийных остановок по причине
var RiskEmergencyStops = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "emergency_stops_total",
		Help:      "Emergency stops by breach type",
	},
	[]string{"breach"},
)

// ============ HTTP API ============

// APIRequests - запросы к командному API по маршрутам
var APIRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP API requests by route and status class",
	},
	[]string{"method", "route", "status"},
)

// APILatency - длительность обработки запросов
var APILatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_latency_ms",
		Help:      "HTTP API latency in milliseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	},
	[]string{"method", "route"},
)

// ============ Хелперы ============

// RecordRateLimit - решение лимитера
func RecordRateLimit(venue string, granted bool) {
	result := "granted"
	if !granted {
		result = "denied"
	}
	RateLimitDecisions.WithLabelValues(venue, result).Inc()
}

// RecordVenueCall - длительность и класс ошибки вызова (kind пуст при успехе)
func RecordVenueCall(venue, market, op string, d time.Duration, kind string) {
	VenueRequestLatency.WithLabelValues(venue, market, op).Observe(float64(d.Microseconds()) / 1000)
	if kind != "" {
		VenueErrors.WithLabelValues(venue, market, kind).Inc()
	}
}

// UpdateStreamState - состояние соединения
func UpdateStreamState(venue, market string, state int) {
	StreamState.WithLabelValues(venue, market).Set(float64(state))
}

// RecordNotification - результат доставки
func RecordNotification(sink string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	NotificationsSent.WithLabelValues(sink, result).Inc()
}

// UpdateRisk - показатели риск-гарда
func UpdateRisk(stopped bool, dailyPnL, drawdownPct float64) {
	if stopped {
		RiskEmergencyStopped.Set(1)
	} else {
		RiskEmergencyStopped.Set(0)
	}
	RiskDailyPnL.Set(dailyPnL)
	RiskDrawdownPercent.Set(drawdownPct)
}

// RecordAPIRequest - запрос к API (route - шаблон маршрута, не сырой путь)
func RecordAPIRequest(method, route string, status int, d time.Duration) {
	APIRequests.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Inc()
	APILatency.WithLabelValues(method, route).Observe(float64(d.Microseconds()) / 1000)
}
