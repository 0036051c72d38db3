package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"venuewatch/internal/models"
	"venuewatch/internal/service"
)

// defaultDepthLevels - глубина стакана, если levels не указан
const defaultDepthLevels = 20

// VenueHandler - операции над подключёнными площадками
//
// Endpoints (префикс /api/v1/venues/{venue}/{market}):
// - GET /balances, /positions, /ticker/{symbol}, /depth/{symbol}?levels=, /funding/{symbol}
// - GET /orders?symbol=, POST /orders
// - DELETE /orders/{symbol}/{id}, DELETE /orders?symbol=
// - POST /leverage
// - GET /ratelimit
//
// Плюс GET /api/v1/venues и GET /api/v1/account (сводка по всем площадкам).
// Ошибки площадок отдаются со своим классом в поле code.
type VenueHandler struct {
	venueService service.VenueServiceInterface
}

func NewVenueHandler(venueService service.VenueServiceInterface) *VenueHandler {
	return &VenueHandler{venueService: venueService}
}

// ListVenuesResponse - ответ GET /venues
type ListVenuesResponse struct {
	Venues []service.VenueInfo `json:"venues"`
}

func (h *VenueHandler) ListVenues(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, ListVenuesResponse{Venues: h.venueService.ListVenues()})
}

// AccountResponse - ответ GET /account
type AccountResponse struct {
	Accounts []service.AccountOverview `json:"accounts"`
}

// Account - балансы и позиции всех площадок. Ошибка одной площадки
// попадает в её запись и не проваливает ответ целиком.
func (h *VenueHandler) Account(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, AccountResponse{Accounts: h.venueService.Overview(r.Context())})
}

// keyOrRespond разбирает {venue}/{market}; при ошибке ответ уже отправлен
func keyOrRespond(w http.ResponseWriter, r *http.Request) (models.VenueKey, bool) {
	key, err := venueKeyOf(r)
	if err != nil {
		respondWithError(w, err)
		return key, false
	}
	return key, true
}

func symbolOf(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(mux.Vars(r)["symbol"]))
}

func (h *VenueHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	balances, err := h.venueService.Balances(r.Context(), key)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"balances": balances})
}

func (h *VenueHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	positions, err := h.venueService.Positions(r.Context(), key)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (h *VenueHandler) GetTicker(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	ticker, err := h.venueService.Ticker(r.Context(), key, symbolOf(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, ticker)
}

// GetDepth - стакан; levels вне [1, 1000] отклоняется адаптером
func (h *VenueHandler) GetDepth(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	levels := defaultDepthLevels
	if raw := r.URL.Query().Get("levels"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, badRequest("levels must be an integer"))
			return
		}
		levels = parsed
	}

	book, err := h.venueService.Depth(r.Context(), key, symbolOf(r), levels)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, book)
}

func (h *VenueHandler) GetFunding(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	rate, err := h.venueService.FundingRate(r.Context(), key, symbolOf(r))
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, rate)
}

func (h *VenueHandler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	orders, err := h.venueService.OpenOrders(r.Context(), key, symbol)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// PlaceOrder выставляет ордер.
//
// HTTP коды:
// - 201 Created: ордер принят площадкой
// - 400: невалидные параметры (до обращения к площадке)
// - 402: недостаточно средств
// - 423: активна аварийная остановка
// - 503: площадка недоступна; если результат неизвестен, в ответе
//   есть client order id для сверки
func (h *VenueHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	var req models.OrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	req.Symbol = strings.ToUpper(req.Symbol)

	order, err := h.venueService.PlaceOrder(r.Context(), key, req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, order)
}

func (h *VenueHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	order, err := h.venueService.CancelOrder(r.Context(), key, symbolOf(r), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, order)
}

// CancelAllResponse - ответ массовой отмены
type CancelAllResponse struct {
	Canceled int `json:"canceled"`
}

// CancelAllOrders - отмена всех ордеров (по символу или по всей площадке)
func (h *VenueHandler) CancelAllOrders(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	n, err := h.venueService.CancelAllOrders(r.Context(), key, symbol)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, CancelAllResponse{Canceled: n})
}

// SetLeverageRequest - тело POST /leverage
type SetLeverageRequest struct {
	Symbol   string `json:"symbol" validate:"required,max=32"`
	Leverage int    `json:"leverage" validate:"required,gte=1"`
}

// SetLeverage - плечо по символу; верхняя граница площадки проверяется адаптером
func (h *VenueHandler) SetLeverage(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	var req SetLeverageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}
	symbol := strings.ToUpper(req.Symbol)
	if err := h.venueService.SetLeverage(r.Context(), key, symbol, req.Leverage); err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, SuccessResponse{
		Message: "leverage updated",
		Data:    SetLeverageRequest{Symbol: symbol, Leverage: req.Leverage},
	})
}

// RateLimitResponse - снимок бюджета лимитера площадки
type RateLimitResponse struct {
	Venue       string    `json:"venue"`
	Policy      string    `json:"policy"`
	WindowMs    int64     `json:"window_ms"`
	Capacity    int       `json:"capacity"`
	Burst       int       `json:"burst"`
	Consumed    int       `json:"consumed"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
}

func (h *VenueHandler) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	key, ok := keyOrRespond(w, r)
	if !ok {
		return
	}
	b, err := h.venueService.RateLimit(key)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, RateLimitResponse{
		Venue:       b.Venue,
		Policy:      string(b.Policy),
		WindowMs:    b.Window.Milliseconds(),
		Capacity:    b.Capacity,
		Burst:       b.Burst,
		Consumed:    b.Consumed,
		Remaining:   b.Remaining(),
		WindowStart: b.WindowStart,
	})
}
