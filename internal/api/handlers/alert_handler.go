package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"venuewatch/internal/models"
	"venuewatch/internal/service"
)

// AlertHandler - алерты владельца
//
// Endpoints:
// - GET /api/v1/alerts
// - POST /api/v1/alerts
// - GET /api/v1/alerts/{id}
// - DELETE /api/v1/alerts/{id}
// - POST /api/v1/alerts/{id}/enable
// - POST /api/v1/alerts/{id}/disable
//
// Чужой алерт для владельца не существует (404), даже если id верный.
type AlertHandler struct {
	alertService service.AlertServiceInterface
}

func NewAlertHandler(alertService service.AlertServiceInterface) *AlertHandler {
	return &AlertHandler{alertService: alertService}
}

// ListAlertsResponse - ответ списка алертов
type ListAlertsResponse struct {
	Alerts []models.Alert `json:"alerts"`
	Total  int            `json:"total"`
}

func (h *AlertHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.alertService.ListAlerts(ownerOf(r))
	if alerts == nil {
		alerts = []models.Alert{}
	}
	respondWithJSON(w, http.StatusOK, ListAlertsResponse{Alerts: alerts, Total: len(alerts)})
}

// CreateAlert создает алерт.
//
// HTTP коды:
// - 201 Created: алерт сохранён и активен (или выключен по запросу)
// - 400 Bad Request: невалидное тело или условие
// - 409 Conflict: достигнут лимит алертов владельца
func (h *AlertHandler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	var req service.CreateAlertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	a, err := h.alertService.CreateAlert(r.Context(), ownerOf(r), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, a)
}

func (h *AlertHandler) GetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := h.alertService.GetAlert(ownerOf(r), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, a)
}

func (h *AlertHandler) DeleteAlert(w http.ResponseWriter, r *http.Request) {
	if err := h.alertService.DeleteAlert(r.Context(), ownerOf(r), mux.Vars(r)["id"]); err != nil {
		respondWithError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AlertHandler) EnableAlert(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, true)
}

func (h *AlertHandler) DisableAlert(w http.ResponseWriter, r *http.Request) {
	h.setEnabled(w, r, false)
}

func (h *AlertHandler) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	a, err := h.alertService.SetEnabled(r.Context(), ownerOf(r), mux.Vars(r)["id"], enabled)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, a)
}
