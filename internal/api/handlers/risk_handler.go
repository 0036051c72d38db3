package handlers

import (
	"net/http"

	"venuewatch/internal/service"
)

// RiskHandler - статус риск-гарда и ручной сброс аварийной остановки
//
// Endpoints:
// - GET /api/v1/risk
// - POST /api/v1/risk/reset {"token": "...", "rebase_daily": false}
type RiskHandler struct {
	riskService service.RiskServiceInterface
}

func NewRiskHandler(riskService service.RiskServiceInterface) *RiskHandler {
	return &RiskHandler{riskService: riskService}
}

func (h *RiskHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.riskService.Status())
}

// Reset снимает аварийную остановку.
//
// Неверный токен - 403, остановка сохраняется.
func (h *RiskHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req service.ResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, err)
		return
	}

	status, err := h.riskService.Reset(r.Context(), ownerOf(r), req)
	if err != nil {
		respondWithError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, status)
}
