package service

import (
	"context"
	"strings"

	"venuewatch/internal/risk"
)

// ResetRequest - тело POST /risk/reset
type ResetRequest struct {
	Token string `json:"token" validate:"required"`
	// RebaseDaily - обнулить и дневной P&L, а не только high-water mark
	RebaseDaily bool `json:"rebase_daily,omitempty"`
}

// RiskService - статус риск-гарда и ручной сброс аварийной остановки.
//
// Сам контроль рисков (дневной убыток, просадка, отмена ордеров)
// живёт в пакете risk; сервис только даёт к нему доступ командному слою.
type RiskService struct {
	guard RiskGuard
}

func NewRiskService(guard RiskGuard) *RiskService {
	return &RiskService{guard: guard}
}

func (s *RiskService) Status() risk.Status {
	return s.guard.Status()
}

// Reset снимает остановку, если токен совпадает с настроенным хэшем.
// Возвращает статус после попытки (и при отказе тоже).
func (s *RiskService) Reset(ctx context.Context, operator string, req ResetRequest) (risk.Status, error) {
	err := s.guard.Reset(ctx, operator, strings.TrimSpace(req.Token), req.RebaseDaily)
	return s.guard.Status(), err
}
