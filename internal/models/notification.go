package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Notification - событие для пользователя или оператора
type Notification struct {
	ID        string                 `json:"id" db:"id"`
	AlertID   string                 `json:"alert_id,omitempty" db:"alert_id"`
	Owner     string                 `json:"owner,omitempty" db:"owner"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"`
	Message   string                 `json:"message" db:"message"`
	Value     *decimal.Decimal       `json:"value,omitempty" db:"value"`
	Condition string                 `json:"condition,omitempty" db:"condition"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSON в БД
}

// Типы уведомлений
const (
	NotificationTypeAlert         = "ALERT"          // сработал алерт
	NotificationTypeEmergencyStop = "EMERGENCY_STOP" // аварийная остановка
	NotificationTypeRiskReset     = "RISK_RESET"     // ручной сброс остановки
	NotificationTypeStream        = "STREAM"         // деградация потока
	NotificationTypeError         = "ERROR"
)

// Уровни важности
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// AlertPayload - полезная нагрузка сработавшего алерта
type AlertPayload struct {
	AlertID   string          `json:"alert_id"`
	Owner     string          `json:"owner"`
	Kind      AlertKind       `json:"kind"`
	Target    VenueMarket     `json:"target"`
	Value     decimal.Decimal `json:"value"`
	Condition string          `json:"condition"`
	Timestamp time.Time       `json:"timestamp"`
}

// ToNotification превращает нагрузку алерта в уведомление
func (p AlertPayload) ToNotification(id string) Notification {
	v := p.Value
	return Notification{
		ID:        id,
		AlertID:   p.AlertID,
		Owner:     p.Owner,
		Type:      NotificationTypeAlert,
		Severity:  SeverityInfo,
		Message:   p.Target.String() + ": " + p.Condition + " (value " + p.Value.String() + ")",
		Value:     &v,
		Condition: p.Condition,
		Timestamp: p.Timestamp,
		Meta:      map[string]interface{}{"kind": string(p.Kind), "target": p.Target.String()},
	}
}
