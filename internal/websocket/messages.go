package websocket

import (
	"time"

	"venuewatch/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы WebSocket сообщений
const (
	// MessageTypeNotification - новое уведомление (алерт, аварийная остановка, сброс)
	MessageTypeNotification MessageType = "notification"

	// MessageTypeStreamStatus - смена состояния потока площадки
	MessageTypeStreamStatus MessageType = "streamStatus"

	// MessageTypeRiskStatus - снимок состояния риск-гарда
	MessageTypeRiskStatus MessageType = "riskStatus"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// NotificationMessage - сообщение о новом уведомлении
type NotificationMessage struct {
	BaseMessage
	Data *models.Notification `json:"data"`
}

// StreamStatusMessage - сообщение о состоянии соединения (площадка, рынок)
type StreamStatusMessage struct {
	BaseMessage
	Venue  string            `json:"venue"`
	Market models.MarketType `json:"market"`
	State  string            `json:"state"`
	Error  string            `json:"error,omitempty"`
}

// RiskStatusMessage - состояние риск-гарда.
// Data - снимок статуса (risk.Status), хаб его не интерпретирует.
type RiskStatusMessage struct {
	BaseMessage
	Data interface{} `json:"data"`
}

// ============ Фабричные функции для создания сообщений ============

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().UTC()}
}

// NewNotificationMessage создает сообщение уведомления
func NewNotificationMessage(n *models.Notification) *NotificationMessage {
	return &NotificationMessage{BaseMessage: newBase(MessageTypeNotification), Data: n}
}

// NewStreamStatusMessage создает сообщение о состоянии потока
func NewStreamStatusMessage(key models.VenueKey, state string, cause error) *StreamStatusMessage {
	msg := &StreamStatusMessage{
		BaseMessage: newBase(MessageTypeStreamStatus),
		Venue:       key.Venue,
		Market:      key.Market,
		State:       state,
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return msg
}

// NewRiskStatusMessage создает сообщение о состоянии риск-гарда
func NewRiskStatusMessage(status interface{}) *RiskStatusMessage {
	return &RiskStatusMessage{BaseMessage: newBase(MessageTypeRiskStatus), Data: status}
}
