// Package notify доставляет уведомления (сработавшие алерты, аварийные
// остановки, деградацию потоков) в журнал, UI, NATS и лог.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"venuewatch/internal/metrics"
	"venuewatch/internal/models"
	"venuewatch/pkg/utils"
)

// Sink - получатель уведомлений
type Sink interface {
	Notify(ctx context.Context, n models.Notification) error
}

// SinkFunc - функция как Sink
type SinkFunc func(ctx context.Context, n models.Notification) error

func (f SinkFunc) Notify(ctx context.Context, n models.Notification) error { return f(ctx, n) }

// Prepare дополняет уведомление id, если его нет
func Prepare(n *models.Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
}

// ============================================================
// Лог
// ============================================================

// LogSink пишет уведомления в zap с уровнем по важности
type LogSink struct {
	log *utils.Logger
}

func NewLogSink(log *utils.Logger) *LogSink {
	return &LogSink{log: utils.OrGlobal(log).WithComponent("notify")}
}

func (s *LogSink) Notify(_ context.Context, n models.Notification) error {
	fields := []utils.Field{
		utils.String("id", n.ID),
		utils.String("type", n.Type),
		utils.Owner(n.Owner),
	}
	if n.AlertID != "" {
		fields = append(fields, utils.AlertID(n.AlertID))
	}
	if n.Value != nil {
		fields = append(fields, utils.String("value", n.Value.String()))
	}
	switch n.Severity {
	case models.SeverityCritical, models.SeverityError:
		s.log.Error(n.Message, fields...)
	case models.SeverityWarn:
		s.log.Warn(n.Message, fields...)
	default:
		s.log.Info(n.Message, fields...)
	}
	return nil
}

// ============================================================
// Журнал и UI
// ============================================================

// Journal - хранилище уведомлений (PostgreSQL)
type Journal interface {
	Create(ctx context.Context, n *models.Notification) error
}

// JournalSink сохраняет уведомления в журнал
type JournalSink struct {
	journal Journal
}

func NewJournalSink(j Journal) *JournalSink {
	return &JournalSink{journal: j}
}

func (s *JournalSink) Notify(ctx context.Context, n models.Notification) error {
	if err := s.journal.Create(ctx, &n); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

// Broadcaster - UI хаб
type Broadcaster interface {
	BroadcastNotification(n *models.Notification)
}

// HubSink рассылает уведомления подключённым UI клиентам
type HubSink struct {
	hub Broadcaster
}

func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Notify(_ context.Context, n models.Notification) error {
	s.hub.BroadcastNotification(&n)
	return nil
}

// ============================================================
// Веер
// ============================================================

// Multi отправляет уведомление во все получатели по очереди.
// Ошибка одного не мешает остальным; итоговая ошибка объединяет все.
type Multi struct {
	mu    sync.RWMutex
	sinks []named
	log   *utils.Logger
}

type named struct {
	name string
	sink Sink
}

func NewMulti(log *utils.Logger) *Multi {
	return &Multi{log: utils.OrGlobal(log).WithComponent("notify")}
}

// Add регистрирует получателя под именем (для метрик)
func (m *Multi) Add(name string, s Sink) *Multi {
	m.mu.Lock()
	m.sinks = append(m.sinks, named{name: name, sink: s})
	m.mu.Unlock()
	return m
}

func (m *Multi) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

func (m *Multi) Notify(ctx context.Context, n models.Notification) error {
	Prepare(&n)

	m.mu.RLock()
	sinks := make([]named, len(m.sinks))
	copy(sinks, m.sinks)
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		err := s.sink.Notify(ctx, n)
		metrics.RecordNotification(s.name, err == nil)
		if err != nil {
			m.log.Warn("notification sink failed",
				utils.String("sink", s.name),
				utils.String("id", n.ID),
				utils.Err(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}
