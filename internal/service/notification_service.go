package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"venuewatch/internal/models"
	"venuewatch/internal/notify"
	"venuewatch/internal/stream"
	"venuewatch/pkg/utils"
)

const (
	defaultNotificationLimit = 100
	maxNotificationLimit     = 500

	streamNoticeTimeout = 5 * time.Second
)

var validNotificationTypes = map[string]bool{
	models.NotificationTypeAlert:         true,
	models.NotificationTypeEmergencyStop: true,
	models.NotificationTypeRiskReset:     true,
	models.NotificationTypeStream:        true,
	models.NotificationTypeError:         true,
}

// NotificationService - журнал уведомлений и уведомления о деградации потоков.
//
// Типы уведомлений:
// - ALERT: сработал алерт
// - EMERGENCY_STOP: аварийная остановка риск-гарда
// - RISK_RESET: ручной сброс остановки
// - STREAM: поток площадки переподключается или восстановился
// - ERROR: ошибка площадки
type NotificationService struct {
	repo NotificationRepositoryInterface
	sink notify.Sink
	log  *utils.Logger

	mu       sync.Mutex
	degraded map[models.VenueKey]bool
}

// NewNotificationService создает сервис. sink может быть nil - тогда
// уведомления о потоках не отправляются.
func NewNotificationService(repo NotificationRepositoryInterface, sink notify.Sink, log *utils.Logger) *NotificationService {
	return &NotificationService{
		repo:     repo,
		sink:     sink,
		log:      utils.OrGlobal(log).WithComponent("notification-service"),
		degraded: make(map[models.VenueKey]bool),
	}
}

// GetNotifications возвращает уведомления владельца (и общие) новые сверху.
// Неизвестные типы в фильтре отбрасываются; пустой фильтр - все типы.
func (s *NotificationService) GetNotifications(ctx context.Context, owner string, types []string, limit int) ([]*models.Notification, error) {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	if limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}

	normalized := make([]string, 0, len(types))
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if validNotificationTypes[t] {
			normalized = append(normalized, t)
		}
	}

	var (
		out []*models.Notification
		err error
	)
	if len(normalized) > 0 {
		out, err = s.repo.GetByTypes(ctx, owner, normalized, limit)
	} else {
		out, err = s.repo.GetRecent(ctx, owner, limit)
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.Notification{}
	}
	return out, nil
}

// ClearNotifications удаляет уведомления владельца. Общие остаются.
func (s *NotificationService) ClearNotifications(ctx context.Context, owner string) (int64, error) {
	n, err := s.repo.DeleteAll(ctx, owner)
	if err != nil {
		return 0, err
	}
	s.log.Info("notifications cleared", utils.Owner(owner), utils.Int64("count", n))
	return n, nil
}

// OnStreamStatus - обработчик stream.StatusFunc.
// Шлёт предупреждение при первом переходе в RECONNECTING
// и info, когда поток снова в STREAMING.
func (s *NotificationService) OnStreamStatus(key models.VenueKey, state stream.State, cause error) {
	if s.sink == nil {
		return
	}

	s.mu.Lock()
	was := s.degraded[key]
	var n *models.Notification
	switch {
	case state == stream.StateReconnecting && !was:
		s.degraded[key] = true
		msg := key.String() + ": stream degraded, reconnecting"
		if cause != nil {
			msg += " (" + cause.Error() + ")"
		}
		n = &models.Notification{Type: models.NotificationTypeStream, Severity: models.SeverityWarn, Message: msg}
	case state == stream.StateStreaming && was:
		delete(s.degraded, key)
		n = &models.Notification{Type: models.NotificationTypeStream, Severity: models.SeverityInfo, Message: key.String() + ": stream restored"}
	}
	s.mu.Unlock()

	if n == nil {
		return
	}
	n.Meta = map[string]interface{}{"venue": key.Venue, "market": string(key.Market), "state": state.String()}
	n.Timestamp = time.Now().UTC()
	notify.Prepare(n)

	// хук вызывается из цикла соединения, доставка не должна его держать
	go func(n models.Notification) {
		ctx, cancel := context.WithTimeout(context.Background(), streamNoticeTimeout)
		defer cancel()
		if err := s.sink.Notify(ctx, n); err != nil {
			s.log.Warn("stream notice not delivered", utils.Venue(key.Venue), utils.Err(err))
		}
	}(*n)
}

// ============================================================
// Очистка журнала
// ============================================================

// Prune удаляет записи журнала старше maxAge
func (s *NotificationService) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	n, err := s.repo.DeleteOlderThan(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("notifications pruned", utils.Int64("count", n), utils.Duration("max_age", maxAge))
	}
	return n, nil
}

// RunRetention вызывает Prune каждые every до отмены ctx.
// maxAge <= 0 отключает очистку.
func (s *NotificationService) RunRetention(ctx context.Context, maxAge, every time.Duration) {
	if maxAge <= 0 {
		return
	}
	if every <= 0 {
		every = time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := s.Prune(ctx, maxAge); err != nil && ctx.Err() == nil {
			s.log.Warn("notification prune failed", utils.Err(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
