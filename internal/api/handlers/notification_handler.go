package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"venuewatch/internal/models"
	"venuewatch/internal/service"
)

// NotificationHandler - журнал уведомлений владельца
//
// Endpoints:
// - GET /api/v1/notifications?types=alert,emergency_stop&limit=50
// - DELETE /api/v1/notifications
//
// Владелец видит свои уведомления и общие (аварийная остановка,
// состояние потоков). Очистка удаляет только свои.
type NotificationHandler struct {
	notificationService service.NotificationServiceInterface
}

func NewNotificationHandler(notificationService service.NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{notificationService: notificationService}
}

// GetNotificationsResponse - ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []*models.Notification `json:"notifications"`
	Total         int                    `json:"total"`
}

// GetNotifications возвращает уведомления с фильтром по типам.
//
// Лимит по умолчанию и верхняя граница применяются сервисом,
// нечисловой limit игнорируется.
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				types = append(types, part)
			}
		}
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	notifications, err := h.notificationService.GetNotifications(r.Context(), ownerOf(r), types, limit)
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: notifications,
		Total:         len(notifications),
	})
}

// ClearNotificationsResponse - ответ очистки журнала
type ClearNotificationsResponse struct {
	Message string `json:"message"`
	Deleted int64  `json:"deleted"`
}

// ClearNotifications удаляет уведомления владельца (необратимо)
func (h *NotificationHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	n, err := h.notificationService.ClearNotifications(r.Context(), ownerOf(r))
	if err != nil {
		respondWithError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ClearNotificationsResponse{
		Message: "notifications cleared",
		Deleted: n,
	})
}
