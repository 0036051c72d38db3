package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"venuewatch/internal/models"
	"venuewatch/internal/stream"
)

func seedNotifications() *MockNotificationRepository {
	return &MockNotificationRepository{items: []*models.Notification{
		{ID: "1", Owner: "alice", Type: models.NotificationTypeAlert},
		{ID: "2", Owner: "bob", Type: models.NotificationTypeAlert},
		{ID: "3", Owner: "", Type: models.NotificationTypeEmergencyStop},
		{ID: "4", Owner: "alice", Type: models.NotificationTypeError},
	}}
}

func TestNotificationService_GetNotifications(t *testing.T) {
	tests := []struct {
		name      string
		types     []string
		limit     int
		wantIDs   []string
		wantTypes []string
		wantLimit int
	}{
		{
			name:      "все типы, лимит по умолчанию",
			wantIDs:   []string{"1", "3", "4"},
			wantLimit: 100,
		},
		{
			name:      "фильтр по типу в нижнем регистре",
			types:     []string{" alert "},
			limit:     10,
			wantIDs:   []string{"1"},
			wantTypes: []string{"ALERT"},
			wantLimit: 10,
		},
		{
			name:      "неизвестные типы отбрасываются",
			types:     []string{"open", "emergency_stop"},
			wantIDs:   []string{"3"},
			wantTypes: []string{"EMERGENCY_STOP"},
			wantLimit: 100,
		},
		{
			name:      "лимит ограничен сверху",
			types:     []string{"garbage"},
			limit:     10000,
			wantIDs:   []string{"1", "3", "4"},
			wantLimit: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := seedNotifications()
			svc := NewNotificationService(repo, nil, nil)

			got, err := svc.GetNotifications(context.Background(), "alice", tt.types, tt.limit)
			if err != nil {
				t.Fatalf("GetNotifications: %v", err)
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d notifications, want %d", len(got), len(tt.wantIDs))
			}
			for i, n := range got {
				if n.ID != tt.wantIDs[i] {
					t.Errorf("notification[%d] = %s, want %s", i, n.ID, tt.wantIDs[i])
				}
			}
			if repo.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", repo.lastLimit, tt.wantLimit)
			}
			if len(repo.lastTypes) != len(tt.wantTypes) {
				t.Errorf("types = %v, want %v", repo.lastTypes, tt.wantTypes)
			}
		})
	}
}

func TestNotificationService_EmptyResult(t *testing.T) {
	svc := NewNotificationService(&MockNotificationRepository{}, nil, nil)

	got, err := svc.GetNotifications(context.Background(), "nobody", nil, 0)
	if err != nil {
		t.Fatalf("GetNotifications: %v", err)
	}
	if got == nil {
		t.Error("expected empty slice, got nil")
	}
}

func TestNotificationService_RepositoryError(t *testing.T) {
	svc := NewNotificationService(&MockNotificationRepository{getErr: errBoom, deleteErr: errBoom}, nil, nil)

	if _, err := svc.GetNotifications(context.Background(), "alice", nil, 0); !errors.Is(err, errBoom) {
		t.Errorf("GetNotifications error = %v", err)
	}
	if _, err := svc.ClearNotifications(context.Background(), "alice"); !errors.Is(err, errBoom) {
		t.Errorf("ClearNotifications error = %v", err)
	}
}

func TestNotificationService_ClearNotifications(t *testing.T) {
	repo := seedNotifications()
	svc := NewNotificationService(repo, nil, nil)

	n, err := svc.ClearNotifications(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ClearNotifications: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
	if len(repo.items) != 2 {
		t.Errorf("remaining = %d, want 2 (bob and shared)", len(repo.items))
	}
}

func waitNotification(t *testing.T, sink *MockSink) models.Notification {
	t.Helper()
	select {
	case n := <-sink.ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("notification was not delivered")
	}
	return models.Notification{}
}

func TestNotificationService_OnStreamStatus(t *testing.T) {
	sink := NewMockSink()
	svc := NewNotificationService(&MockNotificationRepository{}, sink, nil)
	key := models.VenueKey{Venue: "aster", Market: models.MarketFutures}

	// обычный старт не шлёт уведомлений
	svc.OnStreamStatus(key, stream.StateConnecting, nil)
	svc.OnStreamStatus(key, stream.StateStreaming, nil)

	svc.OnStreamStatus(key, stream.StateReconnecting, errors.New("heartbeat timeout"))
	n := waitNotification(t, sink)
	if n.Type != models.NotificationTypeStream || n.Severity != models.SeverityWarn {
		t.Errorf("degraded notice = %+v", n)
	}
	if n.ID == "" || n.Timestamp.IsZero() {
		t.Error("notice must carry id and timestamp")
	}

	// повторные попытки переподключения не дублируют предупреждение
	svc.OnStreamStatus(key, stream.StateConnecting, nil)
	svc.OnStreamStatus(key, stream.StateReconnecting, errors.New("dial failed"))
	svc.OnStreamStatus(key, stream.StateStreaming, nil)

	n = waitNotification(t, sink)
	if n.Severity != models.SeverityInfo || n.Meta["state"] != "STREAMING" {
		t.Errorf("restored notice = %+v", n)
	}

	select {
	case extra := <-sink.ch:
		t.Errorf("unexpected notice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotificationService_Prune(t *testing.T) {
	now := time.Now().UTC()
	repo := &MockNotificationRepository{items: []*models.Notification{
		{ID: "old", Owner: "alice", Timestamp: now.Add(-48 * time.Hour)},
		{ID: "new", Owner: "alice", Timestamp: now.Add(-time.Minute)},
	}}
	svc := NewNotificationService(repo, nil, nil)

	n, err := svc.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 || len(repo.items) != 1 || repo.items[0].ID != "new" {
		t.Errorf("pruned %d, left %+v", n, repo.items)
	}

	// нулевой срок хранения - очистка выключена
	if n, _ := svc.Prune(context.Background(), 0); n != 0 {
		t.Errorf("prune with zero age removed %d", n)
	}
}
