package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"venuewatch/internal/models"
	"venuewatch/internal/stream"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(nil, nil)

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", "https://example.com/"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // пустой origin разрешён
		{"http://localhost:3000", true},  // в списке
		{"https://example.com", true},    // в списке
		{"http://evil.com", false},       // не в списке
		{"http://localhost:8080", false}, // не в списке
	}

	for _, tt := range tests {
		got := checker.Check(tt.origin)
		if got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestNewOriginChecker(t *testing.T) {
	tests := []struct {
		name     string
		origins  []string
		origin   string
		expected bool
	}{
		{"пустой список разрешает всё", nil, "https://evil.com", true},
		{"звёздочка разрешает всё", []string{"*"}, "https://evil.com", true},
		{"список ограничивает", []string{"https://ui.example.com"}, "https://evil.com", false},
		{"origin из списка", []string{" https://ui.example.com "}, "https://ui.example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewOriginChecker(tt.origins).Check(tt.origin); got != tt.expected {
				t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.expected)
			}
		})
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	hub := NewHub(nil, nil)
	// Run не запущен - очередь заполняется и лишнее отбрасывается

	for i := 0; i < broadcastBufferSize+100; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}

	if got := hub.DroppedMessages(); got != 100 {
		t.Errorf("expected 100 dropped messages, got %d", got)
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(nil, nil)

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	hub.Stop()
	hub.Stop() // повторный вызов безопасен

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Hub.Run() did not exit after Stop()")
	}
}

// ============================================================
// Integration with a real websocket client
// ============================================================

// dialHub подключается к хабу; owner попадает в ?owner=
func dialHub(t *testing.T, hub *Hub, owner string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	want := hub.ClientCount() + 1
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if owner != "" {
		url += "?" + OwnerParam + "=" + owner
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode failed: %v (%s)", err, data)
	}
}

func TestHub_ServeWSDeliversNotification(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub, "")

	value := decimal.RequireFromString("65001")
	hub.BroadcastNotification(&models.Notification{
		ID:       "n-1",
		AlertID:  "a-1",
		Type:     models.NotificationTypeAlert,
		Severity: models.SeverityInfo,
		Message:  "BTCUSDT last above 65000",
		Value:    &value,
	})

	var msg struct {
		Type MessageType         `json:"type"`
		Data models.Notification `json:"data"`
	}
	readMessage(t, conn, &msg)

	if msg.Type != MessageTypeNotification {
		t.Errorf("type = %s", msg.Type)
	}
	if msg.Data.AlertID != "a-1" || msg.Data.Message != "BTCUSDT last above 65000" {
		t.Errorf("data = %+v", msg.Data)
	}
	if msg.Data.Value == nil || !msg.Data.Value.Equal(value) {
		t.Errorf("value = %v", msg.Data.Value)
	}
}

func TestHub_NotificationRoutedByOwner(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	alice := dialHub(t, hub, "alice")
	bob := dialHub(t, hub, "bob")

	hub.BroadcastNotification(&models.Notification{ID: "n-1", Owner: "alice", Type: models.NotificationTypeAlert, Message: "only alice"})
	hub.BroadcastNotification(&models.Notification{ID: "n-2", Type: models.NotificationTypeStream, Message: "everyone"})

	type notificationMsg struct {
		Type MessageType         `json:"type"`
		Data models.Notification `json:"data"`
	}

	var first, second notificationMsg
	readMessage(t, alice, &first)
	readMessage(t, alice, &second)
	if first.Data.ID != "n-1" || second.Data.ID != "n-2" {
		t.Errorf("alice got %s, %s", first.Data.ID, second.Data.ID)
	}

	// чужое уведомление bob не получает, первым приходит общее
	var got notificationMsg
	readMessage(t, bob, &got)
	if got.Data.ID != "n-2" {
		t.Errorf("bob got %s, want n-2", got.Data.ID)
	}
}

func TestHub_ServeWSRejectsLongOwner(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?owner=" + strings.Repeat("x", maxOwnerLength+1)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", resp)
	}
}

func TestHub_StreamAndRiskStatus(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub, "")

	key := models.VenueKey{Venue: "aster", Market: models.MarketFutures}
	hub.OnStreamStatus(key, stream.StateReconnecting, errors.New("heartbeat timeout"))

	var st StreamStatusMessage
	readMessage(t, conn, &st)
	if st.Type != MessageTypeStreamStatus || st.Venue != "aster" || st.Market != models.MarketFutures {
		t.Errorf("stream status = %+v", st)
	}
	if st.State != "RECONNECTING" || st.Error != "heartbeat timeout" {
		t.Errorf("state = %s, error = %s", st.State, st.Error)
	}

	hub.BroadcastRiskStatus(map[string]string{"state": "EMERGENCY_STOPPED"})

	var risk struct {
		Type MessageType       `json:"type"`
		Data map[string]string `json:"data"`
	}
	readMessage(t, conn, &risk)
	if risk.Type != MessageTypeRiskStatus || risk.Data["state"] != "EMERGENCY_STOPPED" {
		t.Errorf("risk status = %+v", risk)
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	conn := dialHub(t, hub, "")
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client was not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"https://ui.example.com"}, nil)
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	defer srv.Close()

	header := http.Header{"Origin": {"https://evil.com"}}
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %v", resp)
	}
}

// ============================================================
// Parallel Stress Test
// ============================================================

func TestHub_ConcurrentOperations(t *testing.T) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	var wg sync.WaitGroup
	const goroutines = 10
	const operations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				hub.Broadcast(map[string]int{"goroutine": id, "op": j})
			}
		}(i)
	}

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < operations; j++ {
				_ = hub.ClientCount()
			}
		}()
	}

	wg.Wait()
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub(nil, nil)
	go hub.Run()
	defer hub.Stop()

	n := &models.Notification{ID: "n", Type: models.NotificationTypeAlert, Message: "benchmark message"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.BroadcastNotification(n)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker([]string{"http://localhost:3000"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}
