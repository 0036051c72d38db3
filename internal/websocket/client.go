package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"venuewatch/pkg/utils"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096 // клиент присылает только control-кадры

	clientSendBufferSize = 256

	// OwnerParam - query-параметр владельца при подключении UI
	OwnerParam     = "owner"
	maxOwnerLength = 128
)

// ============================================================
// Origin
// ============================================================

// OriginChecker - белый список Origin для апгрейда
type OriginChecker struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewOriginChecker - пустой список или "*" разрешают любой Origin
func NewOriginChecker(origins []string) *OriginChecker {
	oc := &OriginChecker{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		switch o = strings.TrimRight(strings.TrimSpace(o), "/"); o {
		case "":
		case "*":
			oc.allowAll = true
		default:
			oc.allowed[o] = struct{}{}
		}
	}
	if len(oc.allowed) == 0 {
		oc.allowAll = true
	}
	return oc
}

// Check - запрос без Origin (не браузер) пропускается
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" || oc.allowAll {
		return true
	}
	_, ok := oc.allowed[origin]
	return ok
}

// ============================================================
// Client
// ============================================================

// Client - одно подключение UI.
// Получает общие сообщения и уведомления своего владельца.
type Client struct {
	hub   *Hub
	conn  *websocket.Conn
	owner string
	send  chan []byte
}

// accepts - адресовано ли сообщение этому клиенту
func (c *Client) accepts(owner string) bool {
	return owner == "" || owner == c.owner
}

// readPump нужен только для control-кадров и обнаружения разрыва
func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("ui client read error", utils.Owner(c.owner), utils.Err(err))
			}
			return
		}
	}
}

// writePump - одно сообщение на кадр; закрытый send означает отключение хабом
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS - обработчик /ws/stream.
// ?owner= выбирает, чьи уведомления получает клиент; без него только общие.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	owner := strings.TrimSpace(r.URL.Query().Get(OwnerParam))
	if len(owner) > maxOwnerLength {
		http.Error(w, "owner is too long", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin:       func(r *http.Request) bool { return h.origins.Check(r.Header.Get("Origin")) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ui websocket upgrade failed", utils.Err(err))
		return
	}

	c := &Client{hub: h, conn: conn, owner: owner, send: make(chan []byte, clientSendBufferSize)}
	if !h.join(c) {
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
