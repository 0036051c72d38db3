package websocket

import (
	"bytes"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"venuewatch/internal/models"
	"venuewatch/internal/stream"
	"venuewatch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// broadcastBufferSize - очередь рассылки; при переполнении сообщения отбрасываются
const broadcastBufferSize = 1024

// outbound - сериализованное сообщение и адресат (пусто - всем)
type outbound struct {
	owner string
	data  []byte
}

// Hub - push канал UI (/ws/stream).
//
// Типы сообщений:
// - notification: уведомление, только владельцу или всем, если владелец пуст
// - streamStatus: смена состояния потока площадки, всем
// - riskStatus: состояние риск-гарда, всем
//
// Broadcast не блокирует вызывающего: хуки потоков и риск-гарда
// вызывают его из своих циклов.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	dropped atomic.Int64
	origins *OriginChecker
	log     *utils.Logger
}

// NewHub создает Hub. Пустой список origins разрешает любые источники.
func NewHub(origins []string, log *utils.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, broadcastBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(origins),
		log:        utils.OrGlobal(log).WithComponent("ui-hub"),
	}
}

// Run - цикл хаба, завершается после Stop
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ui client connected", utils.Owner(c.owner), utils.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("ui client disconnected", utils.Owner(c.owner), utils.Int("clients", n))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver раздаёт сообщение адресатам; клиент с полным буфером отключается
func (h *Hub) deliver(msg outbound) {
	var slow []*Client

	h.mu.RLock()
	for c := range h.clients {
		if !c.accepts(msg.owner) {
			continue
		}
		select {
		case c.send <- msg.data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.dropLocked(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Warn("removed slow ui clients", utils.Int("removed", len(slow)), utils.Int("clients", n))
}

func (h *Hub) dropLocked(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.stop:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}

// Stop останавливает Run и отключает клиентов; повторный вызов безопасен
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast сериализует сообщение для всех клиентов
func (h *Hub) Broadcast(message interface{}) {
	h.enqueue("", message)
}

func (h *Hub) enqueue(owner string, message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("failed to marshal ui message", utils.Err(err))
		return
	}
	data := append([]byte(nil), bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})...)

	select {
	case h.broadcast <- outbound{owner: owner, data: data}:
	default:
		h.dropped.Add(1)
	}
}

// BroadcastNotification отправляет уведомление его владельцу (общее - всем)
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.enqueue(n.Owner, NewNotificationMessage(n))
}

// BroadcastRiskStatus отправляет состояние риск-гарда
func (h *Hub) BroadcastRiskStatus(status interface{}) {
	h.Broadcast(NewRiskStatusMessage(status))
}

// OnStreamStatus - обработчик смены состояния потока (stream.StatusFunc)
func (h *Hub) OnStreamStatus(key models.VenueKey, state stream.State, cause error) {
	h.Broadcast(NewStreamStatusMessage(key, state.String(), cause))
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - число сообщений, отброшенных из-за полной очереди
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
