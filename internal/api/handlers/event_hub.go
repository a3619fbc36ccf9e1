package handlers

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ipa-dump/ipa-dump-go/internal/domain"
	"github.com/sirupsen/logrus"
)

const (
	broadcastBuffer = 256
	historySize     = 200
)

// EventHub 通过 websocket 向状态页推送运行事件
//
// Publish 永不阻塞：缓冲区满时直接丢弃事件，dump 流程不受影响。
type EventHub struct {
	logger    logrus.FieldLogger
	upgrader  websocket.Upgrader
	broadcast chan domain.Event

	clientMutex sync.RWMutex
	clients     map[*websocket.Conn]struct{}

	historyMutex sync.RWMutex
	history      []domain.Event
}

// NewEventHub 创建事件中心
func NewEventHub(logger logrus.FieldLogger) *EventHub {
	return &EventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 状态服务只监听本地地址
			},
		},
		broadcast: make(chan domain.Event, broadcastBuffer),
		clients:   make(map[*websocket.Conn]struct{}),
	}
}

// Start 启动广播器，ctx 结束时断开所有客户端
func (h *EventHub) Start(ctx context.Context) {
	go h.runBroadcaster(ctx)
}

// Publish 实现 domain.EventSink
func (h *EventHub) Publish(event domain.Event) {
	h.historyMutex.Lock()
	h.history = append(h.history, event)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	h.historyMutex.Unlock()

	select {
	case h.broadcast <- event:
	default:
		h.logger.WithField("type", event.Type).Debug("Event hub buffer full, dropping event")
	}
}

// History 最近的事件
func (h *EventHub) History() []domain.Event {
	h.historyMutex.RLock()
	defer h.historyMutex.RUnlock()
	return append([]domain.Event(nil), h.history...)
}

func (h *EventHub) runBroadcaster(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.clientMutex.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientMutex.Unlock()
			return
		case event := <-h.broadcast:
			h.send(event)
		}
	}
}

func (h *EventHub) send(event domain.Event) {
	h.clientMutex.Lock()
	defer h.clientMutex.Unlock()

	for conn := range h.clients {
		if err := conn.WriteJSON(event); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ClientCount 当前连接数
func (h *EventHub) ClientCount() int {
	h.clientMutex.RLock()
	defer h.clientMutex.RUnlock()
	return len(h.clients)
}

// HandleWebSocket 处理 WebSocket 连接
func (h *EventHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	h.clientMutex.Lock()
	h.clients[conn] = struct{}{}
	h.clientMutex.Unlock()

	h.logger.WithField("remote", c.Request.RemoteAddr).Debug("WebSocket client connected")

	// 客户端不发送数据，读循环只用于感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Debug("WebSocket closed")
			}
			break
		}
	}

	h.clientMutex.Lock()
	if _, ok := h.clients[conn]; ok {
		conn.Close()
		delete(h.clients, conn)
	}
	h.clientMutex.Unlock()

	h.logger.Debug("WebSocket client disconnected")
}

// ListEvents GET /api/events
func (h *EventHub) ListEvents(c *gin.Context) {
	c.JSON(http.StatusOK, h.History())
}
