package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"djidji-uploader/internal/events"
	"djidji-uploader/pkg/log"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // agent 只监听本地，允许所有来源
	},
}

// EventsHandler 通过 WebSocket 推送事件总线上的消息。
type EventsHandler struct {
	events events.Subscriber
}

// NewEventsHandler 创建一个新的 EventsHandler 实例。
func NewEventsHandler(sub events.Subscriber) *EventsHandler {
	return &EventsHandler{events: sub}
}

// Stream 将连接升级为 WebSocket 并持续写入 JSON 事件。
// progress=false 时不推送进度事件。
func (h *EventsHandler) Stream(c *gin.Context) {
	skipProgress := c.Query("progress") == "false"

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("[Agent] WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.events.Subscribe(eventBuffer)
	defer cancel()
	log.Infof("[Agent] 事件订阅已建立: %s", c.ClientIP())

	// 客户端发来的消息被忽略，读失败即视为断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			log.Infof("[Agent] 事件订阅已断开: %s", c.ClientIP())
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(writeTimeout))
				return
			}
			if skipProgress && ev.Type == events.TypeProgress {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warnf("[Agent] 写入事件失败: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
