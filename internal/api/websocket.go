package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lunar-bby/AgoraAI/internal/comms"
	xerrors "github.com/lunar-bby/AgoraAI/internal/errors"
	"github.com/lunar-bby/AgoraAI/pkg/logger"
)

const (
	// eventQueueSize 限制单个连接积压的事件数量，消费不及时将丢弃新事件。
	eventQueueSize = 32
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
)

// handleEvents 把市场事件总线上的消息推送给 WebSocket 客户端。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, "GET")
		return
	}
	if s.broker == nil {
		writeErrorStatus(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "事件总线未启用")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("升级 WebSocket 连接失败", "error", err)
		return
	}
	defer conn.Close()

	queue := make(chan comms.Message, eventQueueSize)
	cancel, err := s.broker.Subscribe(s.topic, func(msg comms.Message) {
		select {
		case queue <- msg:
		default:
			// 客户端消费太慢时放弃本条事件，不阻塞总线。
		}
	})
	if err != nil {
		logger.L().Warn("订阅市场事件失败", "topic", s.topic, "error", err)
		return
	}
	defer cancel()

	// 读取循环只用来感知客户端断开。
	done := make(chan struct{})
	go func() {
		defer close(done)
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
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case msg := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				logger.L().Debug("推送市场事件失败", "error", err)
				return
			}
		}
	}
}
