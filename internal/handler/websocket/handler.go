package websocket

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"room-presence/internal/hub"
	"room-presence/internal/middleware"
	"room-presence/internal/service"
)

// WebSocketHandler 负责处理 WebSocket 升级请求和客户端注册
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	hub         *hub.Hub
	roomService *service.RoomService
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(hub *hub.Hub, roomService *service.RoomService) *WebSocketHandler {
	if hub == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if roomService == nil {
		panic("RoomService cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// 来源由 CORS 配置和 JWT 认证约束
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		hub:         hub,
		roomService: roomService,
	}
}

// HandleConnection 处理 WebSocket 连接请求
// URL 预期格式: /ws/rooms/{roomId}?foreground=true
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	// 1. 获取认证成员 ID (由 Auth 中间件设置)
	memberID, ok := middleware.MemberID(c)
	if !ok {
		logrus.Warn("WS Handler: Member ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Member not authenticated"})
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"member_id": memberID, "room_id": roomID})

	foreground := true
	if fg := c.Query("foreground"); fg != "" {
		parsed, err := strconv.ParseBool(fg)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid foreground flag"})
			return
		}
		foreground = parsed
	}

	// 2. 升级前校验房间状态和成员身份，此时还能返回普通 HTTP 错误
	room, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Failed to load room")
		writeError(c, err)
		return
	}
	if room.IsClosed() {
		writeError(c, service.ErrRoomClosed)
		return
	}
	if _, ok := room.Members[memberID]; !ok {
		logCtx.Warn("WS Handler: Member has not joined the room")
		writeError(c, service.ErrMemberNotFound)
		return
	}

	// 3. 升级 HTTP 连接到 WebSocket
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		return
	}
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	// 4. 交给 Hub 运行房间会话
	if client := h.hub.Serve(conn, roomID, memberID, foreground); client == nil {
		logCtx.Warn("WS Handler: Hub is shutting down, connection rejected")
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrRoomNotFound), errors.Is(err, service.ErrMemberNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrRoomClosed):
		status = http.StatusConflict
	case errors.Is(err, service.ErrConnectivityLoss):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
