package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"room-presence/internal/middleware"
	"room-presence/internal/repository"
	"room-presence/internal/service"
)

// RoomHandler 封装了与房间生命周期相关的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
	archiveRepo repository.RoomArchiveRepository // 未配置归档库时为 nil
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(roomService *service.RoomService, archiveRepo repository.RoomArchiveRepository) *RoomHandler {
	if roomService == nil {
		panic("RoomService cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, archiveRepo: archiveRepo}
}

// RegisterRoutes 注册房间路由，调用方负责挂载认证中间件
func (h *RoomHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.CreateRoom)
	rg.GET("", h.ListRooms)
	rg.GET("/:roomId", h.GetRoom)
	rg.POST("/:roomId/join", h.JoinRoom)
	rg.POST("/:roomId/leave", h.LeaveRoom)
	rg.POST("/:roomId/close", h.CloseRoom)
	rg.GET("/:roomId/archive", h.GetArchive)
}

// profile 从认证信息构造成员资料，请求体中的 display_name 优先
func profile(c *gin.Context, displayName string) (service.MemberProfile, bool) {
	memberID, ok := middleware.MemberID(c)
	if !ok {
		logrus.Warn("Handler: Member ID not found in context, middleware missing or failed?")
		ErrorResponse(c, http.StatusUnauthorized, "Member not authenticated")
		return service.MemberProfile{}, false
	}
	if displayName == "" {
		displayName = middleware.DisplayName(c)
	}
	return service.MemberProfile{ID: memberID, DisplayName: displayName}, true
}

// MemberRequest 创建与加入房间的可选请求体
type MemberRequest struct {
	DisplayName string `json:"display_name" binding:"max=64"`
}

func bindOptionalJSON(c *gin.Context, req any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: "+err.Error())
		return false
	}
	return true
}

// CreateRoom 创建房间，调用者成为房主
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req MemberRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	member, ok := profile(c, req.DisplayName)
	if !ok {
		return
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), member)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusCreated, room)
}

// JoinRoom 加入房间
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	var req MemberRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	member, ok := profile(c, req.DisplayName)
	if !ok {
		return
	}

	room, err := h.roomService.JoinRoom(c.Request.Context(), c.Param("roomId"), member)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, room)
}

// LeaveRoom 主动离开房间
func (h *RoomHandler) LeaveRoom(c *gin.Context) {
	member, ok := profile(c, "")
	if !ok {
		return
	}
	if err := h.roomService.LeaveRoom(c.Request.Context(), c.Param("roomId"), member.ID); err != nil {
		HandleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CloseRoomRequest 关闭房间的可选请求体
type CloseRoomRequest struct {
	Reason string `json:"reason" binding:"max=255"`
}

// CloseRoom 房主关闭房间
func (h *RoomHandler) CloseRoom(c *gin.Context) {
	var req CloseRoomRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	member, ok := profile(c, "")
	if !ok {
		return
	}
	if err := h.roomService.CloseRoomAsHost(c.Request.Context(), c.Param("roomId"), member.ID, req.Reason); err != nil {
		HandleServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetRoom 读取房间
func (h *RoomHandler) GetRoom(c *gin.Context) {
	room, err := h.roomService.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, room)
}

// ListRooms 列出房间，?include_closed=true 时包含已关闭的房间
func (h *RoomHandler) ListRooms(c *gin.Context) {
	includeClosed, _ := strconv.ParseBool(c.Query("include_closed"))
	rooms, err := h.roomService.ListRooms(c.Request.Context(), includeClosed)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, gin.H{"rooms": rooms})
}

// GetArchive 读取已删除房间的归档记录
func (h *RoomHandler) GetArchive(c *gin.Context) {
	if h.archiveRepo == nil {
		ErrorResponse(c, http.StatusNotImplemented, "Room archive is not enabled")
		return
	}
	archive, err := h.archiveRepo.FindByRoomID(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, archive)
}
