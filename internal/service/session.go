package service

import (
	"context"

	"github.com/sirupsen/logrus"

	"room-presence/internal/repository"
)

// RoomSession 一个客户端在一个房间中运行的全部协调组件。
type RoomSession struct {
	RoomID   string
	MemberID string

	Presence   *PresenceTracker
	Aggregator *StatusAggregator
	Monitor    *DisconnectMonitor
	Failover   *HostFailover

	rooms *RoomService
}

// NewRoomSession 基于同一条存储连接组装各组件。
func NewRoomSession(conn repository.StoreConn, roomID, memberID string, opts Options) *RoomSession {
	return &RoomSession{
		RoomID:     roomID,
		MemberID:   memberID,
		Presence:   NewPresenceTracker(conn, roomID, memberID, opts),
		Aggregator: NewStatusAggregator(conn, roomID, opts),
		Monitor:    NewDisconnectMonitor(conn, roomID, opts),
		Failover:   NewHostFailover(conn, roomID),
		rooms:      NewRoomService(conn, opts),
	}
}

// Start 依次启动在线状态、状态聚合、断线监视和房主移交。任一失败时停止已启动的组件。
func (s *RoomSession) Start(ctx context.Context, foreground bool) error {
	if err := s.Presence.Start(ctx, foreground); err != nil {
		return err
	}
	if err := s.Aggregator.Start(ctx); err != nil {
		_ = s.Presence.Stop(ctx)
		return err
	}
	if err := s.Monitor.Start(ctx); err != nil {
		s.Aggregator.Stop()
		_ = s.Presence.Stop(ctx)
		return err
	}
	if err := s.Failover.Start(ctx); err != nil {
		s.Monitor.Stop()
		s.Aggregator.Stop()
		_ = s.Presence.Stop(ctx)
		return err
	}
	logrus.WithFields(logrus.Fields{"room_id": s.RoomID, "member_id": s.MemberID}).Debug("Room session started")
	return nil
}

// SetForeground 前后台切换。
func (s *RoomSession) SetForeground(ctx context.Context, foreground bool) error {
	return s.Presence.SetForeground(ctx, foreground)
}

// Stop 停止所有组件，本成员被标记为 offline。
func (s *RoomSession) Stop(ctx context.Context) error {
	s.Failover.Stop()
	s.Monitor.Stop()
	s.Aggregator.Stop()
	return s.Presence.Stop(ctx)
}

// Leave 主动离开房间：先停止组件并写入 offline，再移除成员记录。
func (s *RoomSession) Leave(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"room_id": s.RoomID, "member_id": s.MemberID}).Warn("Failed to stop room session before leaving")
	}
	return s.rooms.LeaveRoom(ctx, s.RoomID, s.MemberID)
}

// Detach 停止所有组件但不写入 offline，用于连接已经丢失、由断线触发器负责善后的情况。
func (s *RoomSession) Detach() {
	s.Failover.Stop()
	s.Monitor.Stop()
	s.Aggregator.Stop()
	s.Presence.Detach()
}
