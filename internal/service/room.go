package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// MemberProfile 加入房间时提供的成员信息。
type MemberProfile struct {
	ID          string
	DisplayName string
}

// RoomService 负责房间生命周期：创建、加入、离开、关闭以及订阅。
type RoomService struct {
	conn repository.StoreConn
	opts Options
	now  func() time.Time
}

// NewRoomService 创建 RoomService 实例。
func NewRoomService(conn repository.StoreConn, opts Options) *RoomService {
	if conn == nil {
		panic("StoreConn cannot be nil for RoomService")
	}
	return &RoomService{
		conn: conn,
		opts: opts,
		now:  time.Now,
	}
}

// CreateRoom 创建一个新房间，创建者成为房主。
func (s *RoomService) CreateRoom(ctx context.Context, owner MemberProfile) (*domain.Room, error) {
	logCtx := logrus.WithField("owner_id", owner.ID)
	if strings.TrimSpace(owner.ID) == "" {
		return nil, ErrInvalidMember
	}

	// 1. 生成唯一的房间码
	roomID, err := s.generateUniqueRoomCode(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Failed to generate unique room code")
		return nil, ErrInternalServer
	}
	logCtx = logCtx.WithField("room_id", roomID)

	// 2. 创建房间对象
	room := domain.NewRoom(roomID, &domain.Member{ID: owner.ID, DisplayName: owner.DisplayName}, s.now().UTC())

	// 3. 写入存储，要求该路径此前不存在
	err = s.conn.UpdateIf(ctx,
		map[string]any{repository.RoomField(roomID, repository.FieldLifecycleStatus): nil},
		map[string]any{repository.RoomPath(roomID): room})
	if err != nil {
		if errors.Is(err, repository.ErrPreconditionFailed) {
			logCtx.WithError(err).Error("Room code collided during creation")
			return nil, ErrInternalServer
		}
		logCtx.WithError(err).Error("Failed to save new room")
		return nil, mapRepoError(err)
	}

	logCtx.Info("Room created successfully")
	return room, nil
}

// JoinRoom 把成员加入房间；已在房间中的成员重新标记为 online。
// 房间没有房主时，加入者成为房主。
func (s *RoomService) JoinRoom(ctx context.Context, roomID string, member MemberProfile) (*domain.Room, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "member_id": member.ID})
	if strings.TrimSpace(member.ID) == "" {
		return nil, ErrInvalidMember
	}

	room, err := readVerifyWrite(ctx, s.conn, roomID, writePlan{
		requireOpen: true,
		build: func(room *domain.Room) map[string]any {
			updates := make(map[string]any)
			existing, ok := room.Members[member.ID]
			if ok {
				updates[repository.MemberField(roomID, member.ID, repository.FieldPresenceState)] = string(domain.PresenceOnline)
				updates[repository.MemberField(roomID, member.ID, repository.FieldLastChangedAt)] = repository.ServerTimestamp()
				if member.DisplayName != "" && member.DisplayName != existing.DisplayName {
					updates[repository.MemberField(roomID, member.ID, repository.FieldDisplayName)] = member.DisplayName
				}
			} else {
				updates[repository.MemberPath(roomID, member.ID)] = &domain.Member{
					ID:            member.ID,
					DisplayName:   member.DisplayName,
					Role:          domain.RolePlayer,
					PresenceState: domain.PresenceOnline,
					LastChangedAt: s.now().UTC(),
				}
			}
			if room.Host() == nil {
				updates[repository.MemberField(roomID, member.ID, repository.FieldRole)] = string(domain.RoleHost)
				updates[repository.RoomField(roomID, repository.FieldHostID)] = member.ID
			}
			return updates
		},
	})
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrRoomClosed) {
			logCtx.WithError(err).Warn("Failed to join room")
			return nil, err
		}
		logCtx.WithError(err).Error("Failed to join room: repository error")
		return nil, err
	}

	logCtx.Info("Member joined room successfully")
	return s.GetRoom(ctx, room.ID)
}

// LeaveRoom 主动离开：移除成员记录。离开者是房主时把房主交给剩余成员，
// 没有剩余的保持连接的成员时关闭房间。
func (s *RoomService) LeaveRoom(ctx context.Context, roomID, memberID string) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "member_id": memberID})

	closed := false
	_, err := readVerifyWrite(ctx, s.conn, roomID, writePlan{
		requireOpen: true,
		verify: func(room *domain.Room) error {
			if _, ok := room.Members[memberID]; !ok {
				return ErrMemberNotFound
			}
			return nil
		},
		build: func(room *domain.Room) map[string]any {
			updates := map[string]any{
				repository.MemberPath(roomID, memberID): nil,
			}
			remaining := &domain.Room{ID: room.ID, Members: make(map[string]*domain.Member)}
			for id, m := range room.Members {
				if id != memberID {
					remaining.Members[id] = m
				}
			}

			if host := room.Host(); host != nil && host.ID == memberID {
				// 离开视为 offline，按断线时的优先级选择继任者
				successor, err := SelectSuccessor(remaining, memberID, domain.PresenceOffline)
				if err == nil {
					updates[repository.MemberField(roomID, successor.ID, repository.FieldRole)] = string(domain.RoleHost)
					updates[repository.RoomField(roomID, repository.FieldHostID)] = successor.ID
				} else {
					updates[repository.RoomField(roomID, repository.FieldHostID)] = nil
				}
			}

			counts := remaining.Counts()
			if counts.Online == 0 && counts.Away == 0 {
				closed = true
				for path, v := range closeUpdates(roomID, domain.CloseReasonAllLeft, s.opts.DeleteGrace) {
					updates[path] = v
				}
			}
			return updates
		},
	})
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) || errors.Is(err, ErrRoomClosed) {
			logCtx.WithError(err).Debug("Leave ignored")
			return nil
		}
		logCtx.WithError(err).Warn("Failed to leave room")
		return err
	}
	logCtx.WithField("room_closed", closed).Info("Member left room")
	return nil
}

// CloseRoom 关闭房间。已关闭的房间再次关闭视为成功。
func (s *RoomService) CloseRoom(ctx context.Context, roomID, reason string) error {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "reason": reason})
	if reason == "" {
		reason = domain.CloseReasonHostClosed
	}
	_, err := readVerifyWrite(ctx, s.conn, roomID, writePlan{
		requireOpen: true,
		build: func(*domain.Room) map[string]any {
			return closeUpdates(roomID, reason, s.opts.DeleteRetention)
		},
	})
	if err != nil {
		if errors.Is(err, ErrRoomClosed) {
			logCtx.Debug("Room already closed")
			return nil
		}
		logCtx.WithError(err).Warn("Failed to close room")
		return err
	}
	logCtx.Info("Room closed")
	return nil
}

// CloseRoomAsHost 只有房主可以关闭房间。
func (s *RoomService) CloseRoomAsHost(ctx context.Context, roomID, memberID, reason string) error {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	if host := room.Host(); host == nil || host.ID != memberID {
		return ErrNotHost
	}
	return s.CloseRoom(ctx, roomID, reason)
}

// GetRoom 读取房间。
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*domain.Room, error) {
	room, err := loadRoom(ctx, s.conn, roomID)
	if err != nil {
		if !errors.Is(err, ErrRoomNotFound) {
			logrus.WithError(err).WithField("room_id", roomID).Error("GetRoom: repository error")
		}
		return nil, err
	}
	return room, nil
}

// ListRooms 列出所有房间，按创建时间倒序。includeClosed 为 false 时过滤已关闭的房间。
func (s *RoomService) ListRooms(ctx context.Context, includeClosed bool) ([]*domain.Room, error) {
	snap, err := s.conn.Get(ctx, repository.RoomsPath)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return decodeRoomList(snap, includeClosed)
}

// SubscribeRoom 订阅单个房间，房间被删除时回调收到 nil。
func (s *RoomService) SubscribeRoom(ctx context.Context, roomID string, onUpdate func(*domain.Room)) (repository.Unsubscribe, error) {
	unsub, err := s.conn.Subscribe(ctx, repository.RoomPath(roomID), func(snap repository.Snapshot) {
		room, err := decodeRoom(snap, roomID)
		if err != nil {
			if !errors.Is(err, ErrRoomNotFound) {
				logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to decode room update")
				return
			}
			room = nil
		}
		onUpdate(room)
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return unsub, nil
}

// SubscribeAllRooms 订阅房间列表。
func (s *RoomService) SubscribeAllRooms(ctx context.Context, includeClosed bool, onUpdate func([]*domain.Room)) (repository.Unsubscribe, error) {
	unsub, err := s.conn.Subscribe(ctx, repository.RoomsPath, func(snap repository.Snapshot) {
		rooms, err := decodeRoomList(snap, includeClosed)
		if err != nil {
			logrus.WithError(err).Warn("Failed to decode room list update")
			return
		}
		onUpdate(rooms)
	})
	if err != nil {
		return nil, mapRepoError(err)
	}
	return unsub, nil
}

func decodeRoomList(snap repository.Snapshot, includeClosed bool) ([]*domain.Room, error) {
	if !snap.Exists {
		return []*domain.Room{}, nil
	}
	var raw map[string]json.RawMessage
	if err := snap.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode room list: %w", err)
	}
	rooms := make([]*domain.Room, 0, len(raw))
	for id, r := range raw {
		var room domain.Room
		if err := json.Unmarshal(r, &room); err != nil {
			logrus.WithError(err).WithField("room_id", id).Warn("Skipping undecodable room")
			continue
		}
		room.Normalize(id)
		if room.IsOrphan() || (!includeClosed && room.IsClosed()) {
			continue
		}
		rooms = append(rooms, &room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].CreatedAt.Equal(rooms[j].CreatedAt) {
			return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms, nil
}

// --- 私有辅助函数 ---

// generateUniqueRoomCode 生成未被占用的房间码
func (s *RoomService) generateUniqueRoomCode(ctx context.Context) (string, error) {
	const letters = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	const codeLength = 6
	const maxAttempts = 10

	b := make([]byte, codeLength)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate random bytes: %w", err)
		}
		for i := range b {
			b[i] = letters[int(b[i])%len(letters)]
		}
		code := string(b)

		snap, err := s.conn.Get(ctx, repository.RoomPath(code))
		if err != nil {
			return "", fmt.Errorf("store error checking room code: %w", err)
		}
		if !snap.Exists {
			logrus.WithField("room_id", code).Debugf("Generated unique room code after %d attempt(s).", attempt+1)
			return code, nil
		}
		logrus.WithField("room_id", code).Warnf("Generated room code already exists, retrying (attempt %d)...", attempt+1)
	}
	return "", fmt.Errorf("failed to generate a unique room code after %d attempts", maxAttempts)
}
