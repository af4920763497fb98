package service

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// SelectSuccessor 为失去活跃状态的房主选出继任者。
// 房主 offline 时依次考虑 online、away 成员；房主 away 时只考虑 online 成员。
// 同一优先级内按成员 ID 排序取第一个。
func SelectSuccessor(room *domain.Room, hostID string, hostState domain.PresenceState) (*domain.Member, error) {
	var classes []domain.PresenceState
	switch hostState {
	case domain.PresenceOffline:
		classes = []domain.PresenceState{domain.PresenceOnline, domain.PresenceAway}
	case domain.PresenceAway:
		classes = []domain.PresenceState{domain.PresenceOnline}
	default:
		return nil, ErrNoEligibleSuccessor
	}

	members := room.SortedMembers()
	for _, state := range classes {
		for _, m := range members {
			if m.ID != hostID && m.PresenceState == state {
				return m, nil
			}
		}
	}
	return nil, ErrNoEligibleSuccessor
}

// HostFailover 观察房主的在线状态，房主离开前台或断线时把房主身份移交给其他成员。
// 每个客户端都运行一个实例，提交前的复查保证只有观察仍然成立的实例会写入。
type HostFailover struct {
	conn   repository.StoreConn
	roomID string
	logCtx *logrus.Entry

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	unsub         repository.Unsubscribe
	lastHostID    string
	lastHostState domain.PresenceState
}

// NewHostFailover 创建 HostFailover 实例
func NewHostFailover(conn repository.StoreConn, roomID string) *HostFailover {
	if conn == nil {
		panic("StoreConn cannot be nil for HostFailover")
	}
	return &HostFailover{
		conn:   conn,
		roomID: roomID,
		logCtx: logrus.WithFields(logrus.Fields{"component": "host_failover", "room_id": roomID, "client_id": conn.ClientID()}),
	}
}

// Start 订阅房间文档。
func (f *HostFailover) Start(ctx context.Context) error {
	f.mu.Lock()
	f.ctx, f.cancel = context.WithCancel(ctx)
	runCtx := f.ctx
	f.mu.Unlock()

	unsub, err := f.conn.Subscribe(runCtx, repository.RoomPath(f.roomID), f.onRoom)
	if err != nil {
		f.cancel()
		return mapRepoError(err)
	}
	f.mu.Lock()
	f.unsub = unsub
	f.mu.Unlock()
	return nil
}

// Stop 取消订阅。
func (f *HostFailover) Stop() {
	f.mu.Lock()
	if f.cancel != nil {
		f.cancel()
	}
	unsub := f.unsub
	f.unsub = nil
	f.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (f *HostFailover) onRoom(snap repository.Snapshot) {
	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	room, err := decodeRoom(snap, f.roomID)
	if err != nil || room.IsClosed() {
		return
	}
	if len(room.Hosts()) > 1 {
		if err := f.Reconcile(ctx); err != nil {
			f.logCtx.WithError(err).Warn("Failed to reconcile duplicate hosts")
		}
	}

	host := room.Host()
	f.mu.Lock()
	if host == nil {
		f.lastHostID, f.lastHostState = "", ""
		f.mu.Unlock()
		return
	}
	changed := host.ID != f.lastHostID || host.PresenceState != f.lastHostState
	f.lastHostID, f.lastHostState = host.ID, host.PresenceState
	f.mu.Unlock()

	if !changed || host.PresenceState == domain.PresenceOnline {
		return
	}
	successor, err := SelectSuccessor(room, host.ID, host.PresenceState)
	if err != nil {
		f.logCtx.WithFields(logrus.Fields{"host_id": host.ID, "host_state": host.PresenceState}).Debug("No eligible successor, host unchanged")
		return
	}

	installed, err := f.Promote(ctx, host.ID, successor.ID)
	logCtx := f.logCtx.WithFields(logrus.Fields{"previous_host": host.ID, "successor": successor.ID})
	switch {
	case err == nil:
		logCtx.Info("Host role transferred")
	case isBenign(err) || errors.Is(err, ErrNoEligibleSuccessor):
		logCtx.WithError(err).WithField("installed_host", installed).Debug("Host promotion skipped")
	default:
		logCtx.WithError(err).Warn("Host promotion failed")
	}
}

// Promote 把房主从 expectedHostID 移交给 successorID。
// 提交前复查：房主仍是 expectedHostID 且仍不在线，并且按当前成员状态重新选出的继任者仍是 successorID。
// 复查失败返回 ErrStaleWrite 和当前实际的房主 ID。
func (f *HostFailover) Promote(ctx context.Context, expectedHostID, successorID string) (string, error) {
	installed := ""
	_, err := readVerifyWrite(ctx, f.conn, f.roomID, writePlan{
		requireOpen: true,
		verify: func(room *domain.Room) error {
			host := room.Host()
			if host != nil {
				installed = host.ID
			}
			if host == nil || host.ID != expectedHostID || host.PresenceState == domain.PresenceOnline {
				return ErrStaleWrite
			}
			successor, err := SelectSuccessor(room, host.ID, host.PresenceState)
			if err != nil {
				return err
			}
			if successor.ID != successorID {
				return ErrStaleWrite
			}
			return nil
		},
		build: func(room *domain.Room) map[string]any {
			updates := map[string]any{
				repository.MemberField(f.roomID, successorID, repository.FieldRole):          string(domain.RoleHost),
				repository.MemberField(f.roomID, successorID, repository.FieldLastChangedAt): repository.ServerTimestamp(),
				repository.RoomField(f.roomID, repository.FieldHostID):                       successorID,
			}
			for _, h := range room.Hosts() {
				if h.ID != successorID {
					updates[repository.MemberField(f.roomID, h.ID, repository.FieldRole)] = string(domain.RolePlayer)
				}
			}
			return updates
		},
	})
	if err != nil {
		return installed, err
	}
	return successorID, nil
}

// Reconcile 当多个成员同时持有 host 角色时，以 hostId 指向的成员为准降级其余成员。
// 两个观察者并发提升不同继任者后，房间由此收敛到单一房主。
func (f *HostFailover) Reconcile(ctx context.Context) error {
	_, err := readVerifyWrite(ctx, f.conn, f.roomID, writePlan{
		requireOpen: true,
		verify: func(room *domain.Room) error {
			if len(room.Hosts()) < 2 {
				return ErrStaleWrite
			}
			return nil
		},
		build: func(room *domain.Room) map[string]any {
			keep := room.Host()
			updates := make(map[string]any)
			for _, h := range room.Hosts() {
				if h.ID != keep.ID {
					updates[repository.MemberField(f.roomID, h.ID, repository.FieldRole)] = string(domain.RolePlayer)
				}
			}
			if room.HostID != keep.ID {
				updates[repository.RoomField(f.roomID, repository.FieldHostID)] = keep.ID
			}
			return updates
		},
	})
	if err != nil && isBenign(err) {
		return nil
	}
	return err
}
