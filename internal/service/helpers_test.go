package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"room-presence/internal/domain"
	"room-presence/internal/infra/state/memory"
	"room-presence/internal/repository"
	"room-presence/internal/service"
)

// testOptions 缩短所有等待时间，便于在测试中观察完整流程
func testOptions() service.Options {
	o := service.DefaultOptions()
	o.MembershipDebounce = 20 * time.Millisecond
	o.OfflineDebounce = 5 * time.Millisecond
	o.FallbackInterval = time.Hour
	o.FallbackStaleAfter = time.Hour
	o.SettleDelay = 40 * time.Millisecond
	o.CloseDelay = 60 * time.Millisecond
	o.LeaderHeartbeat = time.Hour
	o.SweepInterval = time.Hour
	o.DeleteGrace = time.Minute
	o.DeleteRetention = time.Hour
	o.AbandonAfter = 10 * time.Minute
	o.PingEnabled = false
	return o
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newMember(id string, role domain.Role, state domain.PresenceState) *domain.Member {
	return &domain.Member{
		ID:            id,
		DisplayName:   "player " + id,
		Role:          role,
		PresenceState: state,
		LastChangedAt: time.Now().UTC(),
	}
}

// newRoom 构造一个 open 房间，activityStatus 与统计按成员状态计算
func newRoom(id string, members ...*domain.Member) *domain.Room {
	room := &domain.Room{
		ID:              id,
		LifecycleStatus: domain.LifecycleOpen,
		CreatedAt:       time.Now().UTC(),
		Members:         make(map[string]*domain.Member),
	}
	for _, m := range members {
		room.Members[m.ID] = m
		if m.Role == domain.RoleHost && room.HostID == "" {
			room.HostID = m.ID
		}
	}
	counts := room.Counts()
	room.ActivityStatus = counts.Activity()
	room.Stats = counts.Stats(time.Now().UTC())
	return room
}

func seedRoom(t *testing.T, conn repository.StoreConn, room *domain.Room) {
	t.Helper()
	require.NoError(t, conn.Set(context.Background(), repository.RoomPath(room.ID), room))
}

func readRoom(t *testing.T, conn repository.StoreConn, roomID string) *domain.Room {
	t.Helper()
	snap, err := conn.Get(context.Background(), repository.RoomPath(roomID))
	require.NoError(t, err)
	if !snap.Exists {
		return nil
	}
	var room domain.Room
	require.NoError(t, snap.Decode(&room))
	room.Normalize(roomID)
	return &room
}

func setPresence(t *testing.T, conn repository.StoreConn, roomID, memberID string, state domain.PresenceState) {
	t.Helper()
	require.NoError(t, conn.Set(context.Background(), repository.MemberField(roomID, memberID, repository.FieldPresenceState), string(state)))
}

// invariantRecorder 记录房间的每个快照，检查 closed 状态的一致性
type invariantRecorder struct {
	mu         sync.Mutex
	violations []string
	seen       int
}

func watchInvariants(t *testing.T, conn repository.StoreConn, roomID string) *invariantRecorder {
	t.Helper()
	rec := &invariantRecorder{}
	unsub, err := conn.Subscribe(context.Background(), repository.RoomPath(roomID), func(snap repository.Snapshot) {
		if !snap.Exists {
			return
		}
		var room domain.Room
		if err := snap.Decode(&room); err != nil {
			return
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.seen++
		closedActivity := room.ActivityStatus == domain.ActivityClosed
		closedLifecycle := room.LifecycleStatus == domain.LifecycleClosed
		if closedActivity != closedLifecycle {
			rec.violations = append(rec.violations, string(room.LifecycleStatus)+"/"+string(room.ActivityStatus))
		}
		if room.InactiveSince != nil && room.ActivityStatus == domain.ActivityActive {
			rec.violations = append(rec.violations, "inactiveSince set while active")
		}
	})
	require.NoError(t, err)
	t.Cleanup(unsub)
	return rec
}

func (r *invariantRecorder) assertClean(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Empty(t, r.violations, "房间状态不变式被破坏")
}

// newBackend 返回内存存储和一个用于检查状态的观察连接
func newBackend(t *testing.T) (*memory.Backend, *memory.Conn) {
	t.Helper()
	b := memory.NewBackend()
	observer := b.Connect("observer")
	t.Cleanup(func() { _ = observer.Close(context.Background()) })
	return b, observer
}

// recordingConn 记录经过它的条件写入，beforeUpdateIf 可在提交前插入其他客户端的写入
type recordingConn struct {
	repository.StoreConn
	beforeUpdateIf func(updates map[string]any)

	mu     sync.Mutex
	writes []map[string]any
}

func (c *recordingConn) UpdateIf(ctx context.Context, expect, updates map[string]any) error {
	c.mu.Lock()
	c.writes = append(c.writes, updates)
	hook := c.beforeUpdateIf
	c.mu.Unlock()
	if hook != nil {
		hook(updates)
	}
	return c.StoreConn.UpdateIf(ctx, expect, updates)
}

// writeIndex 返回第一次包含 path 且值满足 match 的写入序号，没有时返回 -1
func (c *recordingConn) writeIndex(path string, match func(v any, ok bool) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.writes {
		v, ok := w[path]
		if match(v, ok) {
			return i
		}
	}
	return -1
}
