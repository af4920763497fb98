package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
	"room-presence/internal/service"
)

func TestRoomService_CreateRoom(t *testing.T) {
	// Arrange
	ctx := context.Background()
	b, observer := newBackend(t)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	// Act
	room, err := svc.CreateRoom(ctx, service.MemberProfile{ID: "u1", DisplayName: "Alice"})

	// Assert
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Len(t, room.ID, 6)
	stored := readRoom(t, observer, room.ID)
	require.NotNil(t, stored)
	assert.Equal(t, domain.LifecycleOpen, stored.LifecycleStatus)
	assert.Equal(t, domain.ActivityActive, stored.ActivityStatus)
	assert.Equal(t, "u1", stored.HostID)
	require.Contains(t, stored.Members, "u1")
	assert.Equal(t, domain.RoleHost, stored.Members["u1"].Role)
	assert.Equal(t, domain.PresenceOnline, stored.Members["u1"].PresenceState)
	assert.Equal(t, 1, stored.Stats.OnlineCount)
}

func TestRoomService_CreateRoom_InvalidMember(t *testing.T) {
	b, _ := newBackend(t)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	_, err := svc.CreateRoom(context.Background(), service.MemberProfile{ID: "  "})

	assert.ErrorIs(t, err, service.ErrInvalidMember)
	assert.Zero(t, b.WriteCount(), "无效请求不应写入存储")
}

func TestRoomService_JoinRoom(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	svc := service.NewRoomService(b.Connect("api"), testOptions())
	room, err := svc.CreateRoom(ctx, service.MemberProfile{ID: "h", DisplayName: "Host"})
	require.NoError(t, err)

	t.Run("新成员以 player 身份加入", func(t *testing.T) {
		joined, err := svc.JoinRoom(ctx, room.ID, service.MemberProfile{ID: "p", DisplayName: "Player"})
		require.NoError(t, err)
		require.Contains(t, joined.Members, "p")
		assert.Equal(t, domain.RolePlayer, joined.Members["p"].Role)
		assert.Equal(t, domain.PresenceOnline, joined.Members["p"].PresenceState)
		assert.Equal(t, "h", joined.HostID)
	})

	t.Run("已有成员重新加入时恢复为 online", func(t *testing.T) {
		setPresence(t, observer, room.ID, "p", domain.PresenceOffline)
		joined, err := svc.JoinRoom(ctx, room.ID, service.MemberProfile{ID: "p", DisplayName: "Renamed"})
		require.NoError(t, err)
		assert.Equal(t, domain.PresenceOnline, joined.Members["p"].PresenceState)
		assert.Equal(t, "Renamed", joined.Members["p"].DisplayName)
		assert.Equal(t, domain.RolePlayer, joined.Members["p"].Role)
	})

	t.Run("房间不存在", func(t *testing.T) {
		_, err := svc.JoinRoom(ctx, "NOPE00", service.MemberProfile{ID: "p"})
		assert.ErrorIs(t, err, service.ErrRoomNotFound)
	})

	t.Run("房间已关闭", func(t *testing.T) {
		require.NoError(t, svc.CloseRoom(ctx, room.ID, ""))
		_, err := svc.JoinRoom(ctx, room.ID, service.MemberProfile{ID: "late"})
		assert.ErrorIs(t, err, service.ErrRoomClosed)
		assert.NotContains(t, readRoom(t, observer, room.ID).Members, "late")
	})
}

func TestRoomService_JoinRoom_HostlessRoomGetsHost(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("HOST01", newMember("a", domain.RolePlayer, domain.PresenceOffline))
	seedRoom(t, observer, room)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	joined, err := svc.JoinRoom(ctx, room.ID, service.MemberProfile{ID: "b"})

	require.NoError(t, err)
	assert.Equal(t, "b", joined.HostID)
	assert.Equal(t, domain.RoleHost, joined.Members["b"].Role)
}

func TestRoomService_LeaveRoom_HandsOffHost(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("LEAVE1",
		newMember("h", domain.RoleHost, domain.PresenceOnline),
		newMember("a", domain.RolePlayer, domain.PresenceAway),
		newMember("b", domain.RolePlayer, domain.PresenceOnline))
	seedRoom(t, observer, room)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	require.NoError(t, svc.LeaveRoom(ctx, room.ID, "h"))

	got := readRoom(t, observer, room.ID)
	assert.NotContains(t, got.Members, "h")
	assert.Equal(t, "b", got.HostID, "online 成员优先于 away 成员")
	assert.Equal(t, domain.RoleHost, got.Members["b"].Role)
	assert.False(t, got.IsClosed())
}

func TestRoomService_LeaveRoom_LastMemberClosesRoom(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("LEAVE2",
		newMember("h", domain.RoleHost, domain.PresenceOnline),
		newMember("gone", domain.RolePlayer, domain.PresenceOffline))
	seedRoom(t, observer, room)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	require.NoError(t, svc.LeaveRoom(ctx, room.ID, "h"))

	got := readRoom(t, observer, room.ID)
	assert.True(t, got.IsClosed())
	assert.Equal(t, domain.ActivityClosed, got.ActivityStatus)
	assert.Equal(t, domain.CloseReasonAllLeft, got.CloseReason)
	require.NotNil(t, got.ClosedAt)
	require.NotNil(t, got.DeleteAt)
	assert.WithinDuration(t, got.ClosedAt.Add(testOptions().DeleteGrace), *got.DeleteAt, time.Second)

	// 重复离开与离开已关闭的房间都视为成功
	writes := b.WriteCount()
	assert.NoError(t, svc.LeaveRoom(ctx, room.ID, "h"))
	assert.NoError(t, svc.LeaveRoom(ctx, room.ID, "gone"))
	assert.Equal(t, writes, b.WriteCount())
}

func TestRoomService_CloseRoom(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("CLOSE1", newMember("h", domain.RoleHost, domain.PresenceOnline))
	seedRoom(t, observer, room)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	require.NoError(t, svc.CloseRoom(ctx, room.ID, ""))
	first := readRoom(t, observer, room.ID)
	assert.Equal(t, domain.CloseReasonHostClosed, first.CloseReason)
	require.NotNil(t, first.DeleteAt)
	assert.WithinDuration(t, first.ClosedAt.Add(testOptions().DeleteRetention), *first.DeleteAt, time.Second)

	// 再次关闭不改变关闭原因和时间
	require.NoError(t, svc.CloseRoom(ctx, room.ID, "other"))
	second := readRoom(t, observer, room.ID)
	assert.Equal(t, first.CloseReason, second.CloseReason)
	assert.Equal(t, first.ClosedAt, second.ClosedAt)

	assert.ErrorIs(t, svc.CloseRoom(ctx, "NOPE00", ""), service.ErrRoomNotFound)
}

func TestRoomService_CloseRoomAsHost(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("CLOSE2",
		newMember("h", domain.RoleHost, domain.PresenceOnline),
		newMember("p", domain.RolePlayer, domain.PresenceOnline))
	seedRoom(t, observer, room)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	assert.ErrorIs(t, svc.CloseRoomAsHost(ctx, room.ID, "p", ""), service.ErrNotHost)
	assert.False(t, readRoom(t, observer, room.ID).IsClosed())

	require.NoError(t, svc.CloseRoomAsHost(ctx, room.ID, "h", ""))
	assert.True(t, readRoom(t, observer, room.ID).IsClosed())
}

func TestRoomService_ListRooms(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	older := newRoom("LIST01", newMember("h", domain.RoleHost, domain.PresenceOnline))
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := newRoom("LIST02", newMember("h", domain.RoleHost, domain.PresenceOnline))
	closed := newRoom("LIST03", newMember("h", domain.RoleHost, domain.PresenceOffline))
	closed.LifecycleStatus = domain.LifecycleClosed
	closed.ActivityStatus = domain.ActivityClosed
	for _, r := range []*domain.Room{older, newer, closed} {
		seedRoom(t, observer, r)
	}
	// 只剩残留字段的文档不应出现在列表中
	require.NoError(t, observer.Set(ctx, repository.RoomField("ORPHAN", repository.FieldLastDisconnectAt), time.Now().UTC()))
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	open, err := svc.ListRooms(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "LIST02", open[0].ID)
	assert.Equal(t, "LIST01", open[1].ID)

	all, err := svc.ListRooms(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRoomService_SubscribeRoom(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("SUB001", newMember("h", domain.RoleHost, domain.PresenceOnline))
	seedRoom(t, observer, room)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	var mu sync.Mutex
	var updates []*domain.Room
	unsub, err := svc.SubscribeRoom(ctx, room.ID, func(r *domain.Room) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, r)
	})
	require.NoError(t, err)
	defer unsub()
	last := func() (*domain.Room, int) {
		mu.Lock()
		defer mu.Unlock()
		if len(updates) == 0 {
			return nil, 0
		}
		return updates[len(updates)-1], len(updates)
	}

	require.Eventually(t, func() bool { r, n := last(); return n > 0 && r != nil }, waitFor, tick, "应先收到初始值")

	_, err = svc.JoinRoom(ctx, room.ID, service.MemberProfile{ID: "p"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, _ := last()
		return r != nil && r.Members["p"] != nil
	}, waitFor, tick)

	require.NoError(t, observer.Remove(ctx, repository.RoomPath(room.ID)))
	require.Eventually(t, func() bool { r, n := last(); return n > 0 && r == nil }, waitFor, tick, "房间删除后应收到 nil")
}

func TestRoomService_SubscribeAllRooms(t *testing.T) {
	ctx := context.Background()
	b, _ := newBackend(t)
	svc := service.NewRoomService(b.Connect("api"), testOptions())

	var mu sync.Mutex
	var latest []*domain.Room
	unsub, err := svc.SubscribeAllRooms(ctx, false, func(rooms []*domain.Room) {
		mu.Lock()
		latest = rooms
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	created, err := svc.CreateRoom(ctx, service.MemberProfile{ID: "h"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 1 && latest[0].ID == created.ID
	}, waitFor, tick)

	require.NoError(t, svc.CloseRoom(ctx, created.ID, ""))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(latest) == 0
	}, waitFor, tick, "已关闭的房间应从列表中消失")
}

// 两名成员各自运行完整的协调组件，房主崩溃后房主身份移交，房间保持活跃；
// 最后一名成员崩溃后房间被关闭。
func TestRoomSession_CrashScenarios(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	opts := testOptions()
	svc := service.NewRoomService(b.Connect("api"), opts)

	room, err := svc.CreateRoom(ctx, service.MemberProfile{ID: "h"})
	require.NoError(t, err)
	_, err = svc.JoinRoom(ctx, room.ID, service.MemberProfile{ID: "p"})
	require.NoError(t, err)
	rec := watchInvariants(t, observer, room.ID)

	hostConn := b.Connect("client-h")
	hostSession := service.NewRoomSession(hostConn, room.ID, "h", opts)
	require.NoError(t, hostSession.Start(ctx, true))

	playerConn := b.Connect("client-p")
	playerSession := service.NewRoomSession(playerConn, room.ID, "p", opts)
	require.NoError(t, playerSession.Start(ctx, true))
	defer playerSession.Detach()

	// 房主崩溃
	require.NoError(t, hostConn.Abort(ctx))
	hostSession.Detach()

	require.Eventually(t, func() bool {
		r := readRoom(t, observer, room.ID)
		return r.HostID == "p" && r.Members["p"].Role == domain.RoleHost && r.Members["h"].Role == domain.RolePlayer
	}, waitFor, tick, "房主应移交给仍在线的成员")
	got := readRoom(t, observer, room.ID)
	assert.False(t, got.IsClosed())
	assert.Equal(t, domain.PresenceOffline, got.Members["h"].PresenceState)
	require.Eventually(t, func() bool {
		r := readRoom(t, observer, room.ID)
		return r.ActivityStatus == domain.ActivityActive && r.Stats.OfflineCount == 1
	}, waitFor, tick)

	// 最后一名成员崩溃
	// 等待剩余成员登记关闭房间的触发器
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, playerConn.Abort(ctx))

	got = readRoom(t, observer, room.ID)
	assert.True(t, got.IsClosed())
	assert.Equal(t, domain.CloseReasonAllDisconnected, got.CloseReason)
	assert.NotNil(t, got.DeleteAt)

	time.Sleep(50 * time.Millisecond)
	rec.assertClean(t)
}

// 前后台切换经由状态聚合反映为房间活跃度
func TestRoomSession_VisibilityDrivesActivity(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	opts := testOptions()
	svc := service.NewRoomService(b.Connect("api"), opts)
	room, err := svc.CreateRoom(ctx, service.MemberProfile{ID: "h"})
	require.NoError(t, err)
	rec := watchInvariants(t, observer, room.ID)

	session := service.NewRoomSession(b.Connect("client-h"), room.ID, "h", opts)
	require.NoError(t, session.Start(ctx, true))

	require.NoError(t, session.SetForeground(ctx, false))
	require.Eventually(t, func() bool {
		return readRoom(t, observer, room.ID).ActivityStatus == domain.ActivityIdle
	}, waitFor, tick)
	assert.NotNil(t, readRoom(t, observer, room.ID).InactiveSince)

	require.NoError(t, session.SetForeground(ctx, true))
	require.Eventually(t, func() bool {
		r := readRoom(t, observer, room.ID)
		return r.ActivityStatus == domain.ActivityActive && r.InactiveSince == nil
	}, waitFor, tick)

	require.NoError(t, session.Stop(ctx))
	require.Eventually(t, func() bool {
		return readRoom(t, observer, room.ID).Members["h"].PresenceState == domain.PresenceOffline
	}, waitFor, tick)

	rec.assertClean(t)
}

// 主动离开时先把本成员写为 offline，再移除成员记录
func TestRoomSession_LeaveWritesOfflineBeforeRemoval(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	opts := testOptions()
	svc := service.NewRoomService(b.Connect("api"), opts)
	room, err := svc.CreateRoom(ctx, service.MemberProfile{ID: "h"})
	require.NoError(t, err)
	_, err = svc.JoinRoom(ctx, room.ID, service.MemberProfile{ID: "p"})
	require.NoError(t, err)

	conn := &recordingConn{StoreConn: b.Connect("client-p")}
	session := service.NewRoomSession(conn, room.ID, "p", opts)
	require.NoError(t, session.Start(ctx, true))

	require.NoError(t, session.Leave(ctx))

	offline := conn.writeIndex(repository.MemberField(room.ID, "p", repository.FieldPresenceState), func(v any, ok bool) bool {
		return ok && v == string(domain.PresenceOffline)
	})
	removed := conn.writeIndex(repository.MemberPath(room.ID, "p"), func(v any, ok bool) bool {
		return ok && v == nil
	})
	require.NotEqual(t, -1, offline, "离开前应写入 offline")
	require.NotEqual(t, -1, removed, "应移除成员记录")
	assert.Less(t, offline, removed)

	got := readRoom(t, observer, room.ID)
	assert.NotContains(t, got.Members, "p")
	assert.False(t, got.IsClosed(), "房主仍在房间中")
}
