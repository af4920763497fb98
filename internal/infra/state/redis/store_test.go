package redisstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"room-presence/internal/repository"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(client, Options{
		KeyPrefix:      "test:",
		LeaseTTL:       10 * time.Second,
		LeaseHeartbeat: time.Hour, // 测试中不自动续期，由 FastForward 控制过期
	})
	return store, mr
}

func connect(t *testing.T, s *Store, id string) *Conn {
	t.Helper()
	c, err := s.Connect(context.Background(), id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

func TestStore_UpdateAndGet(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	conn := connect(t, store, "c1")

	require.NoError(t, conn.Update(ctx, map[string]any{
		"rooms/R1/lifecycleStatus":          "open",
		"rooms/R1/members/u1/presenceState": "online",
		"rooms/R2/lifecycleStatus":          "closed",
		"rooms/R1/members/u1/lastChangedAt": repository.ServerTimestamp(),
	}))

	snap, err := conn.Get(ctx, "rooms/R1/members/u1/presenceState")
	require.NoError(t, err)
	assert.JSONEq(t, `"online"`, string(snap.Raw))

	assert.True(t, mr.Exists("test:doc:rooms/R1"))
	members, err := mr.Members("test:idx:rooms")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"R1", "R2"}, members)

	all, err := conn.Get(ctx, "rooms")
	require.NoError(t, err)
	var rooms map[string]map[string]any
	require.NoError(t, all.Decode(&rooms))
	assert.Len(t, rooms, 2)
	assert.Equal(t, "closed", rooms["R2"]["lifecycleStatus"])
}

func TestStore_RemoveDocumentDropsIndex(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	conn := connect(t, store, "c1")

	require.NoError(t, conn.Set(ctx, "rooms/R1", map[string]any{"lifecycleStatus": "open"}))
	require.NoError(t, conn.Remove(ctx, "rooms/R1"))

	assert.False(t, mr.Exists("test:doc:rooms/R1"))
	snap, err := conn.Get(ctx, "rooms")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestStore_UpdateIf(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	conn := connect(t, store, "c1")
	require.NoError(t, conn.Set(ctx, "rooms/R1/lifecycleStatus", "closed"))

	err := conn.UpdateIf(ctx,
		map[string]any{"rooms/R1/lifecycleStatus": "open"},
		map[string]any{"rooms/R1/activityStatus": "active"})
	assert.ErrorIs(t, err, repository.ErrPreconditionFailed)

	err = conn.UpdateIf(ctx,
		map[string]any{"rooms/R1/lifecycleStatus": "closed"},
		map[string]any{"rooms/R1/activityStatus": "closed"})
	assert.NoError(t, err)
}

func TestStore_SubscribeReceivesChanges(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	writer := connect(t, store, "w")
	reader := connect(t, store, "r")

	var mu sync.Mutex
	var seen []string
	unsub, err := reader.Subscribe(ctx, "rooms/R1/activityStatus", func(s repository.Snapshot) {
		mu.Lock()
		seen = append(seen, string(s.Raw))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, writer.Set(ctx, "rooms/R1/activityStatus", "idle"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && seen[1] == `"idle"`
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "", seen[0], "初始值不存在时回调收到空快照")
}

func TestStore_SubscribeCollection(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	writer := connect(t, store, "w")

	var mu sync.Mutex
	count := 0
	unsub, err := writer.Subscribe(ctx, "rooms", func(repository.Snapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, writer.Set(ctx, "rooms/R9/lifecycleStatus", "open"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConn_AbortFiresTriggers(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	observer := connect(t, store, "observer")

	c, err := store.Connect(ctx, "crashed")
	require.NoError(t, err)
	require.NoError(t, c.ArmOnLoss(ctx, "rooms/R1/members/u1/presenceState", "offline"))
	require.NoError(t, c.ArmOnLoss(ctx, "rooms/R1/members/u1/lastChangedAt", repository.ServerTimestamp()))
	require.NoError(t, c.Abort(ctx))

	snap, err := observer.Get(ctx, "rooms/R1/members/u1/presenceState")
	require.NoError(t, err)
	assert.JSONEq(t, `"offline"`, string(snap.Raw))
	assert.False(t, mr.Exists("test:onloss:crashed"))
	assert.False(t, mr.Exists("test:lease:crashed"))
}

func TestConn_CloseDiscardsTriggers(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	observer := connect(t, store, "observer")

	c, err := store.Connect(ctx, "clean")
	require.NoError(t, err)
	require.NoError(t, c.ArmOnLoss(ctx, "rooms/R1/lifecycleStatus", "closed"))
	require.NoError(t, c.Close(ctx))

	assert.False(t, mr.Exists("test:onloss:clean"))
	snap, err := observer.Get(ctx, "rooms/R1")
	require.NoError(t, err)
	assert.False(t, snap.Exists)
}

func TestReapExpired(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	alive := connect(t, store, "alive")
	require.NoError(t, alive.ArmOnLoss(ctx, "rooms/R1/members/alive/presenceState", "offline"))

	dead := connect(t, store, "dead")
	require.NoError(t, dead.ArmOnLoss(ctx, "rooms/R1/members/dead/presenceState", "offline"))

	// 只让 dead 的租约过期
	mr.FastForward(11 * time.Second)
	mr.Set("test:lease:alive", "1")

	n, err := store.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	observer := connect(t, store, "observer")
	snap, err := observer.Get(ctx, "rooms/R1/members")
	require.NoError(t, err)
	var members map[string]map[string]any
	require.NoError(t, snap.Decode(&members))
	assert.Equal(t, "offline", members["dead"]["presenceState"])
	assert.NotContains(t, members, "alive")
	assert.True(t, mr.Exists("test:onloss:alive"), "存活连接的触发器应保留")
}
