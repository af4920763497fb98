package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// PresenceTracker 维护本客户端在某个房间中的成员在线状态。
//
// 启动时写入 online/away 并登记断线触发器，使连接非正常丢失时存储代为把成员标记为 offline。
// 当本客户端是房间中唯一保持连接的成员时，额外登记关闭房间的触发器。
type PresenceTracker struct {
	conn     repository.StoreConn
	roomID   string
	memberID string
	opts     Options
	now      func() time.Time
	logCtx   *logrus.Entry

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	foreground bool
	unsubs     []repository.Unsubscribe
	pingToken  string
	pingSentAt time.Time
	wg         sync.WaitGroup

	soleMu    sync.Mutex // 串行化关闭触发器的登记与取消
	soleArmed bool
}

// NewPresenceTracker 创建 PresenceTracker 实例
func NewPresenceTracker(conn repository.StoreConn, roomID, memberID string, opts Options) *PresenceTracker {
	if conn == nil {
		panic("StoreConn cannot be nil for PresenceTracker")
	}
	return &PresenceTracker{
		conn:     conn,
		roomID:   roomID,
		memberID: memberID,
		opts:     opts,
		now:      time.Now,
		logCtx: logrus.WithFields(logrus.Fields{
			"component": "presence",
			"room_id":   roomID,
			"member_id": memberID,
			"client_id": conn.ClientID(),
		}),
	}
}

// Start 写入初始在线状态、登记断线触发器并开始观察成员列表。
// 成员必须已经加入房间且房间处于 open 状态。
func (t *PresenceTracker) Start(ctx context.Context, foreground bool) error {
	if t.memberID == "" {
		return ErrInvalidMember
	}
	if !t.conn.Connected() {
		t.logCtx.Warn("Cannot start presence tracking while disconnected")
		return ErrConnectivityLoss
	}

	t.mu.Lock()
	t.ctx, t.cancel = context.WithCancel(ctx)
	runCtx := t.ctx
	t.foreground = foreground
	t.mu.Unlock()

	if err := t.goOnline(runCtx, false); err != nil {
		t.cancel()
		return err
	}

	unsubMembers, err := t.conn.Subscribe(runCtx, repository.MembersPath(t.roomID), t.onMembers)
	if err != nil {
		t.cancel()
		return mapRepoError(err)
	}
	unsubs := []repository.Unsubscribe{unsubMembers, t.conn.OnConnectionChange(t.onConnectionChange)}

	if t.opts.PingEnabled {
		unsubEcho, err := t.conn.Subscribe(runCtx, repository.MemberField(t.roomID, t.memberID, repository.FieldPingToken), t.onPingEcho)
		if err != nil {
			for _, u := range unsubs {
				u()
			}
			t.cancel()
			return mapRepoError(err)
		}
		unsubs = append(unsubs, unsubEcho)
		t.wg.Add(1)
		go t.pingLoop(runCtx)
	}

	t.mu.Lock()
	t.unsubs = unsubs
	t.mu.Unlock()
	t.logCtx.WithField("foreground", foreground).Info("Presence tracking started")
	return nil
}

// Detach 停止观察和 ping，不写入任何状态。
func (t *PresenceTracker) Detach() {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	t.wg.Wait()
}

// Stop 主动离开：写入 offline 后停止观察。已登记的断线触发器保持不变。
func (t *PresenceTracker) Stop(ctx context.Context) error {
	t.Detach()
	if !t.conn.Connected() {
		return nil
	}
	err := t.writeSelf(ctx, map[string]any{
		repository.MemberField(t.roomID, t.memberID, repository.FieldPresenceState): string(domain.PresenceOffline),
		repository.MemberField(t.roomID, t.memberID, repository.FieldLastChangedAt): repository.ServerTimestamp(),
	})
	if err != nil && !isBenign(err) && !errors.Is(err, ErrMemberNotFound) {
		t.logCtx.WithError(err).Warn("Failed to write offline state on stop")
		return err
	}
	t.logCtx.Info("Presence tracking stopped")
	return nil
}

// SetForeground 前后台切换，分别对应 online 和 away。
// 断线期间的切换会被记住，重连后生效。
func (t *PresenceTracker) SetForeground(ctx context.Context, foreground bool) error {
	t.mu.Lock()
	if t.foreground == foreground {
		t.mu.Unlock()
		return nil
	}
	t.foreground = foreground
	t.mu.Unlock()

	if !t.conn.Connected() {
		t.logCtx.WithField("foreground", foreground).Warn("Visibility changed while disconnected, deferring presence write")
		return ErrConnectivityLoss
	}
	state := domain.PresenceFor(foreground)
	err := t.writeSelf(ctx, map[string]any{
		repository.MemberField(t.roomID, t.memberID, repository.FieldPresenceState): string(state),
		repository.MemberField(t.roomID, t.memberID, repository.FieldLastChangedAt): repository.ServerTimestamp(),
	})
	if err != nil {
		t.logCtx.WithError(err).WithField("state", state).Warn("Failed to write presence state")
		return err
	}
	t.logCtx.WithField("state", state).Debug("Presence state changed")
	return nil
}

// Foreground 当前记录的前后台状态。
func (t *PresenceTracker) Foreground() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.foreground
}

// writeSelf 只在房间 open 且本成员仍在房间中时写入，避免给已关闭或已删除的房间留下残留字段。
func (t *PresenceTracker) writeSelf(ctx context.Context, updates map[string]any) error {
	_, err := readVerifyWrite(ctx, t.conn, t.roomID, writePlan{
		requireOpen: true,
		verify: func(room *domain.Room) error {
			if _, ok := room.Members[t.memberID]; !ok {
				return ErrMemberNotFound
			}
			return nil
		},
		build: func(*domain.Room) map[string]any { return updates },
	})
	return err
}

// goOnline 写入当前在线状态并（重新）登记断线触发器。
func (t *PresenceTracker) goOnline(ctx context.Context, resync bool) error {
	state := domain.PresenceFor(t.Foreground())
	err := t.writeSelf(ctx, map[string]any{
		repository.MemberField(t.roomID, t.memberID, repository.FieldPresenceState): string(state),
		repository.MemberField(t.roomID, t.memberID, repository.FieldLastChangedAt): repository.ServerTimestamp(),
	})
	if err != nil {
		return err
	}

	// 成员自身标记为 offline，同时刷新房间级的断线信标唤醒其他客户端的断线监视
	triggers := map[string]any{
		repository.MemberField(t.roomID, t.memberID, repository.FieldPresenceState): string(domain.PresenceOffline),
		repository.MemberField(t.roomID, t.memberID, repository.FieldLastChangedAt): repository.ServerTimestamp(),
		repository.MemberField(t.roomID, t.memberID, repository.FieldLastBeaconAt):  repository.ServerTimestamp(),
		repository.RoomField(t.roomID, repository.FieldLastDisconnectAt):            repository.ServerTimestamp(),
	}
	for path, value := range triggers {
		if err := t.conn.ArmOnLoss(ctx, path, value); err != nil {
			return fmt.Errorf("arm presence trigger %s: %w", path, mapRepoError(err))
		}
	}

	snap, err := t.conn.Get(ctx, repository.MembersPath(t.roomID))
	if err != nil {
		return mapRepoError(err)
	}
	t.refreshSoleTriggers(ctx, snap, resync)
	return nil
}

func (t *PresenceTracker) onMembers(snap repository.Snapshot) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	t.refreshSoleTriggers(ctx, snap, false)
}

// refreshSoleTriggers 本成员是唯一保持连接的成员时登记关闭房间的触发器，否则取消。
// resync 为 true 时不信任本地记录的登记状态，总是重新登记或取消。
func (t *PresenceTracker) refreshSoleTriggers(ctx context.Context, snap repository.Snapshot, resync bool) {
	var members map[string]*domain.Member
	if snap.Exists {
		if err := snap.Decode(&members); err != nil {
			t.logCtx.WithError(err).Warn("Failed to decode members snapshot")
			return
		}
	}
	_, present := members[t.memberID]
	others := 0
	for id, m := range members {
		if m != nil && id != t.memberID && m.IsConnected() {
			others++
		}
	}
	sole := present && others == 0

	t.soleMu.Lock()
	defer t.soleMu.Unlock()
	if sole == t.soleArmed && !resync {
		return
	}
	if !t.conn.Connected() {
		return
	}

	triggers := closeUpdates(t.roomID, domain.CloseReasonAllDisconnected, t.opts.DeleteGrace)
	for path, value := range triggers {
		var err error
		if sole {
			err = t.conn.ArmOnLoss(ctx, path, value)
		} else {
			err = t.conn.CancelOnLoss(ctx, path)
		}
		if err != nil {
			t.logCtx.WithError(err).WithField("sole", sole).Warn("Failed to update room close triggers")
			return
		}
	}
	t.soleArmed = sole
	t.logCtx.WithField("armed", sole).Debug("Room close triggers updated")
}

func (t *PresenceTracker) onConnectionChange(connected bool) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	if !connected {
		t.logCtx.WithError(ErrConnectivityLoss).Warn("Realtime connection lost")
		t.soleMu.Lock()
		t.soleArmed = false
		t.soleMu.Unlock()
		return
	}

	t.logCtx.Info("Realtime connection restored, re-announcing presence")
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.goOnline(ctx, true); err != nil && ctx.Err() == nil {
			t.logCtx.WithError(err).Warn("Failed to restore presence after reconnect")
		}
	}()
}

func (t *PresenceTracker) pingLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sendPing(ctx)
		}
	}
}

// sendPing 写入一个新的 ping 令牌，订阅回显到达时的耗时即为往返延迟。
func (t *PresenceTracker) sendPing(ctx context.Context) {
	t.mu.Lock()
	fg := t.foreground
	t.mu.Unlock()
	if (!fg && !t.opts.PingWhileBackground) || !t.conn.Connected() {
		return
	}

	sentAt := t.now()
	token := fmt.Sprintf("%s-%d", t.conn.ClientID(), sentAt.UnixNano())
	t.mu.Lock()
	t.pingToken = token
	t.pingSentAt = sentAt
	t.mu.Unlock()

	err := t.writeSelf(ctx, map[string]any{
		repository.MemberField(t.roomID, t.memberID, repository.FieldPingToken): token,
	})
	if err != nil && ctx.Err() == nil {
		t.logCtx.WithError(err).Debug("Ping write failed")
	}
}

func (t *PresenceTracker) onPingEcho(snap repository.Snapshot) {
	var token string
	if err := snap.Decode(&token); err != nil {
		return
	}
	t.mu.Lock()
	ctx := t.ctx
	if token == "" || token != t.pingToken {
		t.mu.Unlock()
		return
	}
	rtt := t.now().Sub(t.pingSentAt)
	t.pingToken = ""
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	err := t.writeSelf(ctx, map[string]any{
		repository.MemberField(t.roomID, t.memberID, repository.FieldLatencyMs): rtt.Milliseconds(),
	})
	if err != nil && ctx.Err() == nil {
		t.logCtx.WithError(err).Debug("Latency write failed")
	}
}
