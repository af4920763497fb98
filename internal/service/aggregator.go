package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// StatusAggregator 根据成员在线情况推导房间的 activityStatus 和统计。
// 房间内每个客户端都运行一个实例；只在值变化时写入，多个实例同时运行结果一致。
type StatusAggregator struct {
	conn   repository.StoreConn
	roomID string
	opts   Options
	now    func() time.Time
	logCtx *logrus.Entry

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	timer       *time.Timer
	lastStates  map[string]domain.PresenceState
	lastChecked time.Time
	unsub       repository.Unsubscribe
	wg          sync.WaitGroup
}

// NewStatusAggregator 创建 StatusAggregator 实例
func NewStatusAggregator(conn repository.StoreConn, roomID string, opts Options) *StatusAggregator {
	if conn == nil {
		panic("StoreConn cannot be nil for StatusAggregator")
	}
	return &StatusAggregator{
		conn:   conn,
		roomID: roomID,
		opts:   opts,
		now:    time.Now,
		logCtx: logrus.WithFields(logrus.Fields{"component": "aggregator", "room_id": roomID, "client_id": conn.ClientID()}),
	}
}

// Start 订阅成员列表并启动兜底检查。
func (a *StatusAggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx, a.cancel = context.WithCancel(ctx)
	runCtx := a.ctx
	a.mu.Unlock()

	unsub, err := a.conn.Subscribe(runCtx, repository.MembersPath(a.roomID), a.onMembers)
	if err != nil {
		a.cancel()
		return mapRepoError(err)
	}
	a.mu.Lock()
	a.unsub = unsub
	a.mu.Unlock()

	a.wg.Add(1)
	go a.fallbackLoop(runCtx)
	return nil
}

// Stop 停止订阅和所有定时器。
func (a *StatusAggregator) Stop() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	unsub := a.unsub
	a.unsub = nil
	a.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	a.wg.Wait()
}

func (a *StatusAggregator) onMembers(snap repository.Snapshot) {
	var members map[string]*domain.Member
	if snap.Exists {
		if err := snap.Decode(&members); err != nil {
			a.logCtx.WithError(err).Warn("Failed to decode members snapshot")
			return
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	wentOffline := false
	states := make(map[string]domain.PresenceState, len(members))
	for id, m := range members {
		if m == nil {
			continue
		}
		states[id] = m.PresenceState
		if prev, ok := a.lastStates[id]; ok && prev != domain.PresenceOffline && m.PresenceState == domain.PresenceOffline {
			wentOffline = true
		}
	}
	a.lastStates = states

	delay := a.opts.MembershipDebounce
	if wentOffline {
		delay = a.opts.OfflineDebounce
	}
	a.scheduleLocked(delay)
}

// scheduleLocked 重置防抖定时器，调用方需持有 a.mu。
func (a *StatusAggregator) scheduleLocked(delay time.Duration) {
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	ctx := a.ctx
	a.timer = time.AfterFunc(delay, func() { a.runCheck(ctx) })
}

func (a *StatusAggregator) runCheck(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := a.check(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleWrite):
		// 其他实例先写入了 inactiveSince，按最新状态重新计算
		a.logCtx.WithError(err).Debug("Status write lost a race, rechecking")
		a.mu.Lock()
		a.scheduleLocked(a.opts.MembershipDebounce)
		a.mu.Unlock()
	case isBenign(err):
		a.logCtx.WithError(err).Debug("Status check skipped")
	default:
		a.logCtx.WithError(err).Warn("Room status check failed")
	}
}

func (a *StatusAggregator) fallbackLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.FallbackInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			stale := a.now().Sub(a.lastChecked) >= a.opts.FallbackStaleAfter
			a.mu.Unlock()
			if stale {
				a.logCtx.Debug("Running fallback status check")
				a.runCheck(ctx)
			}
		}
	}
}

// Check 读取房间并写入与当前状态不同的字段，返回是否发生了写入。
// 房间不存在或已关闭时什么也不做。
func (a *StatusAggregator) Check(ctx context.Context) (bool, error) {
	wrote, err := a.check(ctx)
	if err != nil {
		if isBenign(err) {
			a.logCtx.WithError(err).Debug("Status check skipped")
			return false, nil
		}
		return false, err
	}
	return wrote, nil
}

func (a *StatusAggregator) check(ctx context.Context) (bool, error) {
	wrote := false
	inactiveSince := repository.RoomField(a.roomID, repository.FieldInactiveSince)
	_, err := readVerifyWrite(ctx, a.conn, a.roomID, writePlan{
		requireOpen: true,
		build: func(room *domain.Room) map[string]any {
			updates := a.diff(room)
			wrote = len(updates) > 0
			return updates
		},
		expect: func(updates map[string]any) map[string]any {
			// 先写入者胜出：提交时 inactiveSince 必须仍未设置
			if v, ok := updates[inactiveSince]; ok && v != nil {
				return map[string]any{inactiveSince: nil}
			}
			return nil
		},
	})

	a.mu.Lock()
	a.lastChecked = a.now()
	a.mu.Unlock()

	if err != nil {
		return false, err
	}
	if wrote {
		a.logCtx.Debug("Room status updated")
	}
	return wrote, nil
}

// diff 计算需要写入的字段，只包含实际变化的部分。
func (a *StatusAggregator) diff(room *domain.Room) map[string]any {
	counts := room.Counts()
	status := counts.Activity()
	updates := make(map[string]any)

	if status != room.ActivityStatus {
		updates[repository.RoomField(a.roomID, repository.FieldActivityStatus)] = string(status)
		switch status {
		case domain.ActivityIdle, domain.ActivityEmpty:
			// 先写入者胜出，从 idle 转为 empty 时保留原值
			if room.InactiveSince == nil {
				updates[repository.RoomField(a.roomID, repository.FieldInactiveSince)] = repository.ServerTimestamp()
			}
		case domain.ActivityActive:
			updates[repository.RoomField(a.roomID, repository.FieldInactiveSince)] = nil
			updates[repository.RoomField(a.roomID, repository.FieldLastActiveAt)] = repository.ServerTimestamp()
		}
	}

	stats := counts.Stats(a.now().UTC())
	if !stats.SameCounts(room.Stats) {
		updates[repository.RoomField(a.roomID, repository.FieldStats)] = stats
	}
	return updates
}
