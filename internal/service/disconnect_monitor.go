package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// DisconnectMonitor 订阅房间的断线信标。信标由断线触发器写入；每次变化后等待触发器落定，
// 确认所有成员都已离线时把房间标记为 empty，再经过一次延迟复查后关闭房间。
// 房间内每个客户端都运行一个实例，关闭写入是幂等的。
type DisconnectMonitor struct {
	conn   repository.StoreConn
	roomID string
	opts   Options
	now    func() time.Time
	logCtx *logrus.Entry

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	unsub      repository.Unsubscribe
	lastBeacon string
	pending    bool
	rerun      bool   // 流程进行中又收到了新的信标
	seq        uint64 // 每次停止都会递增，进行中的流程据此判断自己是否已失效
	wg         sync.WaitGroup
}

// NewDisconnectMonitor 创建 DisconnectMonitor 实例
func NewDisconnectMonitor(conn repository.StoreConn, roomID string, opts Options) *DisconnectMonitor {
	if conn == nil {
		panic("StoreConn cannot be nil for DisconnectMonitor")
	}
	return &DisconnectMonitor{
		conn:   conn,
		roomID: roomID,
		opts:   opts,
		now:    time.Now,
		logCtx: logrus.WithFields(logrus.Fields{"component": "disconnect_monitor", "room_id": roomID, "client_id": conn.ClientID()}),
	}
}

// Start 订阅断线信标。
func (m *DisconnectMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	m.mu.Unlock()

	unsub, err := m.conn.Subscribe(runCtx, repository.RoomField(m.roomID, repository.FieldLastDisconnectAt), m.onBeacon)
	if err != nil {
		m.cancel()
		return mapRepoError(err)
	}
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()
	return nil
}

// Stop 取消订阅并放弃进行中的关闭流程。
func (m *DisconnectMonitor) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	m.seq++
	m.pending = false
	m.rerun = false
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	m.wg.Wait()
}

func (m *DisconnectMonitor) onBeacon(snap repository.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil || !snap.Exists {
		return
	}
	beacon := string(snap.Raw)
	if beacon == m.lastBeacon {
		return
	}
	m.lastBeacon = beacon
	if m.pending {
		m.rerun = true
		return
	}
	m.startLocked()
}

// startLocked 开始一轮关闭流程，调用方需持有 m.mu。
func (m *DisconnectMonitor) startLocked() {
	m.pending = true
	m.rerun = false
	m.seq++
	seq := m.seq
	m.wg.Add(1)
	go m.closeSequence(m.ctx, seq)
}

func (m *DisconnectMonitor) current(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq == seq
}

// finish 结束一轮流程；期间收到过新信标时按最新状态再走一轮。
func (m *DisconnectMonitor) finish(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != seq {
		return
	}
	m.pending = false
	if m.rerun && m.ctx != nil && m.ctx.Err() == nil {
		m.startLocked()
	}
}

// sleep 等待 d，期间 ctx 结束或流程被取消时返回 false。
func (m *DisconnectMonitor) sleep(ctx context.Context, d time.Duration, seq uint64) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}
	return m.current(seq)
}

func (m *DisconnectMonitor) closeSequence(ctx context.Context, seq uint64) {
	defer m.wg.Done()
	defer m.finish(seq)

	if !m.sleep(ctx, m.opts.SettleDelay, seq) {
		return
	}
	// 第一次复查：有成员 online 或 away 时放弃，否则标记 empty
	_, err := readVerifyWrite(ctx, m.conn, m.roomID, writePlan{
		requireOpen: true,
		verify:      allOffline,
		build: func(room *domain.Room) map[string]any {
			return map[string]any{
				repository.RoomField(m.roomID, repository.FieldActivityStatus): string(domain.ActivityEmpty),
				repository.RoomField(m.roomID, repository.FieldInactiveSince):  repository.ServerTimestamp(),
				repository.RoomField(m.roomID, repository.FieldStats):          room.Counts().Stats(m.now().UTC()),
			}
		},
	})
	if err != nil {
		m.logResult(err, "first re-check")
		return
	}
	m.logCtx.Debug("All members offline, room marked empty")

	if !m.sleep(ctx, m.opts.CloseDelay, seq) {
		return
	}
	_, err = readVerifyWrite(ctx, m.conn, m.roomID, writePlan{
		requireOpen: true,
		verify:      allOffline,
		build: func(*domain.Room) map[string]any {
			return closeUpdates(m.roomID, domain.CloseReasonAllDisconnected, 0)
		},
	})
	if err != nil {
		m.logResult(err, "second re-check")
		return
	}
	m.logCtx.Info("Room closed after all members disconnected")
}

func (m *DisconnectMonitor) logResult(err error, stage string) {
	logCtx := m.logCtx.WithError(err).WithField("stage", stage)
	if isBenign(err) {
		logCtx.Debug("Close sequence aborted")
		return
	}
	logCtx.Warn("Close sequence failed")
}
