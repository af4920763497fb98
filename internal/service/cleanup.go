package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// LeaderRecord 清理领导者记录，位于 system/cleanupLeader。
type LeaderRecord struct {
	OwnerID     string    `json:"ownerId"`
	HeartbeatAt time.Time `json:"heartbeatAt"`
}

// CleanupLeader 通过心跳租约在所有进程中选出唯一的清理者。
// 记录缺失、属于自己或心跳已过期时可以接管。
type CleanupLeader struct {
	conn    repository.StoreConn
	ownerID string
	opts    Options
	now     func() time.Time
	logCtx  *logrus.Entry

	leader atomic.Bool
	armed  atomic.Bool
}

// NewCleanupLeader 创建 CleanupLeader 实例，ownerID 默认使用连接的 ClientID。
func NewCleanupLeader(conn repository.StoreConn, opts Options) *CleanupLeader {
	if conn == nil {
		panic("StoreConn cannot be nil for CleanupLeader")
	}
	return &CleanupLeader{
		conn:    conn,
		ownerID: conn.ClientID(),
		opts:    opts,
		now:     time.Now,
		logCtx:  logrus.WithFields(logrus.Fields{"component": "cleanup_leader", "owner_id": conn.ClientID()}),
	}
}

// IsLeader 本实例当前是否为领导者。
func (l *CleanupLeader) IsLeader() bool {
	return l.leader.Load()
}

// readRecord 返回解码后的记录和原始值，原始值用作条件写入的预期。
func (l *CleanupLeader) readRecord(ctx context.Context) (*LeaderRecord, json.RawMessage, error) {
	snap, err := l.conn.Get(ctx, repository.CleanupLeaderPath)
	if err != nil {
		return nil, nil, mapRepoError(err)
	}
	if !snap.Exists {
		return nil, nil, nil
	}
	var rec LeaderRecord
	if err := snap.Decode(&rec); err != nil {
		// 无法解析的记录视为可接管
		l.logCtx.WithError(err).Warn("Corrupt leader record, treating as stale")
		return &LeaderRecord{}, snap.Raw, nil
	}
	return &rec, snap.Raw, nil
}

// TryAcquire 尝试获取或续期领导权，返回本实例是否为领导者。
func (l *CleanupLeader) TryAcquire(ctx context.Context) (bool, error) {
	rec, raw, err := l.readRecord(ctx)
	if err != nil {
		return l.IsLeader(), err
	}
	now := l.now().UTC()
	claimable := rec == nil || rec.OwnerID == l.ownerID || now.Sub(rec.HeartbeatAt) > l.opts.LeaderStaleAfter
	if !claimable {
		l.stepDown(ctx)
		return false, nil
	}

	// 以读取到的记录作为写入条件，两个实例同时接管时只有一个成功
	expect := map[string]any{repository.CleanupLeaderPath: nil}
	if raw != nil {
		expect[repository.CleanupLeaderPath] = raw
	}
	err = l.conn.UpdateIf(ctx, expect, map[string]any{
		repository.CleanupLeaderPath: LeaderRecord{OwnerID: l.ownerID, HeartbeatAt: now},
	})
	if errors.Is(err, repository.ErrPreconditionFailed) {
		l.stepDown(ctx)
		return false, nil
	}
	if err != nil {
		return l.IsLeader(), mapRepoError(err)
	}

	if !l.armed.Load() {
		// 进程崩溃时由存储删除领导者记录，其他实例无需等待心跳过期
		if err := l.conn.ArmOnLoss(ctx, repository.CleanupLeaderPath, nil); err != nil {
			l.logCtx.WithError(err).Warn("Failed to arm leader record removal")
		} else {
			l.armed.Store(true)
		}
	}
	l.setLeader(true)
	return true, nil
}

func (l *CleanupLeader) setLeader(leader bool) {
	if l.leader.Swap(leader) != leader {
		l.logCtx.WithField("leader", leader).Info("Cleanup leadership changed")
	}
}

// stepDown 领导权被其他实例接管后撤销删除触发器，断线时不能删掉新领导者的记录。
func (l *CleanupLeader) stepDown(ctx context.Context) {
	l.setLeader(false)
	if !l.armed.Load() {
		return
	}
	if err := l.conn.CancelOnLoss(ctx, repository.CleanupLeaderPath); err != nil {
		l.logCtx.WithError(err).Warn("Failed to cancel leader record removal")
		return
	}
	l.armed.Store(false)
}

// Resign 主动放弃领导权。
func (l *CleanupLeader) Resign(ctx context.Context) error {
	if !l.IsLeader() {
		return nil
	}
	l.setLeader(false)
	rec, raw, err := l.readRecord(ctx)
	if err != nil {
		return err
	}
	if rec == nil || rec.OwnerID != l.ownerID {
		return nil
	}
	err = l.conn.UpdateIf(ctx,
		map[string]any{repository.CleanupLeaderPath: raw},
		map[string]any{repository.CleanupLeaderPath: nil})
	if err != nil && !errors.Is(err, repository.ErrPreconditionFailed) {
		return mapRepoError(err)
	}
	if err := l.conn.CancelOnLoss(ctx, repository.CleanupLeaderPath); err == nil {
		l.armed.Store(false)
	}
	return nil
}

// Run 周期性续期或尝试接管领导权，ctx 结束时主动放弃。
func (l *CleanupLeader) Run(ctx context.Context) {
	if _, err := l.TryAcquire(ctx); err != nil {
		l.logCtx.WithError(err).Warn("Leader election attempt failed")
	}
	ticker := time.NewTicker(l.opts.LeaderHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Resign(resignCtx); err != nil {
				l.logCtx.WithError(err).Warn("Failed to resign leadership")
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := l.TryAcquire(ctx); err != nil {
				l.logCtx.WithError(err).Warn("Leader election attempt failed")
			}
		}
	}
}

// Leadership 清理者判断自己是否可以执行清理。
type Leadership interface {
	IsLeader() bool
}

// Archiver 在房间被删除前保存归档。
type Archiver interface {
	ArchiveRoom(ctx context.Context, room *domain.Room) error
}

// SweepResult 一次清理的结果
type SweepResult struct {
	Deleted []string
	Closed  []string
}

// Sweeper 由领导者执行的清理：删除到期的已关闭房间，关闭长时间无人的房间。
type Sweeper struct {
	conn     repository.StoreConn
	leader   Leadership
	archiver Archiver
	opts     Options
	now      func() time.Time
	logCtx   *logrus.Entry

	running atomic.Bool
	dirty   atomic.Bool
	wg      sync.WaitGroup
}

// NewSweeper 创建 Sweeper 实例，archiver 可以为 nil。
func NewSweeper(conn repository.StoreConn, leader Leadership, archiver Archiver, opts Options) *Sweeper {
	if conn == nil || leader == nil {
		panic("StoreConn and Leadership cannot be nil for Sweeper")
	}
	return &Sweeper{
		conn:     conn,
		leader:   leader,
		archiver: archiver,
		opts:     opts,
		now:      time.Now,
		logCtx:   logrus.WithFields(logrus.Fields{"component": "sweeper", "client_id": conn.ClientID()}),
	}
}

// Run 房间集合变化或定时器触发时执行清理，直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) error {
	unsub, err := s.conn.Subscribe(ctx, repository.RoomsPath, func(repository.Snapshot) {
		s.trigger(ctx)
	})
	if err != nil {
		return mapRepoError(err)
	}
	defer unsub()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticker.C:
			s.trigger(ctx)
		}
	}
}

// trigger 异步执行一次清理；已有清理在进行时只记录需要补跑。
func (s *Sweeper) trigger(ctx context.Context) {
	if !s.leader.IsLeader() || ctx.Err() != nil {
		return
	}
	s.dirty.Store(true)
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.dirty.Store(false)
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logCtx.WithError(err).Warn("Sweep failed")
			}
			s.running.Store(false)
			// 清理期间又有变化时补跑一次
			if !s.dirty.Load() || ctx.Err() != nil || !s.running.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// Sweep 执行一次清理。非领导者直接返回空结果。
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	if !s.leader.IsLeader() {
		return result, nil
	}
	snap, err := s.conn.Get(ctx, repository.RoomsPath)
	if err != nil {
		return result, mapRepoError(err)
	}
	if !snap.Exists {
		return result, nil
	}
	var raw map[string]json.RawMessage
	if err := snap.Decode(&raw); err != nil {
		return result, err
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := s.now()
	for _, id := range ids {
		var room domain.Room
		if err := json.Unmarshal(raw[id], &room); err != nil {
			s.logCtx.WithError(err).WithField("room_id", id).Warn("Skipping undecodable room")
			continue
		}
		room.Normalize(id)

		switch {
		case room.IsOrphan():
			if s.deleteRoom(ctx, &room, false) {
				result.Deleted = append(result.Deleted, id)
			}
		case room.IsClosed() && s.deletable(&room, now):
			if s.deleteRoom(ctx, &room, true) {
				result.Deleted = append(result.Deleted, id)
			}
		case !room.IsClosed() && s.abandoned(&room, now):
			if s.closeAbandoned(ctx, id) {
				result.Closed = append(result.Closed, id)
			}
		}
	}
	if len(result.Deleted) > 0 || len(result.Closed) > 0 {
		s.logCtx.WithFields(logrus.Fields{"deleted": len(result.Deleted), "closed": len(result.Closed)}).Info("Sweep finished")
	}
	return result, nil
}

// deletable 已到 deleteAt，或未设置 deleteAt 但关闭时间超过保留期。
func (s *Sweeper) deletable(room *domain.Room, now time.Time) bool {
	if room.DeleteAt != nil {
		return !now.Before(*room.DeleteAt)
	}
	return room.ClosedAt != nil && now.Sub(*room.ClosedAt) > s.opts.DeleteGrace
}

func (s *Sweeper) abandoned(room *domain.Room, now time.Time) bool {
	return s.opts.AbandonAfter > 0 &&
		room.ActivityStatus == domain.ActivityEmpty &&
		room.InactiveSince != nil &&
		now.Sub(*room.InactiveSince) > s.opts.AbandonAfter
}

func (s *Sweeper) deleteRoom(ctx context.Context, room *domain.Room, archive bool) bool {
	logCtx := s.logCtx.WithField("room_id", room.ID)
	if archive && s.archiver != nil {
		if err := s.archiver.ArchiveRoom(ctx, room); err != nil {
			// 归档失败不阻止删除
			logCtx.WithError(err).Warn("Failed to archive room before deletion")
		}
	}
	if err := s.conn.Remove(ctx, repository.RoomPath(room.ID)); err != nil {
		logCtx.WithError(err).Warn("Failed to delete room")
		return false
	}
	logCtx.Debug("Room deleted")
	return true
}

func (s *Sweeper) closeAbandoned(ctx context.Context, roomID string) bool {
	_, err := readVerifyWrite(ctx, s.conn, roomID, writePlan{
		requireOpen: true,
		verify:      allOffline,
		build: func(*domain.Room) map[string]any {
			return closeUpdates(roomID, domain.CloseReasonAbandoned, 0)
		},
	})
	if err != nil {
		if !isBenign(err) {
			s.logCtx.WithError(err).WithField("room_id", roomID).Warn("Failed to close abandoned room")
		}
		return false
	}
	return true
}
