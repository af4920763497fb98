package service

import (
	"context"
	"fmt"
	"time"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// loadRoom 读取并解码房间，不存在时返回 ErrRoomNotFound。
func loadRoom(ctx context.Context, conn repository.StoreConn, roomID string) (*domain.Room, error) {
	snap, err := conn.Get(ctx, repository.RoomPath(roomID))
	if err != nil {
		return nil, mapRepoError(err)
	}
	return decodeRoom(snap, roomID)
}

func decodeRoom(snap repository.Snapshot, roomID string) (*domain.Room, error) {
	if !snap.Exists {
		return nil, ErrRoomNotFound
	}
	var room domain.Room
	if err := snap.Decode(&room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", roomID, err)
	}
	room.Normalize(roomID)
	return &room, nil
}

// writePlan 描述一次“读取-校验-写入”。
type writePlan struct {
	// requireOpen 读取时房间必须为 open，提交时也以 lifecycleStatus=open 作为写入条件
	requireOpen bool
	// verify 在最新读取的房间上核对调用方观察到的状态，不一致时返回错误并放弃写入
	verify func(room *domain.Room) error
	// build 生成写入内容，返回空表示无需写入
	build func(room *domain.Room) map[string]any
	// expect 根据写入内容追加提交条件，nil 值表示该路径必须不存在
	expect func(updates map[string]any) map[string]any
}

// readVerifyWrite 在提交前重新读取房间，确认调用方的观察仍然成立后再写入。
// 所有会改变房间状态的组件都经由这里提交。
func readVerifyWrite(ctx context.Context, conn repository.StoreConn, roomID string, plan writePlan) (*domain.Room, error) {
	room, err := loadRoom(ctx, conn, roomID)
	if err != nil {
		return nil, err
	}
	if plan.requireOpen && room.IsClosed() {
		return room, ErrRoomClosed
	}
	if plan.verify != nil {
		if err := plan.verify(room); err != nil {
			return room, err
		}
	}
	updates := plan.build(room)
	if len(updates) == 0 {
		return room, nil
	}

	expect := make(map[string]any)
	if plan.requireOpen {
		expect[repository.RoomField(roomID, repository.FieldLifecycleStatus)] = string(domain.LifecycleOpen)
	}
	if plan.expect != nil {
		for path, v := range plan.expect(updates) {
			expect[path] = v
		}
	}
	if err := conn.UpdateIf(ctx, expect, updates); err != nil {
		return room, mapRepoError(err)
	}
	return room, nil
}

// closeUpdates 关闭房间的写入内容。deleteAfter > 0 时同时安排删除时间。
func closeUpdates(roomID, reason string, deleteAfter time.Duration) map[string]any {
	updates := map[string]any{
		repository.RoomField(roomID, repository.FieldLifecycleStatus): string(domain.LifecycleClosed),
		repository.RoomField(roomID, repository.FieldActivityStatus):  string(domain.ActivityClosed),
		repository.RoomField(roomID, repository.FieldCloseReason):     reason,
		repository.RoomField(roomID, repository.FieldClosedAt):        repository.ServerTimestamp(),
	}
	if deleteAfter > 0 {
		updates[repository.RoomField(roomID, repository.FieldDeleteAt)] = repository.ServerTimestampAfter(deleteAfter)
	}
	return updates
}

// allOffline 关闭前的复查条件：房间至少有一名成员，且全部离线。
func allOffline(room *domain.Room) error {
	if !room.Counts().AllOffline() {
		return errRoomOccupied
	}
	return nil
}
