package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
)

// 定义任务类型常量
const (
	TypeRoomArchive = "room:archive" // 房间删除前的归档任务
)

// RoomArchivePayload 归档任务的数据：删除前的房间快照
type RoomArchivePayload struct {
	Room domain.Room `json:"room"`
}

// NewRoomArchiveTask 创建归档任务。任务 ID 由房间 ID 决定，同一房间重复入队会被去重。
func NewRoomArchiveTask(room *domain.Room) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(RoomArchivePayload{Room: *room})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomArchive, payloadBytes,
		asynq.TaskID("archive:"+room.ID),
		asynq.MaxRetry(5),
		asynq.Timeout(30*time.Second),
		asynq.Retention(24*time.Hour),
	), nil
}

// Enqueuer 任务入队接口，*asynq.Client 满足该接口
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ArchiveEnqueuer 把房间归档交给 asynq worker 异步写入归档库
type ArchiveEnqueuer struct {
	client Enqueuer
}

// NewArchiveEnqueuer 创建 ArchiveEnqueuer 实例
func NewArchiveEnqueuer(client Enqueuer) *ArchiveEnqueuer {
	if client == nil {
		panic("asynq client cannot be nil for ArchiveEnqueuer")
	}
	return &ArchiveEnqueuer{client: client}
}

// ArchiveRoom 入队归档任务。任务已存在视为成功。
func (e *ArchiveEnqueuer) ArchiveRoom(ctx context.Context, room *domain.Room) error {
	task, err := NewRoomArchiveTask(room)
	if err != nil {
		return fmt.Errorf("create archive task for room %s: %w", room.ID, err)
	}
	info, err := e.client.EnqueueContext(ctx, task, asynq.Queue("default"))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
			logrus.WithField("room_id", room.ID).Debug("Archive task already enqueued")
			return nil
		}
		return fmt.Errorf("enqueue archive task for room %s: %w", room.ID, err)
	}
	logrus.WithFields(logrus.Fields{"room_id": room.ID, "task_id": info.ID}).Info("Room archive task enqueued")
	return nil
}
