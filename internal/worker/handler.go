package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
	"room-presence/internal/tasks"
)

// RoomArchiveHandler 处理房间归档任务
type RoomArchiveHandler struct {
	archiveRepo repository.RoomArchiveRepository
}

// NewRoomArchiveHandler 创建 Handler 实例
func NewRoomArchiveHandler(archiveRepo repository.RoomArchiveRepository) *RoomArchiveHandler {
	if archiveRepo == nil {
		panic("RoomArchiveRepository cannot be nil for RoomArchiveHandler")
	}
	return &RoomArchiveHandler{archiveRepo: archiveRepo}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomArchiveHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)

	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})

	var payload tasks.RoomArchivePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.Room.ID == "" {
		logCtx.Error("Archive task payload has no room id")
		return fmt.Errorf("archive payload without room id: %w", asynq.SkipRetry)
	}
	logCtx = logCtx.WithField("room_id", payload.Room.ID)
	logCtx.Info("Processing room archive task...")

	archive, err := domain.NewRoomArchive(&payload.Room)
	if err != nil {
		logCtx.WithError(err).Error("Failed to build archive record")
		return fmt.Errorf("build archive for room %s: %v: %w", payload.Room.ID, err, asynq.SkipRetry)
	}

	if err := h.archiveRepo.Save(ctx, archive); err != nil {
		if errors.Is(err, repository.ErrDuplicateEntry) {
			// 重试或重复入队，已有归档即视为完成
			logCtx.Info("Room already archived, skipping")
			return nil
		}
		logCtx.WithError(err).Error("Failed to save room archive")
		return fmt.Errorf("failed to save archive for room %s: %w", payload.Room.ID, err)
	}

	logCtx.WithField("member_count", archive.MemberCount).Info("Room archive task processed successfully")
	return nil
}
