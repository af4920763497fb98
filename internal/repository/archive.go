package repository

import (
	"context"

	"room-presence/internal/domain"
)

// RoomArchiveRepository 定义了房间归档记录的持久化操作。
type RoomArchiveRepository interface {
	// Save 写入一条归档记录。同一房间重复归档时返回 ErrDuplicateEntry。
	Save(ctx context.Context, archive *domain.RoomArchive) error

	// FindByRoomID 根据房间 ID 查找归档记录，不存在时返回 ErrArchiveNotFound。
	FindByRoomID(ctx context.Context, roomID string) (*domain.RoomArchive, error)
}
