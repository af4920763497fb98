package gormpersistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
)

// GormRoomArchiveRepository 是 RoomArchiveRepository 接口的 GORM 实现
type GormRoomArchiveRepository struct {
	db *gorm.DB
}

// NewGormRoomArchiveRepository 创建 GormRoomArchiveRepository 实例
func NewGormRoomArchiveRepository(db *gorm.DB) *GormRoomArchiveRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomArchiveRepository")
	}
	return &GormRoomArchiveRepository{db: db}
}

// Save 写入一条归档记录。同一房间已归档时返回 ErrDuplicateEntry。
func (r *GormRoomArchiveRepository) Save(ctx context.Context, archive *domain.RoomArchive) error {
	err := r.db.WithContext(ctx).Create(archive).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return repository.ErrDuplicateEntry
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: save room archive (room_id: %s): %w", archive.RoomID, err)
	}
	return nil
}

// FindByRoomID 按实时存储中的房间 ID 查找归档
func (r *GormRoomArchiveRepository) FindByRoomID(ctx context.Context, roomID string) (*domain.RoomArchive, error) {
	var archive domain.RoomArchive
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&archive).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrArchiveNotFound
		}
		return nil, fmt.Errorf("gorm: find room archive by room id '%s': %w", roomID, err)
	}
	return &archive, nil
}
