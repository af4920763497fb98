package domain

import (
	"encoding/json"
	"time"
)

// RoomArchive 房间被清理前写入 MySQL 的归档记录。
type RoomArchive struct {
	ID            uint       `gorm:"primaryKey"`
	RoomID        string     `gorm:"uniqueIndex;size:64;not null"` // 实时存储中的房间 ID，同一房间只归档一次
	HostID        string     `gorm:"size:128"`
	CloseReason   string     `gorm:"size:255"`
	MemberCount   int        `gorm:"not null;default:0"`
	Members       string     `gorm:"type:text"` // 成员摘要 JSON
	RoomCreatedAt time.Time  `gorm:"index"`
	ClosedAt      *time.Time `gorm:"index"`
	ArchivedAt    time.Time  `gorm:"autoCreateTime"`
}

// ArchivedMember 归档中的成员摘要。
type ArchivedMember struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Role        Role   `json:"role"`
}

// NewRoomArchive 根据房间快照生成归档记录。
func NewRoomArchive(room *Room) (*RoomArchive, error) {
	members := make([]ArchivedMember, 0, len(room.Members))
	for _, m := range room.SortedMembers() {
		members = append(members, ArchivedMember{ID: m.ID, DisplayName: m.DisplayName, Role: m.Role})
	}
	raw, err := json.Marshal(members)
	if err != nil {
		return nil, err
	}
	return &RoomArchive{
		RoomID:        room.ID,
		HostID:        room.HostID,
		CloseReason:   room.CloseReason,
		MemberCount:   len(members),
		Members:       string(raw),
		RoomCreatedAt: room.CreatedAt,
		ClosedAt:      room.ClosedAt,
	}, nil
}
