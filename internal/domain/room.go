package domain

import (
	"sort"
	"time"
)

// LifecycleStatus 房间生命周期状态。closed 是终态，不会再回到 open。
type LifecycleStatus string

const (
	LifecycleOpen   LifecycleStatus = "open"
	LifecycleClosed LifecycleStatus = "closed"
)

// ActivityStatus 由成员在线情况推导出的房间活跃度。
type ActivityStatus string

const (
	ActivityActive ActivityStatus = "active" // 至少一名成员在线
	ActivityIdle   ActivityStatus = "idle"   // 无人在线，但有人处于 away
	ActivityEmpty  ActivityStatus = "empty"  // 所有成员均离线
	ActivityClosed ActivityStatus = "closed" // 仅当 LifecycleStatus 为 closed 时出现
)

// 房间关闭原因
const (
	CloseReasonAllDisconnected = "all players disconnected"
	CloseReasonAllLeft         = "all players left"
	CloseReasonAbandoned       = "room abandoned"
	CloseReasonHostClosed      = "closed by host"
)

// RoomStats 在线人数统计，由状态聚合器维护。
type RoomStats struct {
	OnlineCount   int       `json:"onlineCount"`
	AwayCount     int       `json:"awayCount"`
	OfflineCount  int       `json:"offlineCount"`
	TotalCount    int       `json:"totalCount"`
	LastCheckedAt time.Time `json:"lastCheckedAt"`
}

// SameCounts 比较计数部分，忽略 LastCheckedAt。
func (s RoomStats) SameCounts(other RoomStats) bool {
	return s.OnlineCount == other.OnlineCount &&
		s.AwayCount == other.AwayCount &&
		s.OfflineCount == other.OfflineCount &&
		s.TotalCount == other.TotalCount
}

// Room 表示实时存储中 rooms/{roomId} 下的一个房间文档。
type Room struct {
	ID               string             `json:"id"`
	LifecycleStatus  LifecycleStatus    `json:"lifecycleStatus"`
	ActivityStatus   ActivityStatus     `json:"activityStatus"`
	HostID           string             `json:"hostId,omitempty"` // 当前房主，多个写入者时后写者胜出
	CreatedAt        time.Time          `json:"createdAt"`
	LastActiveAt     *time.Time         `json:"lastActiveAt,omitempty"`
	InactiveSince    *time.Time         `json:"inactiveSince,omitempty"`
	LastDisconnectAt *time.Time         `json:"lastDisconnectAt,omitempty"`
	CloseReason      string             `json:"closeReason,omitempty"`
	ClosedAt         *time.Time         `json:"closedAt,omitempty"`
	DeleteAt         *time.Time         `json:"deleteAt,omitempty"`
	Stats            RoomStats          `json:"stats"`
	Members          map[string]*Member `json:"members,omitempty"`
}

// NewRoom 创建一个只包含房主的新房间。
func NewRoom(id string, owner *Member, now time.Time) *Room {
	owner.Role = RoleHost
	owner.PresenceState = PresenceOnline
	owner.LastChangedAt = now
	counts := PresenceCounts{Online: 1}
	return &Room{
		ID:              id,
		LifecycleStatus: LifecycleOpen,
		ActivityStatus:  ActivityActive,
		HostID:          owner.ID,
		CreatedAt:       now,
		LastActiveAt:    &now,
		Stats:           counts.Stats(now),
		Members:         map[string]*Member{owner.ID: owner},
	}
}

// IsClosed 房间是否已关闭。
func (r *Room) IsClosed() bool {
	return r.LifecycleStatus == LifecycleClosed
}

// IsOrphan 文档缺少生命周期字段，通常是房间删除后迟到的断线触发器写出的残留。
func (r *Room) IsOrphan() bool {
	return r.LifecycleStatus == ""
}

// Normalize 补全从存储解码后缺失的字段。
func (r *Room) Normalize(id string) {
	if r.ID == "" {
		r.ID = id
	}
	if r.Members == nil {
		r.Members = make(map[string]*Member)
	}
	for memberID, m := range r.Members {
		if m == nil {
			delete(r.Members, memberID)
			continue
		}
		if m.ID == "" {
			m.ID = memberID
		}
	}
}

// SortedMembers 按成员 ID 排序返回成员列表。
func (r *Room) SortedMembers() []*Member {
	members := make([]*Member, 0, len(r.Members))
	for _, m := range r.Members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// Host 返回当前房主。优先使用 HostID 指针，缺失时回退到 role=host 的成员。
func (r *Room) Host() *Member {
	if r.HostID != "" {
		if m, ok := r.Members[r.HostID]; ok {
			return m
		}
	}
	hosts := r.Hosts()
	if len(hosts) == 0 {
		return nil
	}
	return hosts[0]
}

// Hosts 返回所有 role=host 的成员（正常情况下最多一个）。
func (r *Room) Hosts() []*Member {
	var hosts []*Member
	for _, m := range r.SortedMembers() {
		if m.Role == RoleHost {
			hosts = append(hosts, m)
		}
	}
	return hosts
}

// Counts 统计当前成员的在线情况。
func (r *Room) Counts() PresenceCounts {
	return CountPresence(r.Members)
}
