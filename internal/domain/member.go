package domain

import "time"

// Role 成员角色
type Role string

const (
	RoleHost   Role = "host"
	RolePlayer Role = "player"
)

// PresenceState 成员在线状态
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"  // 已连接且在前台
	PresenceAway    PresenceState = "away"    // 已连接但在后台
	PresenceOffline PresenceState = "offline" // 连接断开或主动离开
)

// Member 房间成员记录，位于 rooms/{roomId}/members/{memberId}。
type Member struct {
	ID            string        `json:"id"`
	DisplayName   string        `json:"displayName,omitempty"`
	Role          Role          `json:"role"`
	PresenceState PresenceState `json:"presenceState"`
	LastChangedAt time.Time     `json:"lastChangedAt"`
	LastBeaconAt  *time.Time    `json:"lastBeaconAt,omitempty"`
	LatencyMs     *int64        `json:"latencyMs,omitempty"`
	PingToken     string        `json:"pingToken,omitempty"`
}

// IsConnected 成员是否仍保持连接（online 或 away）。
func (m *Member) IsConnected() bool {
	return m.PresenceState == PresenceOnline || m.PresenceState == PresenceAway
}

// PresenceFor 根据前后台状态返回对应的在线状态。
func PresenceFor(foreground bool) PresenceState {
	if foreground {
		return PresenceOnline
	}
	return PresenceAway
}

// PresenceCounts 各在线状态的成员数量。
type PresenceCounts struct {
	Online  int
	Away    int
	Offline int
}

// CountPresence 统计成员集合的在线情况。未知状态按 offline 计。
func CountPresence(members map[string]*Member) PresenceCounts {
	var c PresenceCounts
	for _, m := range members {
		if m == nil {
			continue
		}
		switch m.PresenceState {
		case PresenceOnline:
			c.Online++
		case PresenceAway:
			c.Away++
		default:
			c.Offline++
		}
	}
	return c
}

// Total 成员总数
func (c PresenceCounts) Total() int {
	return c.Online + c.Away + c.Offline
}

// AllOffline 至少有一名成员且所有成员都已离线。
func (c PresenceCounts) AllOffline() bool {
	return c.Online == 0 && c.Away == 0 && c.Offline > 0
}

// Activity 推导活跃度：
// empty 当且仅当 online=0 且 away=0 且 offline>0；
// idle 当且仅当 online=0 且 away>0；其余为 active。
func (c PresenceCounts) Activity() ActivityStatus {
	switch {
	case c.AllOffline():
		return ActivityEmpty
	case c.Online == 0 && c.Away > 0:
		return ActivityIdle
	default:
		return ActivityActive
	}
}

// Stats 转换为带检查时间的统计记录。
func (c PresenceCounts) Stats(now time.Time) RoomStats {
	return RoomStats{
		OnlineCount:   c.Online,
		AwayCount:     c.Away,
		OfflineCount:  c.Offline,
		TotalCount:    c.Total(),
		LastCheckedAt: now,
	}
}
