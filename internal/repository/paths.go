package repository

import (
	"fmt"
	"strings"
	"time"
)

// 实时存储中的顶层路径
const (
	RoomsPath         = "rooms"
	CleanupLeaderPath = "system/cleanupLeader"
)

// 房间文档字段
const (
	FieldLifecycleStatus  = "lifecycleStatus"
	FieldActivityStatus   = "activityStatus"
	FieldHostID           = "hostId"
	FieldLastActiveAt     = "lastActiveAt"
	FieldInactiveSince    = "inactiveSince"
	FieldLastDisconnectAt = "lastDisconnectAt"
	FieldCloseReason      = "closeReason"
	FieldClosedAt         = "closedAt"
	FieldDeleteAt         = "deleteAt"
	FieldStats            = "stats"
	FieldMembers          = "members"
)

// 成员记录字段
const (
	FieldRole          = "role"
	FieldPresenceState = "presenceState"
	FieldLastChangedAt = "lastChangedAt"
	FieldLastBeaconAt  = "lastBeaconAt"
	FieldLatencyMs     = "latencyMs"
	FieldPingToken     = "pingToken"
	FieldDisplayName   = "displayName"
)

// JoinPath 拼接路径片段。
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitPath 拆分并校验路径。
func SplitPath(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, "#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// RoomPath rooms/{roomId}
func RoomPath(roomID string) string {
	return JoinPath(RoomsPath, roomID)
}

// RoomField rooms/{roomId}/{field}
func RoomField(roomID, field string) string {
	return JoinPath(RoomsPath, roomID, field)
}

// MembersPath rooms/{roomId}/members
func MembersPath(roomID string) string {
	return RoomField(roomID, FieldMembers)
}

// MemberPath rooms/{roomId}/members/{memberId}
func MemberPath(roomID, memberID string) string {
	return JoinPath(RoomsPath, roomID, FieldMembers, memberID)
}

// MemberField rooms/{roomId}/members/{memberId}/{field}
func MemberField(roomID, memberID, field string) string {
	return JoinPath(RoomsPath, roomID, FieldMembers, memberID, field)
}

// 服务器时间哨兵的键
const (
	ServerValueKey  = ".sv"
	ServerOffsetKey = ".offset"
	serverTimestamp = "timestamp"
)

// ServerTimestamp 写入时由存储替换为提交时刻的服务器时间。
func ServerTimestamp() map[string]any {
	return map[string]any{ServerValueKey: serverTimestamp}
}

// ServerTimestampAfter 服务器时间加上偏移量，用于 deleteAt 这类未来时间。
func ServerTimestampAfter(d time.Duration) map[string]any {
	return map[string]any{ServerValueKey: serverTimestamp, ServerOffsetKey: d.Milliseconds()}
}
