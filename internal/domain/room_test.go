package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(id string, role Role, state PresenceState) *Member {
	return &Member{ID: id, Role: role, PresenceState: state}
}

func TestPresenceCounts_Activity(t *testing.T) {
	tests := []struct {
		name   string
		counts PresenceCounts
		want   ActivityStatus
	}{
		{"没有成员视为 active", PresenceCounts{}, ActivityActive},
		{"有人在线", PresenceCounts{Online: 1, Away: 2, Offline: 3}, ActivityActive},
		{"只有后台成员", PresenceCounts{Away: 1, Offline: 2}, ActivityIdle},
		{"全部离线", PresenceCounts{Offline: 2}, ActivityEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.counts.Activity())
		})
	}
}

func TestCountPresence_UnknownStateCountsAsOffline(t *testing.T) {
	counts := CountPresence(map[string]*Member{
		"a": member("a", RolePlayer, PresenceOnline),
		"b": member("b", RolePlayer, PresenceAway),
		"c": member("c", RolePlayer, "unknown"),
		"d": nil,
	})

	assert.Equal(t, PresenceCounts{Online: 1, Away: 1, Offline: 1}, counts)
	assert.Equal(t, 3, counts.Total())
	assert.False(t, counts.AllOffline())
}

func TestRoom_Host(t *testing.T) {
	t.Run("优先使用 hostId", func(t *testing.T) {
		r := &Room{HostID: "b", Members: map[string]*Member{
			"a": member("a", RoleHost, PresenceOnline),
			"b": member("b", RoleHost, PresenceOnline),
		}}
		require.NotNil(t, r.Host())
		assert.Equal(t, "b", r.Host().ID)
		assert.Len(t, r.Hosts(), 2)
	})

	t.Run("hostId 指向不存在的成员时回退到角色", func(t *testing.T) {
		r := &Room{HostID: "gone", Members: map[string]*Member{
			"z": member("z", RoleHost, PresenceOnline),
			"y": member("y", RoleHost, PresenceOnline),
			"x": member("x", RolePlayer, PresenceOnline),
		}}
		assert.Equal(t, "y", r.Host().ID, "多个 host 时按 ID 排序取第一个")
	})

	t.Run("没有房主", func(t *testing.T) {
		r := &Room{Members: map[string]*Member{"x": member("x", RolePlayer, PresenceOnline)}}
		assert.Nil(t, r.Host())
	})
}

func TestRoom_Normalize(t *testing.T) {
	r := &Room{Members: map[string]*Member{"a": {Role: RolePlayer}, "b": nil}}

	r.Normalize("ROOM01")

	assert.Equal(t, "ROOM01", r.ID)
	assert.Equal(t, "a", r.Members["a"].ID)
	assert.NotContains(t, r.Members, "b")
	assert.True(t, r.IsOrphan())
}

func TestNewRoom(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	r := NewRoom("ABC123", &Member{ID: "owner", DisplayName: "Owner"}, now)

	assert.Equal(t, LifecycleOpen, r.LifecycleStatus)
	assert.Equal(t, ActivityActive, r.ActivityStatus)
	assert.Equal(t, "owner", r.HostID)
	assert.Equal(t, RoleHost, r.Members["owner"].Role)
	assert.Equal(t, 1, r.Stats.OnlineCount)
	assert.False(t, r.IsClosed())
	assert.False(t, r.IsOrphan())
}

func TestRoomStats_SameCounts(t *testing.T) {
	a := PresenceCounts{Online: 1, Offline: 1}.Stats(time.Now())
	b := PresenceCounts{Online: 1, Offline: 1}.Stats(time.Now().Add(time.Minute))
	c := PresenceCounts{Away: 1, Offline: 1}.Stats(time.Now())

	assert.True(t, a.SameCounts(b), "检查时间不参与比较")
	assert.False(t, a.SameCounts(c))
}

func TestNewRoomArchive(t *testing.T) {
	closedAt := time.Now().UTC()
	r := NewRoom("ARC001", &Member{ID: "h"}, closedAt.Add(-time.Hour))
	r.Members["p"] = member("p", RolePlayer, PresenceOffline)
	r.LifecycleStatus = LifecycleClosed
	r.CloseReason = CloseReasonAllLeft
	r.ClosedAt = &closedAt

	archive, err := NewRoomArchive(r)

	require.NoError(t, err)
	assert.Equal(t, "ARC001", archive.RoomID)
	assert.Equal(t, "h", archive.HostID)
	assert.Equal(t, CloseReasonAllLeft, archive.CloseReason)
	assert.Equal(t, 2, archive.MemberCount)
	assert.Contains(t, archive.Members, `"p"`)
}
