package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
	"room-presence/internal/service"
)

func TestSelectSuccessor(t *testing.T) {
	tests := []struct {
		name      string
		hostState domain.PresenceState
		others    map[string]domain.PresenceState
		want      string
		wantErr   error
	}{
		{
			name:      "房主离线时优先选择在线成员",
			hostState: domain.PresenceOffline,
			others:    map[string]domain.PresenceState{"a": domain.PresenceAway, "b": domain.PresenceOnline},
			want:      "b",
		},
		{
			name:      "房主离线且无人在线时选择 away 成员",
			hostState: domain.PresenceOffline,
			others:    map[string]domain.PresenceState{"c": domain.PresenceAway, "a": domain.PresenceOffline, "b": domain.PresenceAway},
			want:      "b",
		},
		{
			name:      "房主 away 时只选择在线成员",
			hostState: domain.PresenceAway,
			others:    map[string]domain.PresenceState{"a": domain.PresenceAway},
			wantErr:   service.ErrNoEligibleSuccessor,
		},
		{
			name:      "房主 away 且有在线成员",
			hostState: domain.PresenceAway,
			others:    map[string]domain.PresenceState{"z": domain.PresenceOnline, "y": domain.PresenceOnline},
			want:      "y",
		},
		{
			name:      "所有成员离线",
			hostState: domain.PresenceOffline,
			others:    map[string]domain.PresenceState{"a": domain.PresenceOffline},
			wantErr:   service.ErrNoEligibleSuccessor,
		},
		{
			name:      "房主在线时不选择",
			hostState: domain.PresenceOnline,
			others:    map[string]domain.PresenceState{"a": domain.PresenceOnline},
			wantErr:   service.ErrNoEligibleSuccessor,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members := []*domain.Member{newMember("host", domain.RoleHost, tt.hostState)}
			for id, s := range tt.others {
				members = append(members, newMember(id, domain.RolePlayer, s))
			}
			room := newRoom("SEL001", members...)

			got, err := service.SelectSuccessor(room, "host", tt.hostState)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestHostFailover_PromotesWhenHostGoesOffline(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("FO0001",
		newMember("h", domain.RoleHost, domain.PresenceOnline),
		newMember("a", domain.RolePlayer, domain.PresenceAway),
		newMember("b", domain.RolePlayer, domain.PresenceOnline))
	seedRoom(t, observer, room)

	failover := service.NewHostFailover(b.Connect("fo"), room.ID)
	require.NoError(t, failover.Start(ctx))
	defer failover.Stop()

	setPresence(t, observer, room.ID, "h", domain.PresenceOffline)

	require.Eventually(t, func() bool {
		return readRoom(t, observer, room.ID).HostID == "b"
	}, waitFor, tick)
	got := readRoom(t, observer, room.ID)
	assert.Equal(t, domain.RoleHost, got.Members["b"].Role)
	assert.Equal(t, domain.RolePlayer, got.Members["h"].Role)
	assert.Len(t, got.Hosts(), 1)
}

func TestHostFailover_AwayHostWithoutOnlineCandidateKeepsRole(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("FO0002",
		newMember("h", domain.RoleHost, domain.PresenceOnline),
		newMember("a", domain.RolePlayer, domain.PresenceAway))
	seedRoom(t, observer, room)

	failover := service.NewHostFailover(b.Connect("fo"), room.ID)
	require.NoError(t, failover.Start(ctx))
	defer failover.Stop()

	setPresence(t, observer, room.ID, "h", domain.PresenceAway)
	time.Sleep(100 * time.Millisecond)

	got := readRoom(t, observer, room.ID)
	assert.Equal(t, "h", got.HostID)
	assert.Equal(t, domain.RoleHost, got.Members["h"].Role)
}

func TestHostFailover_AwayHostPromotesOnlineMember(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("FO0003",
		newMember("h", domain.RoleHost, domain.PresenceOnline),
		newMember("a", domain.RolePlayer, domain.PresenceOnline),
		newMember("b", domain.RolePlayer, domain.PresenceAway))
	seedRoom(t, observer, room)

	failover := service.NewHostFailover(b.Connect("fo"), room.ID)
	require.NoError(t, failover.Start(ctx))
	defer failover.Stop()

	setPresence(t, observer, room.ID, "h", domain.PresenceAway)
	require.Eventually(t, func() bool {
		return readRoom(t, observer, room.ID).HostID == "a"
	}, waitFor, tick)
}

func TestHostFailover_Promote_StaleObserverAborts(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("FO0004",
		newMember("h", domain.RoleHost, domain.PresenceOffline),
		newMember("a", domain.RolePlayer, domain.PresenceOnline),
		newMember("b", domain.RolePlayer, domain.PresenceOnline))
	seedRoom(t, observer, room)

	first := service.NewHostFailover(b.Connect("first"), room.ID)
	second := service.NewHostFailover(b.Connect("second"), room.ID)

	installed, err := first.Promote(ctx, "h", "a")
	require.NoError(t, err)
	assert.Equal(t, "a", installed)

	// 第二个观察者仍以 h 为房主，提交前复查应发现房主已变化
	installed, err = second.Promote(ctx, "h", "b")
	assert.ErrorIs(t, err, service.ErrStaleWrite)
	assert.Equal(t, "a", installed)

	got := readRoom(t, observer, room.ID)
	assert.Equal(t, "a", got.HostID)
	assert.Equal(t, domain.RolePlayer, got.Members["b"].Role)
}

func TestHostFailover_Promote_HostReturnedAborts(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("FO0005",
		newMember("h", domain.RoleHost, domain.PresenceOnline),
		newMember("a", domain.RolePlayer, domain.PresenceOnline))
	seedRoom(t, observer, room)

	_, err := service.NewHostFailover(b.Connect("fo"), room.ID).Promote(ctx, "h", "a")

	assert.ErrorIs(t, err, service.ErrStaleWrite)
	assert.Equal(t, "h", readRoom(t, observer, room.ID).HostID)
}

func TestHostFailover_Reconcile_ConvergesOnHostPointer(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("FO0006",
		newMember("h", domain.RolePlayer, domain.PresenceOffline),
		newMember("a", domain.RoleHost, domain.PresenceOnline),
		newMember("b", domain.RoleHost, domain.PresenceOnline))
	// 两个观察者并发提升后的结果：两人都是 host，hostId 为后写入者
	room.HostID = "b"
	seedRoom(t, observer, room)

	failover := service.NewHostFailover(b.Connect("fo"), room.ID)
	require.NoError(t, failover.Reconcile(ctx))

	got := readRoom(t, observer, room.ID)
	assert.Equal(t, "b", got.HostID)
	assert.Equal(t, domain.RolePlayer, got.Members["a"].Role)
	assert.Len(t, got.Hosts(), 1)

	// 已收敛时再次调用不写入
	before := b.WriteCount()
	require.NoError(t, failover.Reconcile(ctx))
	assert.Equal(t, before, b.WriteCount())
}

func TestHostFailover_ObserverReconcilesDuplicateHosts(t *testing.T) {
	ctx := context.Background()
	b, observer := newBackend(t)
	room := newRoom("FO0007",
		newMember("a", domain.RoleHost, domain.PresenceOnline),
		newMember("b", domain.RolePlayer, domain.PresenceOnline))
	seedRoom(t, observer, room)

	failover := service.NewHostFailover(b.Connect("fo"), room.ID)
	require.NoError(t, failover.Start(ctx))
	defer failover.Stop()

	require.NoError(t, observer.Update(ctx, map[string]any{
		repository.MemberField(room.ID, "b", repository.FieldRole): string(domain.RoleHost),
	}))

	require.Eventually(t, func() bool {
		got := readRoom(t, observer, room.ID)
		return len(got.Hosts()) == 1 && got.HostID == "a"
	}, waitFor, tick)
}
