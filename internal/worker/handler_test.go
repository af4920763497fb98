package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
	"room-presence/internal/repository/mocks"
	"room-presence/internal/tasks"
)

func archiveTask(t *testing.T) *asynq.Task {
	t.Helper()
	closedAt := time.Now().UTC()
	room := domain.NewRoom("ARC001", &domain.Member{ID: "h", DisplayName: "Host"}, closedAt.Add(-time.Hour))
	room.Members["p"] = &domain.Member{ID: "p", Role: domain.RolePlayer, PresenceState: domain.PresenceOffline}
	room.LifecycleStatus = domain.LifecycleClosed
	room.CloseReason = domain.CloseReasonAllDisconnected
	room.ClosedAt = &closedAt
	task, err := tasks.NewRoomArchiveTask(room)
	require.NoError(t, err)
	return task
}

func TestRoomArchiveHandler_Success(t *testing.T) {
	// Arrange
	repo := mocks.NewRoomArchiveRepository(t)
	repo.On("Save", mock.Anything, mock.MatchedBy(func(a *domain.RoomArchive) bool {
		return a.RoomID == "ARC001" && a.HostID == "h" && a.MemberCount == 2 &&
			a.CloseReason == domain.CloseReasonAllDisconnected && a.ClosedAt != nil
	})).Return(nil).Once()
	handler := NewRoomArchiveHandler(repo)

	// Act
	err := handler.ProcessTask(context.Background(), archiveTask(t))

	// Assert
	assert.NoError(t, err)
}

func TestRoomArchiveHandler_DuplicateIsSuccess(t *testing.T) {
	repo := mocks.NewRoomArchiveRepository(t)
	repo.On("Save", mock.Anything, mock.Anything).Return(repository.ErrDuplicateEntry).Once()

	err := NewRoomArchiveHandler(repo).ProcessTask(context.Background(), archiveTask(t))

	assert.NoError(t, err, "重复归档应视为成功")
}

func TestRoomArchiveHandler_RepositoryErrorRetries(t *testing.T) {
	repo := mocks.NewRoomArchiveRepository(t)
	boom := errors.New("connection refused")
	repo.On("Save", mock.Anything, mock.Anything).Return(boom).Once()

	err := NewRoomArchiveHandler(repo).ProcessTask(context.Background(), archiveTask(t))

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry, "存储错误应允许重试")
}

func TestRoomArchiveHandler_BadPayloadSkipsRetry(t *testing.T) {
	repo := mocks.NewRoomArchiveRepository(t)
	handler := NewRoomArchiveHandler(repo)

	err := handler.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeRoomArchive, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	empty, _ := json.Marshal(tasks.RoomArchivePayload{})
	err = handler.ProcessTask(context.Background(), asynq.NewTask(tasks.TypeRoomArchive, empty))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}
