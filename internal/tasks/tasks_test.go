package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"room-presence/internal/domain"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "archive:x", Type: task.Type()}, nil
}

func TestArchiveEnqueuer_ArchiveRoom(t *testing.T) {
	enq := &fakeEnqueuer{}
	archiver := NewArchiveEnqueuer(enq)
	room := &domain.Room{ID: "ROOM01", LifecycleStatus: domain.LifecycleClosed, CloseReason: domain.CloseReasonAllLeft}

	require.NoError(t, archiver.ArchiveRoom(context.Background(), room))

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, TypeRoomArchive, enq.tasks[0].Type())
	var payload RoomArchivePayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.Equal(t, "ROOM01", payload.Room.ID)
	assert.Equal(t, domain.CloseReasonAllLeft, payload.Room.CloseReason)
}

func TestArchiveEnqueuer_DuplicateIsSuccess(t *testing.T) {
	archiver := NewArchiveEnqueuer(&fakeEnqueuer{err: asynq.ErrTaskIDConflict})

	assert.NoError(t, archiver.ArchiveRoom(context.Background(), &domain.Room{ID: "ROOM02"}))
}

func TestArchiveEnqueuer_PropagatesErrors(t *testing.T) {
	boom := errors.New("redis down")
	archiver := NewArchiveEnqueuer(&fakeEnqueuer{err: boom})

	err := archiver.ArchiveRoom(context.Background(), &domain.Room{ID: "ROOM03"})

	assert.ErrorIs(t, err, boom)
}
