package service

import (
	"errors"

	"room-presence/internal/repository"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomClosed          = errors.New("room is closed")
	ErrMemberNotFound      = errors.New("member not found in room")
	ErrInvalidMember       = errors.New("invalid member id")
	ErrNotHost             = errors.New("only the host can perform this action")
	ErrNoEligibleSuccessor = errors.New("no eligible successor for host")
	ErrStaleWrite          = errors.New("room changed before write, aborted")
	ErrConnectivityLoss    = errors.New("realtime store connection lost")
	ErrInternalServer      = errors.New("internal server error")
)

// errRoomOccupied 关闭前复查时发现仍有成员在线
var errRoomOccupied = errors.New("room still has connected members")

// isBenign 这些错误表示房间已被其他客户端处理，调用方只需记录而不必上报。
func isBenign(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrRoomClosed) ||
		errors.Is(err, ErrStaleWrite) ||
		errors.Is(err, errRoomOccupied)
}

// mapRepoError 将存储层错误映射为服务层错误。
func mapRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrRoomNotFound
	case errors.Is(err, repository.ErrPreconditionFailed):
		return ErrStaleWrite
	case errors.Is(err, repository.ErrDisconnected):
		return ErrConnectivityLoss
	}
	return err
}
