package lobby

import (
	"errors"

	"github.com/qiminjie89/gamelobby/internal/protocol"
)

var (
	ErrSeatOccupied     = errors.New("seat occupied")
	ErrInvalidSlot      = errors.New("invalid slot")
	ErrRoomFull         = errors.New("room full")
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomClosed       = errors.New("room not joinable")
	ErrNotInRoom        = errors.New("not in room")
	ErrAlreadyInRoom    = errors.New("already in a room")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrSessionClosed    = errors.New("session closed")
	ErrDuplicateRoomID  = errors.New("duplicate room id")
)

// statusFor 错误到客户端状态码的映射
func statusFor(err error) int {
	switch {
	case err == nil:
		return protocol.StatusSuccess
	case errors.Is(err, ErrSeatOccupied), errors.Is(err, ErrInvalidSlot):
		return protocol.StatusSeatOccupied
	case errors.Is(err, ErrRoomFull):
		return protocol.StatusRoomFull
	case errors.Is(err, ErrRoomNotFound):
		return protocol.StatusRoomNotFound
	case errors.Is(err, ErrRoomClosed):
		return protocol.StatusRoomClosed
	case errors.Is(err, ErrNotInRoom):
		return protocol.StatusNotInRoom
	case errors.Is(err, ErrAlreadyInRoom):
		return protocol.StatusAlreadyInRoom
	case errors.Is(err, ErrNotAuthenticated):
		return protocol.StatusNotAuthenticated
	default:
		return protocol.StatusInternalError
	}
}
