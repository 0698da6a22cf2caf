package lobby

import "github.com/qiminjie89/gamelobby/internal/protocol"

const (
	// Capacity 每个房间的座位数
	Capacity = 2
	// NoSlot 无可用座位 / 自动选座
	NoSlot = -1
)

// RoomUser 座位，session 为 nil 表示空座
type RoomUser struct {
	session  *Session
	userID   int64
	userName string
	isReady  bool
}

// Valid 绑定了会话且身份完整
func (u *RoomUser) Valid() bool {
	return u.session != nil && u.userID != 0 && u.userName != ""
}

// Session 占座的会话
func (u *RoomUser) Session() *Session { return u.session }

// UserID 占座的用户
func (u *RoomUser) UserID() int64 { return u.userID }

// IsReady 是否已准备
func (u *RoomUser) IsReady() bool { return u.isReady }

func (u *RoomUser) info(slot int) protocol.SeatInfo {
	return protocol.SeatInfo{
		Slot:     slot,
		UserID:   u.userID,
		UserName: u.userName,
		IsReady:  u.isReady,
	}
}
