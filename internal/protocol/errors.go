// Package protocol 定义状态码
package protocol

// 状态码定义
const (
	// 通用
	StatusSuccess        = 0 // 成功
	StatusInternalError  = 1 // 内部错误
	StatusInvalidRequest = 2 // 无效请求

	// 认证相关 (1xxx)
	StatusAuthFailed           = 1001 // 账号或密码错误
	StatusTokenInvalid         = 1002 // token 无效或过期
	StatusUserExists           = 1003 // 用户名已存在
	StatusNotAuthenticated     = 1004 // 未登录
	StatusAlreadyAuthenticated = 1005 // 重复登录

	// 房间相关 (2xxx)
	StatusRoomNotFound     = 2001 // 房间不存在
	StatusSeatOccupied     = 2002 // 座位已被占用
	StatusRoomFull         = 2003 // 房间已满
	StatusNotInRoom        = 2004 // 不在房间内
	StatusCreateRoomFailed = 2005 // 创建房间失败
	StatusAlreadyInRoom    = 2006 // 已在其他房间
	StatusRoomClosed       = 2007 // 房间已关闭
)

// StatusText 状态码对应的消息
var StatusText = map[int]string{
	StatusSuccess:              "success",
	StatusInternalError:        "internal_error",
	StatusInvalidRequest:       "invalid_request",
	StatusAuthFailed:           "auth_failed",
	StatusTokenInvalid:         "token_invalid",
	StatusUserExists:           "user_exists",
	StatusNotAuthenticated:     "not_authenticated",
	StatusAlreadyAuthenticated: "already_authenticated",
	StatusRoomNotFound:         "room_not_found",
	StatusSeatOccupied:         "seat_occupied",
	StatusRoomFull:             "room_full",
	StatusNotInRoom:            "not_in_room",
	StatusCreateRoomFailed:     "create_room_failed",
	StatusAlreadyInRoom:        "already_in_room",
	StatusRoomClosed:           "room_closed",
}
