// Package protocol 定义大厅服务的消息类型、参数编码与帧格式
package protocol

import (
	"strconv"
	"time"
)

// 客户端 → 大厅
const (
	MsgHeartbeat      int32 = 1 // 心跳
	MsgRegister       int32 = 2 // 注册
	MsgAutoRegister   int32 = 3 // 游客自动注册
	MsgLoginPassword  int32 = 4 // 账号密码登录
	MsgLoginToken     int32 = 5 // token 登录
	MsgLogout         int32 = 6 // 登出
	MsgJoinLobby      int32 = 100
	MsgRefreshLobby   int32 = 101
	MsgCreateRoom     int32 = 102
	MsgJoinRoom       int32 = 103
	MsgLeaveRoom      int32 = 104
	MsgSetReady       int32 = 105
	MsgChangeRoomInfo int32 = 106
)

// 大厅 → 客户端
const (
	MsgResponse        int32 = 1000 // 通用响应 {proto_id, status_code, message}
	MsgHeartbeatAck    int32 = 1001
	MsgLobbyRoomList   int32 = 1002
	MsgUserJoined      int32 = 1100
	MsgUserLeft        int32 = 1101
	MsgRoomInfoChanged int32 = 1102
	MsgRoomClosed      int32 = 1103
	MsgReadyChanged    int32 = 1104
	MsgMatchReady      int32 = 1105
)

var msgTypeNames = map[int32]string{
	MsgHeartbeat:       "heartbeat",
	MsgRegister:        "register",
	MsgAutoRegister:    "auto_register",
	MsgLoginPassword:   "login_password",
	MsgLoginToken:      "login_token",
	MsgLogout:          "logout",
	MsgJoinLobby:       "join_lobby",
	MsgRefreshLobby:    "refresh_lobby",
	MsgCreateRoom:      "create_room",
	MsgJoinRoom:        "join_room",
	MsgLeaveRoom:       "leave_room",
	MsgSetReady:        "set_ready",
	MsgChangeRoomInfo:  "change_room_info",
	MsgResponse:        "response",
	MsgHeartbeatAck:    "heartbeat_ack",
	MsgLobbyRoomList:   "lobby_room_list",
	MsgUserJoined:      "user_joined",
	MsgUserLeft:        "user_left",
	MsgRoomInfoChanged: "room_info_changed",
	MsgRoomClosed:      "room_closed",
	MsgReadyChanged:    "ready_changed",
	MsgMatchReady:      "match_ready",
}

// MsgTypeName 返回消息类型名称（用于日志与指标标签）
func MsgTypeName(msgType int32) string {
	if name, ok := msgTypeNames[msgType]; ok {
		return name
	}
	return "unknown"
}

// 参数 key
const (
	KeyProtoID    = "proto_id"
	KeyStatusCode = "status_code"
	KeyMessage    = "message"
	KeyUserID     = "user_id"
	KeyUserName   = "user_name"
	KeyPassword   = "password"
	KeyToken      = "token"
	KeyPage       = "page"
	KeyTotal      = "total"
	KeyRooms      = "rooms"
	KeyRoom       = "room"
	KeyRoomID     = "room_id"
	KeyName       = "name"
	KeyMapID      = "map_id"
	KeyIsPrivate  = "is_private"
	KeySlot       = "slot"
	KeyIsReady    = "is_ready"
	KeySeat       = "seat"
	KeyOccupancy  = "occupancy"
	KeyReason     = "reason"
	KeyServerTime = "server_time"
)

// Message 一条协议消息，Type 构造后不可修改
type Message struct {
	msgType   int32
	Timestamp int64 // 毫秒
	Params    Params
}

// NewMessage 创建消息，时间戳取当前时间
func NewMessage(msgType int32) *Message {
	return &Message{
		msgType:   msgType,
		Timestamp: time.Now().UnixMilli(),
		Params:    make(Params),
	}
}

// Type 返回消息类型
func (m *Message) Type() int32 {
	return m.msgType
}

// Set 设置参数，返回自身便于链式构造
func (m *Message) Set(key string, v Value) *Message {
	m.Params[key] = v
	return m
}

// Lookup 查找参数
func (m *Message) Lookup(key string) (Value, bool) {
	v, ok := m.Params[key]
	return v, ok
}

// Has 参数是否存在
func (m *Message) Has(key string) bool {
	_, ok := m.Params[key]
	return ok
}

// GetBool 取布尔参数，缺失或类型不符返回 false
func (m *Message) GetBool(key string) bool {
	b, _ := m.Params[key].AsBool()
	return b
}

// GetInt64 取整数参数，缺失或类型不符返回 0
func (m *Message) GetInt64(key string) int64 {
	n, _ := m.Params[key].AsInt64()
	return n
}

// GetInt32 取 int32 参数，越界视为类型不符
func (m *Message) GetInt32(key string) int32 {
	n, _ := m.Params[key].AsInt32()
	return n
}

// GetFloat64 取浮点参数
func (m *Message) GetFloat64(key string) float64 {
	f, _ := m.Params[key].AsFloat64()
	return f
}

// GetString 取字符串参数
func (m *Message) GetString(key string) string {
	s, _ := m.Params[key].AsString()
	return s
}

// GetBytes 取二进制参数
func (m *Message) GetBytes(key string) []byte {
	b, _ := m.Params[key].AsBytes()
	return b
}

// GetArray 取数组参数
func (m *Message) GetArray(key string) []Value {
	a, _ := m.Params[key].AsArray()
	return a
}

// GetStruct 按需解码嵌套结构体参数到 out，失败时 out 保持零值并返回 false
func (m *Message) GetStruct(key string, out any) bool {
	return m.Params[key].DecodeStruct(out) == nil
}

// String 便于日志输出
func (m *Message) String() string {
	return MsgTypeName(m.msgType) + "(" + strconv.Itoa(int(m.msgType)) + ")"
}
