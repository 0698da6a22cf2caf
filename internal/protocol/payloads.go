package protocol

// SeatInfo 座位快照
type SeatInfo struct {
	Slot     int    `msgpack:"slot"`
	UserID   int64  `msgpack:"user_id"`
	UserName string `msgpack:"user_name"`
	IsReady  bool   `msgpack:"is_ready"`
}

// RoomInfo 房间快照，作为嵌套结构体参数下发
type RoomInfo struct {
	RoomID    string     `msgpack:"room_id"`
	Name      string     `msgpack:"name"`
	MapID     int32      `msgpack:"map_id"`
	State     string     `msgpack:"state"`
	Occupancy int        `msgpack:"occupancy"`
	Capacity  int        `msgpack:"capacity"`
	IsPrivate bool       `msgpack:"is_private"`
	Seats     []SeatInfo `msgpack:"seats,omitempty"`
}

// NewResponse 构造通用响应
func NewResponse(protoID int32, code int) *Message {
	msg := StatusText[code]
	if msg == "" {
		msg = "unknown"
	}
	return NewMessage(MsgResponse).
		Set(KeyProtoID, Int(int64(protoID))).
		Set(KeyStatusCode, Int(int64(code))).
		Set(KeyMessage, String(msg))
}

// StatusOf 读取响应中的状态码，缺失时返回 StatusInternalError
func StatusOf(m *Message) int {
	if !m.Has(KeyStatusCode) {
		return StatusInternalError
	}
	return int(m.GetInt64(KeyStatusCode))
}

// NewHeartbeatAck 心跳回包
func NewHeartbeatAck(serverTimeMs int64) *Message {
	return NewMessage(MsgHeartbeatAck).Set(KeyServerTime, Int(serverTimeMs))
}

// NewRoomList 大厅房间列表
func NewRoomList(page, total int, rooms []RoomInfo) *Message {
	items := make([]Value, 0, len(rooms))
	for i := range rooms {
		items = append(items, MustStruct(&rooms[i]))
	}
	return NewMessage(MsgLobbyRoomList).
		Set(KeyPage, Int(int64(page))).
		Set(KeyTotal, Int(int64(total))).
		Set(KeyRooms, Array(items...))
}

// RoomsOf 解出房间列表，无法解码的条目跳过
func RoomsOf(m *Message) []RoomInfo {
	items := m.GetArray(KeyRooms)
	rooms := make([]RoomInfo, 0, len(items))
	for _, it := range items {
		var info RoomInfo
		if it.DecodeStruct(&info) == nil {
			rooms = append(rooms, info)
		}
	}
	return rooms
}

// NewUserJoined 玩家入座通知，occupancy 为入座后的人数
func NewUserJoined(roomID string, seat SeatInfo, occupancy int) *Message {
	return NewMessage(MsgUserJoined).
		Set(KeyRoomID, String(roomID)).
		Set(KeySeat, MustStruct(&seat)).
		Set(KeyOccupancy, Int(int64(occupancy)))
}

// NewUserLeft 玩家离座通知，occupancy 为离座后的人数
func NewUserLeft(roomID string, slot int, userID int64, occupancy int) *Message {
	return NewMessage(MsgUserLeft).
		Set(KeyRoomID, String(roomID)).
		Set(KeySlot, Int(int64(slot))).
		Set(KeyUserID, Int(userID)).
		Set(KeyOccupancy, Int(int64(occupancy)))
}

// NewRoomInfoChanged 房间信息变更通知
func NewRoomInfoChanged(info RoomInfo) *Message {
	return NewMessage(MsgRoomInfoChanged).Set(KeyRoom, MustStruct(&info))
}

// NewRoomClosed 房间关闭通知
func NewRoomClosed(roomID, reason string) *Message {
	return NewMessage(MsgRoomClosed).
		Set(KeyRoomID, String(roomID)).
		Set(KeyReason, String(reason))
}

// NewReadyChanged 准备状态变更通知
func NewReadyChanged(roomID string, slot int, userID int64, ready bool) *Message {
	return NewMessage(MsgReadyChanged).
		Set(KeyRoomID, String(roomID)).
		Set(KeySlot, Int(int64(slot))).
		Set(KeyUserID, Int(userID)).
		Set(KeyIsReady, Bool(ready))
}

// NewMatchReady 全员准备，对局开始
func NewMatchReady(info RoomInfo) *Message {
	return NewMessage(MsgMatchReady).Set(KeyRoom, MustStruct(&info))
}
