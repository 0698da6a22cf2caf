package lobby

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/internal/dispatch"
	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/logger"
	"github.com/qiminjie89/gamelobby/pkg/metrics"
)

// RoomState 房间状态
type RoomState int32

const (
	RoomOpen RoomState = iota
	RoomFull
	RoomIngame
	RoomDisabled
	RoomClosed
	RoomError
)

func (s RoomState) String() string {
	switch s {
	case RoomOpen:
		return "open"
	case RoomFull:
		return "full"
	case RoomIngame:
		return "ingame"
	case RoomDisabled:
		return "disabled"
	case RoomClosed:
		return "closed"
	case RoomError:
		return "error"
	default:
		return "unknown"
	}
}

// roomScope 座位层处理函数在分发表中的层名
const roomScope = "room"

const maxRoomNameLen = 32

// RoomOptions 创建参数
type RoomOptions struct {
	Name      string
	MapID     int32
	IsPrivate bool
	OwnerID   int64
}

// Room 固定两个座位的对局容器
// 座位数组的所有读写都在 mu 下进行；广播在释放 mu 之后发送
type Room struct {
	id        string
	seq       uint64
	createdAt time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	name       string
	mapID      int32
	isPrivate  bool
	ownerID    int64
	state      RoomState
	seats      [Capacity]RoomUser
	allReady   bool
	emptySince time.Time

	onAllReady func(*Room)
}

func newRoom(id string, seq uint64, opts RoomOptions, onAllReady func(*Room)) *Room {
	now := time.Now()
	return &Room{
		id:         id,
		seq:        seq,
		createdAt:  now,
		logger:     logger.With(zap.String("room_id", id)),
		name:       opts.Name,
		mapID:      opts.MapID,
		isPrivate:  opts.IsPrivate,
		ownerID:    opts.OwnerID,
		state:      RoomOpen,
		emptySince: now,
		onAllReady: onAllReady,
	}
}

// ID 房间 ID
func (r *Room) ID() string { return r.id }

// State 当前状态
func (r *Room) State() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SetState 设置状态；Open/Full 由占座情况决定，设置为二者之一时按占座重新计算
func (r *Room) SetState(st RoomState) {
	r.mu.Lock()
	r.state = st
	if st == RoomOpen || st == RoomFull {
		r.refreshStateLocked()
	}
	r.mu.Unlock()
}

// IsPrivate 私有房间不出现在大厅列表中
func (r *Room) IsPrivate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isPrivate
}

// Occupancy 已占座位数
func (r *Room) Occupancy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.occupancyLocked()
}

func (r *Room) occupancyLocked() int {
	n := 0
	for i := range r.seats {
		if r.seats[i].Valid() {
			n++
		}
	}
	return n
}

// NextSlot 最小的空座位下标，满员返回 NoSlot
func (r *Room) NextSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSlotLocked()
}

func (r *Room) nextSlotLocked() int {
	for i := range r.seats {
		if !r.seats[i].Valid() {
			return i
		}
	}
	return NoSlot
}

// joinableLocked Open 与 Full 以外的状态不接受入座
func (r *Room) joinableLocked() error {
	switch r.state {
	case RoomOpen:
		return nil
	case RoomFull:
		return ErrRoomFull
	default:
		return ErrRoomClosed
	}
}

// Joinable 能否入座（列表与自动匹配使用）
func (r *Room) Joinable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joinableLocked() == nil && r.nextSlotLocked() != NoSlot
}

func (r *Room) refreshStateLocked() {
	if r.state != RoomOpen && r.state != RoomFull && r.state != RoomIngame {
		return
	}
	switch occ := r.occupancyLocked(); {
	case occ == Capacity && r.state != RoomIngame:
		r.state = RoomFull
	case occ < Capacity:
		r.state = RoomOpen
	}
}

// TryAddPlayer 为已认证会话占座，slot 为 NoSlot 时自动选择最小空座
func (r *Room) TryAddPlayer(s *Session, slot int) (int, error) {
	ident := s.Identity()
	if ident == nil || ident.UserID == 0 || ident.UserName == "" {
		return NoSlot, ErrNotAuthenticated
	}

	r.mu.Lock()
	if err := r.joinableLocked(); err != nil {
		r.mu.Unlock()
		return NoSlot, err
	}
	for i := range r.seats {
		if r.seats[i].session == s || (r.seats[i].Valid() && r.seats[i].userID == ident.UserID) {
			r.mu.Unlock()
			return NoSlot, ErrAlreadyInRoom
		}
	}

	switch {
	case slot == NoSlot:
		slot = r.nextSlotLocked()
		if slot == NoSlot {
			r.mu.Unlock()
			return NoSlot, ErrRoomFull
		}
	case slot < 0 || slot >= Capacity:
		r.mu.Unlock()
		return NoSlot, ErrInvalidSlot
	case r.seats[slot].Valid():
		r.mu.Unlock()
		return NoSlot, ErrSeatOccupied
	}

	if err := s.attachRoom(r, slot); err != nil {
		r.mu.Unlock()
		return NoSlot, err
	}
	r.seats[slot] = RoomUser{
		session:  s,
		userID:   ident.UserID,
		userName: ident.UserName,
	}
	r.emptySince = time.Time{}
	r.allReady = false
	r.refreshStateLocked()
	s.handlers.Push(roomScope, r.seatHandlers(s))

	joined := r.seats[slot].info(slot)
	occupancy := r.occupancyLocked()
	r.mu.Unlock()

	r.logger.Info("player seated",
		zap.Int64("user_id", ident.UserID),
		zap.Int("slot", slot),
	)
	r.Broadcast(protocol.NewUserJoined(r.id, joined, occupancy), nil)
	return slot, nil
}

// TryRemovePlayer 释放会话占用的座位，未占座返回 false
func (r *Room) TryRemovePlayer(s *Session) bool {
	r.mu.Lock()
	for i := range r.seats {
		if r.seats[i].session == s {
			return r.removeLocked(i)
		}
	}
	r.mu.Unlock()
	return false
}

// RemovePlayer 按座位下标释放
func (r *Room) RemovePlayer(slot int) bool {
	if slot < 0 || slot >= Capacity {
		return false
	}
	r.mu.Lock()
	if !r.seats[slot].Valid() {
		r.mu.Unlock()
		return false
	}
	return r.removeLocked(slot)
}

// removeLocked 调用时持有 mu，返回前释放
func (r *Room) removeLocked(slot int) bool {
	seat := r.seats[slot]
	r.seats[slot] = RoomUser{}
	r.allReady = false
	if r.state == RoomIngame {
		r.state = RoomOpen
	}
	r.refreshStateLocked()
	occupancy := r.occupancyLocked()
	if occupancy == 0 {
		r.emptySince = time.Now()
	}
	seat.session.detachRoom(r)
	seat.session.handlers.Pop(roomScope)
	r.mu.Unlock()

	r.logger.Info("player left",
		zap.Int64("user_id", seat.userID),
		zap.Int("slot", slot),
	)
	r.Broadcast(protocol.NewUserLeft(r.id, slot, seat.userID, occupancy), nil)
	return true
}

// SetReady 设置准备状态
// 两个座位都有人且都已准备时触发 onAllReady；此后任一方取消再重新准备才会再次触发
func (r *Room) SetReady(s *Session, ready bool) error {
	r.mu.Lock()
	slot := NoSlot
	for i := range r.seats {
		if r.seats[i].session == s {
			slot = i
			break
		}
	}
	if slot == NoSlot {
		r.mu.Unlock()
		return ErrNotInRoom
	}
	if r.state != RoomOpen && r.state != RoomFull {
		r.mu.Unlock()
		return ErrRoomClosed
	}

	if r.seats[slot].isReady == ready {
		r.mu.Unlock()
		return nil
	}
	r.seats[slot].isReady = ready

	both := true
	for i := range r.seats {
		if !r.seats[i].Valid() || !r.seats[i].isReady {
			both = false
			break
		}
	}
	fire := both && !r.allReady
	r.allReady = both
	userID := r.seats[slot].userID
	hook := r.onAllReady
	r.mu.Unlock()

	r.Broadcast(protocol.NewReadyChanged(r.id, slot, userID, ready), nil)

	if fire {
		r.logger.Info("all players ready")
		if hook != nil {
			hook(r)
		}
	}
	return nil
}

// StartMatch 仍全员准备且处于 Open/Full 时进入 Ingame，返回进入时的快照
// 准备完成到回调执行之间有人离座或房间被关闭时不做任何修改
func (r *Room) StartMatch() (protocol.RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.allReady || r.occupancyLocked() != Capacity {
		return protocol.RoomInfo{}, false
	}
	if r.state != RoomOpen && r.state != RoomFull {
		return protocol.RoomInfo{}, false
	}
	r.state = RoomIngame
	return r.infoLocked(true), true
}

// AllReady 当前是否全员准备
func (r *Room) AllReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allReady
}

// ApplyInfo 修改房间名称或地图，nil 表示不修改；仅座位上的玩家可调用
func (r *Room) ApplyInfo(s *Session, name *string, mapID *int32) error {
	r.mu.Lock()
	seated := false
	for i := range r.seats {
		if r.seats[i].session == s {
			seated = true
			break
		}
	}
	if !seated {
		r.mu.Unlock()
		return ErrNotInRoom
	}
	if name != nil {
		r.name = trimName(*name)
	}
	if mapID != nil {
		r.mapID = *mapID
	}
	info := r.infoLocked(true)
	r.mu.Unlock()

	r.Broadcast(protocol.NewRoomInfoChanged(info), nil)
	return nil
}

// Info 房间快照，withSeats 为 true 时带座位信息
func (r *Room) Info(withSeats bool) protocol.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(withSeats)
}

func (r *Room) infoLocked(withSeats bool) protocol.RoomInfo {
	info := protocol.RoomInfo{
		RoomID:    r.id,
		Name:      r.name,
		MapID:     r.mapID,
		State:     r.state.String(),
		Occupancy: r.occupancyLocked(),
		Capacity:  Capacity,
		IsPrivate: r.isPrivate,
	}
	if withSeats {
		for i := range r.seats {
			if r.seats[i].Valid() {
				info.Seats = append(info.Seats, r.seats[i].info(i))
			}
		}
	}
	return info
}

// sessionsLocked 有效座位上的会话快照
func (r *Room) sessionsLocked() []*Session {
	out := make([]*Session, 0, Capacity)
	for i := range r.seats {
		if r.seats[i].Valid() {
			out = append(out, r.seats[i].session)
		}
	}
	return out
}

// Broadcast 发送给所有座位（except 除外），单个座位失败不影响其他座位，返回成功数
func (r *Room) Broadcast(msg *protocol.Message, except *Session) int {
	r.mu.Lock()
	targets := r.sessionsLocked()
	r.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if s == except {
			continue
		}
		if err := s.Send(msg); err != nil {
			metrics.LobbyBroadcastFailures.Inc()
			r.logger.Debug("broadcast to seat failed",
				zap.String("session_id", s.ID()),
				zap.String("msg_type", protocol.MsgTypeName(msg.Type())),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// NotifyRoomClosed 通知所有座位房间关闭
func (r *Room) NotifyRoomClosed(reason string) {
	r.Broadcast(protocol.NewRoomClosed(r.id, reason), nil)
}

// CloseAllConnections 断开所有座位上的会话
func (r *Room) CloseAllConnections(reason string) {
	r.mu.Lock()
	targets := r.sessionsLocked()
	r.mu.Unlock()

	for _, s := range targets {
		s.Close(reason)
	}
}

// expireIfEmpty 空置超过 grace 时标记为 Closed
func (r *Room) expireIfEmpty(now time.Time, grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.occupancyLocked() > 0 || r.emptySince.IsZero() || now.Sub(r.emptySince) < grace {
		return false
	}
	r.state = RoomClosed
	return true
}

// markClosed 返回原状态
func (r *Room) markClosed() RoomState {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state
	r.state = RoomClosed
	return prev
}

// seatHandlers 入座后压入会话分发表的处理函数
func (r *Room) seatHandlers(s *Session) map[int32]dispatch.Handler {
	return map[int32]dispatch.Handler{
		protocol.MsgSetReady: func(ctx context.Context, msg *protocol.Message) error {
			v, ok := msg.Lookup(protocol.KeyIsReady)
			ready, isBool := v.AsBool()
			if !ok || !isBool {
				return s.Respond(protocol.MsgSetReady, protocol.StatusInvalidRequest)
			}
			return s.Respond(protocol.MsgSetReady, statusFor(r.SetReady(s, ready)))
		},
		protocol.MsgLeaveRoom: func(ctx context.Context, msg *protocol.Message) error {
			if !r.TryRemovePlayer(s) {
				return s.Respond(protocol.MsgLeaveRoom, protocol.StatusNotInRoom)
			}
			return s.Respond(protocol.MsgLeaveRoom, protocol.StatusSuccess)
		},
		protocol.MsgChangeRoomInfo: func(ctx context.Context, msg *protocol.Message) error {
			var name *string
			var mapID *int32
			if v, ok := msg.Lookup(protocol.KeyName); ok {
				n, isStr := v.AsString()
				if !isStr || len(n) > maxRoomNameLen {
					return s.Respond(protocol.MsgChangeRoomInfo, protocol.StatusInvalidRequest)
				}
				name = &n
			}
			if v, ok := msg.Lookup(protocol.KeyMapID); ok {
				m, isInt := v.AsInt32()
				if !isInt {
					return s.Respond(protocol.MsgChangeRoomInfo, protocol.StatusInvalidRequest)
				}
				mapID = &m
			}
			if name == nil && mapID == nil {
				return s.Respond(protocol.MsgChangeRoomInfo, protocol.StatusInvalidRequest)
			}
			return s.Respond(protocol.MsgChangeRoomInfo, statusFor(r.ApplyInfo(s, name, mapID)))
		},
	}
}
