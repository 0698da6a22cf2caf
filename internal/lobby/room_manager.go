package lobby

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/logger"
	"github.com/qiminjie89/gamelobby/pkg/metrics"
)

// RoomManager 房间注册表
// 查找无锁；插入与删除为原子操作
type RoomManager struct {
	rooms  sync.Map // room_id → *Room
	nextID atomic.Uint64
	count  atomic.Int64

	sweepInterval time.Duration
	onAllReady    func(*Room)
}

// NewRoomManager sweepInterval 同时作为空房保留时长
func NewRoomManager(sweepInterval time.Duration, onAllReady func(*Room)) *RoomManager {
	return &RoomManager{
		sweepInterval: sweepInterval,
		onAllReady:    onAllReady,
	}
}

func trimName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) > maxRoomNameLen {
		name = name[:maxRoomNameLen]
	}
	return name
}

// CreateRoom 创建空房间，名称为空时使用默认名
func (m *RoomManager) CreateRoom(opts RoomOptions) (*Room, error) {
	seq := m.nextID.Add(1)
	id := strconv.FormatUint(seq, 10)

	opts.Name = trimName(opts.Name)
	if opts.Name == "" {
		opts.Name = "Room " + id
	}

	room := newRoom(id, seq, opts, m.onAllReady)
	if _, loaded := m.rooms.LoadOrStore(id, room); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRoomID, id)
	}
	m.count.Add(1)
	metrics.LobbyRooms.Inc()

	logger.Info("room created",
		zap.String("room_id", id),
		zap.String("name", opts.Name),
		zap.Int32("map_id", opts.MapID),
		zap.Bool("is_private", opts.IsPrivate),
	)
	return room, nil
}

// GetRoom 查找房间
func (m *RoomManager) GetRoom(id string) (*Room, bool) {
	v, ok := m.rooms.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Room), true
}

// Count 房间数
func (m *RoomManager) Count() int {
	return int(m.count.Load())
}

// snapshot 按创建顺序排序的房间列表
func (m *RoomManager) snapshot() []*Room {
	var rooms []*Room
	m.rooms.Range(func(_, v any) bool {
		rooms = append(rooms, v.(*Room))
		return true
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].seq < rooms[j].seq })
	return rooms
}

// FindAvailableRoom 最早创建的、有空座的公开房间
func (m *RoomManager) FindAvailableRoom() (*Room, bool) {
	for _, r := range m.snapshot() {
		if !r.IsPrivate() && r.Joinable() {
			return r, true
		}
	}
	return nil, false
}

// RemoveRoom 从注册表移除，不通知座位
func (m *RoomManager) RemoveRoom(id string) (*Room, bool) {
	v, ok := m.rooms.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	m.count.Add(-1)
	metrics.LobbyRooms.Dec()
	return v.(*Room), true
}

// CloseRoom 移除房间，通知座位后断开其连接
func (m *RoomManager) CloseRoom(id, reason string) bool {
	return m.closeRoom(id, reason, ReasonRoomClosed)
}

// closeRoom closeReason 为座位会话的断开原因
func (m *RoomManager) closeRoom(id, reason, closeReason string) bool {
	room, ok := m.RemoveRoom(id)
	if !ok {
		return false
	}
	room.markClosed()
	room.NotifyRoomClosed(reason)
	room.CloseAllConnections(closeReason)

	logger.Info("room closed",
		zap.String("room_id", id),
		zap.String("reason", reason),
	)
	return true
}

// CloseAll 关闭全部房间（停服时使用），座位会话以 reason 断开
func (m *RoomManager) CloseAll(reason string) int {
	closed := 0
	for _, r := range m.snapshot() {
		if m.closeRoom(r.id, reason, reason) {
			closed++
		}
	}
	return closed
}

// List 大厅列表：公开且未关闭的房间，page 从 1 开始
func (m *RoomManager) List(page, size int) ([]protocol.RoomInfo, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 10
	}

	var visible []*Room
	for _, r := range m.snapshot() {
		if r.IsPrivate() {
			continue
		}
		switch r.State() {
		case RoomClosed, RoomDisabled, RoomError:
			continue
		}
		visible = append(visible, r)
	}

	total := len(visible)
	start := (page - 1) * size
	if start >= total {
		return []protocol.RoomInfo{}, total
	}
	end := start + size
	if end > total {
		end = total
	}

	infos := make([]protocol.RoomInfo, 0, end-start)
	for _, r := range visible[start:end] {
		infos = append(infos, r.Info(false))
	}
	return infos, total
}

// Sweep 移除空置至少一个清理周期的房间，返回移除数量
func (m *RoomManager) Sweep(now time.Time) int {
	removed := 0
	m.rooms.Range(func(k, v any) bool {
		room := v.(*Room)
		if !room.expireIfEmpty(now, m.sweepInterval) {
			return true
		}
		if m.rooms.CompareAndDelete(k, v) {
			m.count.Add(-1)
			metrics.LobbyRooms.Dec()
			metrics.LobbyRoomsSwept.Inc()
			removed++
			logger.Info("empty room swept", zap.String("room_id", room.id))
		}
		return true
	})
	return removed
}

// Run 周期性清理，ctx 取消时返回
func (m *RoomManager) Run(ctx context.Context) {
	if m.sweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				logger.Info("room sweep",
					zap.Int("removed", n),
					zap.Int("remaining", m.Count()),
				)
			}
		}
	}
}
