package lobby

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/internal/dispatch"
	"github.com/qiminjie89/gamelobby/internal/identity"
	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/logger"
	"github.com/qiminjie89/gamelobby/pkg/metrics"
	"github.com/qiminjie89/gamelobby/pkg/transport"
)

// SessionState 会话状态
type SessionState int32

const (
	StateConnected SessionState = iota
	StateAuthenticating
	StateActive
	StateDisconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// 关闭原因（同时作为指标标签）
const (
	ReasonPeerClosed     = "peer_closed"
	ReasonReadError      = "read_error"
	ReasonWriteError     = "write_error"
	ReasonMalformedFrame = "malformed_frame"
	ReasonFrameTooLarge  = "frame_too_large"
	ReasonIdleTimeout    = "idle_timeout"
	ReasonLogout         = "logout"
	ReasonAuthFailed     = "auth_failed"
	ReasonReplaced       = "replaced"
	ReasonRoomClosed     = "room_closed"
	ReasonShutdown       = "shutdown"
)

// SessionConfig 会话参数
type SessionConfig struct {
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration
	MaxFrameSize      int
	WriteTimeout      time.Duration
}

// Session 一个已接受的连接
// identity 只在认证成功时设置一次；room 是非拥有的反向引用，由 Room 负责绑定与清除
type Session struct {
	id     string
	conn   transport.Conn
	cfg    SessionConfig
	logger *zap.Logger

	handlers *dispatch.Table

	state        atomic.Int32
	lastActivity atomic.Int64 // UnixNano

	identMu  sync.RWMutex
	identity *identity.Identity
	token    string // token 登录时保存，登出时用于失效缓存

	writeMu sync.Mutex

	roomMu   sync.Mutex
	room     *Room
	slot     int
	detached bool // 关闭后不再允许绑定座位

	closeOnce   sync.Once
	closeCh     chan struct{}
	closeReason atomic.Value

	onClose func(s *Session, reason string)
}

// NewSession 创建会话，onClose 在关闭流程末尾调用一次
func NewSession(conn transport.Conn, cfg SessionConfig, onClose func(*Session, string)) *Session {
	id := uuid.NewString()
	s := &Session{
		id:      id,
		conn:    conn,
		cfg:     cfg,
		slot:    NoSlot,
		closeCh: make(chan struct{}),
		onClose: onClose,
		logger: logger.With(
			zap.String("session_id", id),
			zap.String("remote_addr", conn.RemoteAddr()),
		),
	}
	s.handlers = dispatch.New(s.logger)
	s.state.Store(int32(StateConnected))
	s.touch()
	metrics.LobbySessions.Inc()
	return s
}

// ID 会话 ID
func (s *Session) ID() string { return s.id }

// RemoteAddr 远程地址
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr() }

// Handlers 会话的分发表
func (s *Session) Handlers() *dispatch.Table { return s.handlers }

// Logger 带会话字段的 logger
func (s *Session) Logger() *zap.Logger { return s.logger }

// State 当前状态
func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// IsClosed 是否已进入关闭流程
func (s *Session) IsClosed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

// Done 关闭时 closed
func (s *Session) Done() <-chan struct{} { return s.closeCh }

// CloseReason 关闭原因，未关闭时为空
func (s *Session) CloseReason() string {
	r, _ := s.closeReason.Load().(string)
	return r
}

// LastActivity 最后一次收发时间
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Identity 已认证的身份，未认证返回 nil
func (s *Session) Identity() *identity.Identity {
	s.identMu.RLock()
	defer s.identMu.RUnlock()
	return s.identity
}

// UserID 未认证时为 0
func (s *Session) UserID() int64 {
	if id := s.Identity(); id != nil {
		return id.UserID
	}
	return 0
}

// IsAuthenticated 是否处于 Active
func (s *Session) IsAuthenticated() bool {
	return s.State() == StateActive
}

// beginAuth Connected → Authenticating
func (s *Session) beginAuth() bool {
	return s.state.CompareAndSwap(int32(StateConnected), int32(StateAuthenticating))
}

// abortAuth Authenticating → Connected（校验失败但连接保留时使用）
func (s *Session) abortAuth() {
	s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateConnected))
}

// completeAuth Authenticating → Active，身份只设置一次
func (s *Session) completeAuth(id *identity.Identity, token string) bool {
	s.identMu.Lock()
	if s.identity != nil {
		s.identMu.Unlock()
		return false
	}
	if !s.state.CompareAndSwap(int32(StateAuthenticating), int32(StateActive)) {
		s.identMu.Unlock()
		return false
	}
	s.identity = id
	s.token = token
	s.identMu.Unlock()
	return true
}

func (s *Session) loginToken() string {
	s.identMu.RLock()
	defer s.identMu.RUnlock()
	return s.token
}

// Room 当前所在房间
func (s *Session) Room() *Room {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	return s.room
}

// Slot 当前座位，无座位时为 NoSlot
func (s *Session) Slot() int {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	return s.slot
}

// attachRoom 由 Room 在持有 room.mu 时调用
func (s *Session) attachRoom(r *Room, slot int) error {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	if s.detached {
		return ErrSessionClosed
	}
	if s.room != nil {
		return ErrAlreadyInRoom
	}
	s.room = r
	s.slot = slot
	return nil
}

// detachRoom 由 Room 在持有 room.mu 时调用
func (s *Session) detachRoom(r *Room) {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()

	if s.room == r {
		s.room = nil
		s.slot = NoSlot
	}
}

// Send 编码并发送一条消息，写失败时关闭会话
// 已关闭的会话静默丢弃，不返回错误
func (s *Session) Send(msg *protocol.Message) error {
	if s.IsClosed() {
		return nil
	}

	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err = s.conn.Write(data)
	s.writeMu.Unlock()

	if err != nil {
		s.logger.Debug("send failed",
			zap.String("msg_type", protocol.MsgTypeName(msg.Type())),
			zap.Error(err),
		)
		s.Close(ReasonWriteError)
		return err
	}

	s.touch()
	metrics.LobbyBytesSent.Add(float64(len(data)))
	return nil
}

// Respond 发送通用响应
func (s *Session) Respond(protoID int32, code int) error {
	return s.Send(protocol.NewResponse(protoID, code))
}

// Run 启动空闲检测并在当前 goroutine 运行读循环，返回时会话已关闭
func (s *Session) Run(ctx context.Context) {
	if s.cfg.IdleTimeout > 0 {
		go s.idleMonitor()
	}

	reason := s.readLoop(ctx)
	s.Close(reason)
}

// readLoop 读循环：帧级错误断开连接，参数解析失败与未知类型只记录
func (s *Session) readLoop(ctx context.Context) string {
	for {
		buf, err := protocol.ReadFrame(s.conn, s.cfg.MaxFrameSize)
		if err != nil {
			if s.IsClosed() {
				return s.CloseReason()
			}
			switch {
			case errors.Is(err, io.EOF):
				return ReasonPeerClosed
			case errors.Is(err, protocol.ErrFrameTooLarge):
				metrics.LobbyFrameErrors.WithLabelValues("too_large").Inc()
				s.logger.Warn("frame too large", zap.Error(err))
				return ReasonFrameTooLarge
			case errors.Is(err, protocol.ErrMalformedFrame):
				metrics.LobbyFrameErrors.WithLabelValues("malformed").Inc()
				s.logger.Warn("malformed frame", zap.Error(err))
				return ReasonMalformedFrame
			default:
				s.logger.Debug("read failed", zap.Error(err))
				return ReasonReadError
			}
		}
		s.touch()

		msg, err := protocol.DecodeMessage(buf)
		if err != nil {
			metrics.LobbyFrameErrors.WithLabelValues("params").Inc()
			s.logger.Warn("decode message failed", zap.Error(err))
			continue
		}

		metrics.LobbyMessagesReceived.WithLabelValues(protocol.MsgTypeName(msg.Type())).Inc()
		s.handlers.Dispatch(ctx, msg)

		if s.IsClosed() {
			return s.CloseReason()
		}
	}
}

// idleMonitor 独立于读循环，超过阈值无收发则强制断开
func (s *Session) idleMonitor() {
	interval := s.cfg.IdleCheckInterval
	if interval <= 0 || interval > s.cfg.IdleTimeout {
		interval = s.cfg.IdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case now := <-ticker.C:
			if idle := now.Sub(s.LastActivity()); idle > s.cfg.IdleTimeout {
				s.logger.Info("session idle timeout", zap.Duration("idle", idle))
				s.Close(ReasonIdleTimeout)
				return
			}
		}
	}
}

// Close 关闭会话：停止计时、关闭连接、释放座位
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.state.Store(int32(StateDisconnecting))
		close(s.closeCh)
		s.conn.Close()

		s.roomMu.Lock()
		s.detached = true
		room := s.room
		s.roomMu.Unlock()
		if room != nil {
			room.TryRemovePlayer(s)
		}

		s.state.Store(int32(StateClosed))
		metrics.LobbySessionCloseReason.WithLabelValues(reason).Inc()
		metrics.LobbySessions.Dec()

		s.logger.Debug("session closed", zap.String("reason", reason))

		if s.onClose != nil {
			s.onClose(s, reason)
		}
	})
}
