// Package lobby 实现大厅服务：会话、房间与座位、房间注册表
package lobby

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/qiminjie89/gamelobby/internal/identity"
	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/config"
	"github.com/qiminjie89/gamelobby/pkg/logger"
	"github.com/qiminjie89/gamelobby/pkg/metrics"
	"github.com/qiminjie89/gamelobby/pkg/transport"
)

// Deps 外部协作方
type Deps struct {
	Users     identity.UserStore
	Verifier  identity.TokenVerifier // 为 nil 时 token 登录一律失败
	Publisher MatchPublisher         // 可选
}

// Server 大厅服务器
type Server struct {
	cfg       *config.LobbyConfig
	rooms     *RoomManager
	users     identity.UserStore
	verifier  identity.TokenVerifier
	publisher MatchPublisher

	// 会话管理
	sessions map[string]*Session // session_id → session
	byUser   map[int64]*Session  // user_id → session（单点登录）
	sessMu   sync.RWMutex

	// 接入
	tcp        *transport.TCPTransport
	listeners  []transport.Transport
	grpcServer *grpc.Server
	health     *health.Server
	healthAddr net.Addr

	// 生命周期
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer 创建大厅服务器
func NewServer(cfg *config.LobbyConfig, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		users:     deps.Users,
		verifier:  deps.Verifier,
		publisher: deps.Publisher,
		sessions:  make(map[string]*Session),
		byUser:    make(map[int64]*Session),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.rooms = NewRoomManager(cfg.Room.SweepInterval, s.handleAllReady)
	return s
}

// Rooms 房间注册表
func (s *Server) Rooms() *RoomManager { return s.rooms }

// Start 启动监听与后台任务
func (s *Server) Start() error {
	logger.Info("starting lobby server",
		zap.String("id", s.cfg.Server.ID),
		zap.String("addr", s.cfg.Server.Addr()),
	)

	s.tcp = transport.NewTCPTransport()
	if err := s.tcp.Listen(s.cfg.Server.Addr()); err != nil {
		return err
	}
	s.listeners = append(s.listeners, s.tcp)

	if s.cfg.Server.WSAddr != "" {
		ws := transport.NewWebSocketTransport(transport.WebSocketConfig{
			HandshakeTimeout: s.cfg.Session.WriteTimeout,
		})
		if err := ws.Listen(s.cfg.Server.WSAddr); err != nil {
			s.closeListeners()
			return err
		}
		s.listeners = append(s.listeners, ws)
		logger.Info("websocket listener started", zap.String("addr", ws.Addr().String()))
	}

	if s.cfg.Server.HealthAddr != "" {
		if err := s.startHealthServer(s.cfg.Server.HealthAddr); err != nil {
			s.closeListeners()
			return err
		}
	}

	for _, l := range s.listeners {
		s.wg.Add(1)
		go func(t transport.Transport) {
			defer s.wg.Done()
			s.acceptLoop(t)
		}(l)
	}

	// 空房清理
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rooms.Run(s.ctx)
	}()

	logger.Info("lobby server started", zap.String("tcp_addr", s.tcp.Addr().String()))
	return nil
}

// Addr TCP 实际监听地址
func (s *Server) Addr() net.Addr {
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Stop 停止接入、关闭全部会话并等待后台任务退出
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		logger.Info("stopping lobby server")
		s.cancel()
		s.stopHealthServer()
		s.closeListeners()
		closedRooms := s.rooms.CloseAll(ReasonShutdown)

		for _, sess := range s.snapshotSessions() {
			sess.Close(ReasonShutdown)
		}
		s.wg.Wait()

		logger.Info("lobby server stopped", zap.Int("rooms_closed", closedRooms))
	})
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
}

// acceptLoop 接受连接直到传输层关闭
func (s *Server) acceptLoop(t transport.Transport) {
	for {
		conn, err := t.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			logger.Warn("accept failed", zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.ServeConn(conn)
	}
}

// ServeConn 为连接创建会话并在后台运行
func (s *Server) ServeConn(conn transport.Conn) *Session {
	sess := NewSession(conn, SessionConfig{
		IdleTimeout:       s.cfg.Session.IdleTimeout,
		IdleCheckInterval: s.cfg.Session.IdleCheckInterval,
		MaxFrameSize:      s.cfg.Session.MaxFrameSize,
		WriteTimeout:      s.cfg.Session.WriteTimeout,
	}, s.onSessionClosed)
	s.registerHandlers(sess)

	s.sessMu.Lock()
	s.sessions[sess.ID()] = sess
	s.sessMu.Unlock()

	sess.Logger().Debug("session accepted")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.Run(s.ctx)
	}()
	return sess
}

// SessionCount 在线会话数
func (s *Server) SessionCount() int {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return len(s.sessions)
}

// SessionByUser 用户当前的会话
func (s *Server) SessionByUser(userID int64) (*Session, bool) {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	sess, ok := s.byUser[userID]
	return sess, ok
}

func (s *Server) snapshotSessions() []*Session {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// bindUser 同一用户只保留最新会话
func (s *Server) bindUser(sess *Session) {
	uid := sess.UserID()

	s.sessMu.Lock()
	old := s.byUser[uid]
	s.byUser[uid] = sess
	s.sessMu.Unlock()

	if old != nil && old != sess {
		old.Logger().Info("session replaced by new login", zap.Int64("user_id", uid))
		old.Close(ReasonReplaced)
	}
}

func (s *Server) onSessionClosed(sess *Session, reason string) {
	s.sessMu.Lock()
	delete(s.sessions, sess.ID())
	if uid := sess.UserID(); uid != 0 && s.byUser[uid] == sess {
		delete(s.byUser, uid)
	}
	s.sessMu.Unlock()
}

// handleAllReady 全员准备：进入对局、广播并发布事件
func (s *Server) handleAllReady(r *Room) {
	info, ok := r.StartMatch()
	if !ok {
		logger.Debug("match start skipped, room changed after ready", zap.String("room_id", r.ID()))
		return
	}
	r.Broadcast(protocol.NewMatchReady(info), nil)
	metrics.LobbyMatchesReady.Inc()

	if s.publisher == nil {
		return
	}

	ev := newMatchReadyEvent(s.cfg.Server.ID, info)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.publisher.PublishMatchReady(ctx, ev); err != nil {
			logger.Error("publish match ready failed",
				zap.String("room_id", ev.RoomID),
				zap.Error(err),
			)
		}
	}()
}
