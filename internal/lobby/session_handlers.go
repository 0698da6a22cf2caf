package lobby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/internal/dispatch"
	"github.com/qiminjie89/gamelobby/internal/identity"
	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/metrics"
)

// sessionHandler 会话层处理函数
type sessionHandler func(ctx context.Context, sess *Session, msg *protocol.Message) error

func bind(sess *Session, h sessionHandler) dispatch.Handler {
	return func(ctx context.Context, msg *protocol.Message) error {
		return h(ctx, sess, msg)
	}
}

// authed 未认证时回复 not_authenticated，连接保持
func authed(h sessionHandler) sessionHandler {
	return func(ctx context.Context, sess *Session, msg *protocol.Message) error {
		if !sess.IsAuthenticated() {
			return sess.Respond(msg.Type(), protocol.StatusNotAuthenticated)
		}
		return h(ctx, sess, msg)
	}
}

// registerHandlers 安装会话层处理函数；座位层处理函数由 Room 在入座时压栈
func (s *Server) registerHandlers(sess *Session) {
	t := sess.Handlers()

	t.Register(protocol.MsgHeartbeat, bind(sess, s.handleHeartbeat))
	t.Register(protocol.MsgRegister, bind(sess, s.handleRegister))
	t.Register(protocol.MsgAutoRegister, bind(sess, s.handleAutoRegister))
	t.Register(protocol.MsgLoginPassword, bind(sess, s.handleLoginPassword))
	t.Register(protocol.MsgLoginToken, bind(sess, s.handleLoginToken))
	t.Register(protocol.MsgLogout, bind(sess, s.handleLogout))

	t.Register(protocol.MsgJoinLobby, bind(sess, authed(s.handleLobbyList)))
	t.Register(protocol.MsgRefreshLobby, bind(sess, authed(s.handleLobbyList)))
	t.Register(protocol.MsgCreateRoom, bind(sess, authed(s.handleCreateRoom)))
	t.Register(protocol.MsgJoinRoom, bind(sess, authed(s.handleJoinRoom)))

	// 未入座时的兜底
	notSeated := authed(func(ctx context.Context, sess *Session, msg *protocol.Message) error {
		return sess.Respond(msg.Type(), protocol.StatusNotInRoom)
	})
	t.Register(protocol.MsgSetReady, bind(sess, notSeated))
	t.Register(protocol.MsgLeaveRoom, bind(sess, notSeated))
	t.Register(protocol.MsgChangeRoomInfo, bind(sess, notSeated))
}

// handleHeartbeat 处理心跳
func (s *Server) handleHeartbeat(ctx context.Context, sess *Session, msg *protocol.Message) error {
	return sess.Send(protocol.NewHeartbeatAck(time.Now().UnixMilli()))
}

// handleRegister 注册成功不自动登录
func (s *Server) handleRegister(ctx context.Context, sess *Session, msg *protocol.Message) error {
	userName := msg.GetString(protocol.KeyUserName)
	password := msg.GetString(protocol.KeyPassword)
	if err := identity.ValidateCredentials(userName, password); err != nil {
		return sess.Respond(msg.Type(), protocol.StatusInvalidRequest)
	}

	exists, err := s.users.UserExists(ctx, userName)
	if err != nil {
		sess.Respond(msg.Type(), protocol.StatusInternalError)
		return err
	}
	if exists {
		return sess.Respond(msg.Type(), protocol.StatusUserExists)
	}

	ok, err := s.users.RegisterUser(ctx, userName, password)
	if err != nil {
		sess.Respond(msg.Type(), protocol.StatusInternalError)
		return err
	}
	if !ok {
		return sess.Respond(msg.Type(), protocol.StatusUserExists)
	}

	sess.Logger().Info("user registered", zap.String("user_name", userName))
	return sess.Send(protocol.NewResponse(msg.Type(), protocol.StatusSuccess).
		Set(protocol.KeyUserName, protocol.String(userName)))
}

// handleAutoRegister 生成游客账号并登录，响应中返回账号与密码
func (s *Server) handleAutoRegister(ctx context.Context, sess *Session, msg *protocol.Message) error {
	if !sess.beginAuth() {
		return sess.Respond(msg.Type(), protocol.StatusAlreadyAuthenticated)
	}

	var userName, password string
	for attempt := 0; attempt < 3; attempt++ {
		name, pw, err := identity.GuestCredentials(s.cfg.Auth.GuestPrefix)
		if err != nil {
			sess.abortAuth()
			sess.Respond(msg.Type(), protocol.StatusInternalError)
			return err
		}
		ok, err := s.users.RegisterUser(ctx, name, pw)
		if err != nil {
			sess.abortAuth()
			sess.Respond(msg.Type(), protocol.StatusInternalError)
			return err
		}
		if ok {
			userName, password = name, pw
			break
		}
	}
	if userName == "" {
		sess.abortAuth()
		return sess.Respond(msg.Type(), protocol.StatusUserExists)
	}

	ident, err := s.users.AuthenticateUser(ctx, userName, password)
	if err != nil {
		sess.abortAuth()
		sess.Respond(msg.Type(), protocol.StatusInternalError)
		return err
	}

	return s.completeLogin(sess, msg.Type(), "guest", ident, "", func(resp *protocol.Message) {
		resp.Set(protocol.KeyPassword, protocol.String(password))
	})
}

// handleLoginPassword 账号或密码错误时回复失败并断开
func (s *Server) handleLoginPassword(ctx context.Context, sess *Session, msg *protocol.Message) error {
	if !sess.beginAuth() {
		return sess.Respond(msg.Type(), protocol.StatusAlreadyAuthenticated)
	}

	userName := msg.GetString(protocol.KeyUserName)
	password := msg.GetString(protocol.KeyPassword)

	ident, err := s.users.AuthenticateUser(ctx, userName, password)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		return s.failLogin(sess, msg.Type(), "password", protocol.StatusAuthFailed)
	case err != nil:
		sess.abortAuth()
		metrics.LobbyAuthResults.WithLabelValues("password", "error").Inc()
		sess.Respond(msg.Type(), protocol.StatusInternalError)
		return err
	}

	return s.completeLogin(sess, msg.Type(), "password", ident, "", nil)
}

// handleLoginToken 校验超时或失败均按校验不通过处理
func (s *Server) handleLoginToken(ctx context.Context, sess *Session, msg *protocol.Message) error {
	if !sess.beginAuth() {
		return sess.Respond(msg.Type(), protocol.StatusAlreadyAuthenticated)
	}

	token := msg.GetString(protocol.KeyToken)
	if token == "" || s.verifier == nil {
		return s.failLogin(sess, msg.Type(), "token", protocol.StatusTokenInvalid)
	}

	vctx := ctx
	if s.cfg.Auth.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		vctx, cancel = context.WithTimeout(ctx, s.cfg.Auth.VerifyTimeout)
		defer cancel()
	}

	res, err := s.verifier.VerifyToken(vctx, token)
	if err != nil || !res.IsValid {
		sess.Logger().Info("token verification failed",
			zap.String("message", res.Message),
			zap.Error(err),
		)
		return s.failLogin(sess, msg.Type(), "token", protocol.StatusTokenInvalid)
	}

	ident := &identity.Identity{UserID: res.UserID, UserName: res.UserName}
	if ident.UserName == "" {
		// 校验服务可能只返回 user_id
		ident.UserName = fmt.Sprintf("user%d", res.UserID)
	}
	return s.completeLogin(sess, msg.Type(), "token", ident, token, nil)
}

// failLogin 回复失败后断开，重新认证需要新连接
func (s *Server) failLogin(sess *Session, protoID int32, method string, code int) error {
	metrics.LobbyAuthResults.WithLabelValues(method, "fail").Inc()
	sess.Respond(protoID, code)
	sess.Close(ReasonAuthFailed)
	return nil
}

func (s *Server) completeLogin(sess *Session, protoID int32, method string, ident *identity.Identity, token string, extra func(*protocol.Message)) error {
	if !sess.completeAuth(ident, token) {
		return sess.Respond(protoID, protocol.StatusAlreadyAuthenticated)
	}
	s.bindUser(sess)
	metrics.LobbyAuthResults.WithLabelValues(method, "success").Inc()

	sess.Logger().Info("user logged in",
		zap.Int64("user_id", ident.UserID),
		zap.String("user_name", ident.UserName),
		zap.String("method", method),
	)

	resp := protocol.NewResponse(protoID, protocol.StatusSuccess).
		Set(protocol.KeyUserID, protocol.Int(ident.UserID)).
		Set(protocol.KeyUserName, protocol.String(ident.UserName))
	if extra != nil {
		extra(resp)
	}
	return sess.Send(resp)
}

type tokenInvalidator interface {
	Invalidate(ctx context.Context, token string) error
}

// handleLogout 回复后断开
func (s *Server) handleLogout(ctx context.Context, sess *Session, msg *protocol.Message) error {
	if token := sess.loginToken(); token != "" {
		if inv, ok := s.verifier.(tokenInvalidator); ok {
			if err := inv.Invalidate(ctx, token); err != nil {
				sess.Logger().Warn("invalidate token cache failed", zap.Error(err))
			}
		}
	}
	sess.Respond(msg.Type(), protocol.StatusSuccess)
	sess.Close(ReasonLogout)
	return nil
}

// handleLobbyList join-lobby 与 refresh-lobby 共用
func (s *Server) handleLobbyList(ctx context.Context, sess *Session, msg *protocol.Message) error {
	page := int(msg.GetInt32(protocol.KeyPage))
	if page < 1 {
		page = 1
	}
	rooms, total := s.rooms.List(page, s.cfg.Room.LobbyPageSize)
	return sess.Send(protocol.NewRoomList(page, total, rooms))
}

// handleCreateRoom 创建房间并让创建者入座
func (s *Server) handleCreateRoom(ctx context.Context, sess *Session, msg *protocol.Message) error {
	if sess.Room() != nil {
		return sess.Respond(msg.Type(), protocol.StatusAlreadyInRoom)
	}

	room, err := s.rooms.CreateRoom(RoomOptions{
		Name:      msg.GetString(protocol.KeyName),
		MapID:     msg.GetInt32(protocol.KeyMapID),
		IsPrivate: msg.GetBool(protocol.KeyIsPrivate),
		OwnerID:   sess.UserID(),
	})
	if err != nil {
		sess.Respond(msg.Type(), protocol.StatusCreateRoomFailed)
		return err
	}

	slot, err := room.TryAddPlayer(sess, NoSlot)
	if err != nil {
		s.rooms.RemoveRoom(room.ID())
		code := statusFor(err)
		if code == protocol.StatusInternalError || code == protocol.StatusRoomFull {
			code = protocol.StatusCreateRoomFailed
		}
		return sess.Respond(msg.Type(), code)
	}

	return sess.Send(protocol.NewResponse(msg.Type(), protocol.StatusSuccess).
		Set(protocol.KeyRoom, protocol.MustStruct(room.Info(true))).
		Set(protocol.KeySlot, protocol.Int(int64(slot))))
}

// handleJoinRoom room_id 为空时自动匹配，slot 缺省为自动选座
func (s *Server) handleJoinRoom(ctx context.Context, sess *Session, msg *protocol.Message) error {
	if uid, ok := msg.Lookup(protocol.KeyUserID); ok {
		if n, _ := uid.AsInt64(); n != sess.UserID() {
			return sess.Respond(msg.Type(), protocol.StatusInvalidRequest)
		}
	}
	if sess.Room() != nil {
		return sess.Respond(msg.Type(), protocol.StatusAlreadyInRoom)
	}

	slot := NoSlot
	if v, ok := msg.Lookup(protocol.KeySlot); ok {
		n, isInt := v.AsInt32()
		if !isInt {
			return sess.Respond(msg.Type(), protocol.StatusInvalidRequest)
		}
		slot = int(n)
	}

	var room *Room
	if roomID := msg.GetString(protocol.KeyRoomID); roomID != "" {
		r, ok := s.rooms.GetRoom(roomID)
		if !ok {
			return sess.Respond(msg.Type(), protocol.StatusRoomNotFound)
		}
		room = r
	} else {
		r, ok := s.rooms.FindAvailableRoom()
		if !ok {
			return sess.Respond(msg.Type(), protocol.StatusRoomNotFound)
		}
		room = r
	}

	slot, err := room.TryAddPlayer(sess, slot)
	if err != nil {
		return sess.Respond(msg.Type(), statusFor(err))
	}

	return sess.Send(protocol.NewResponse(msg.Type(), protocol.StatusSuccess).
		Set(protocol.KeyRoom, protocol.MustStruct(room.Info(true))).
		Set(protocol.KeySlot, protocol.Int(int64(slot))))
}
