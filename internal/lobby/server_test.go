package lobby

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/gamelobby/internal/identity"
	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/auth"
)

func TestServer_PasswordLogin(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	sess, p := connect(t, srv)

	uid := login(t, srv, p, "alice")
	assert.NotZero(t, uid)
	assert.True(t, sess.IsAuthenticated())
	assert.Equal(t, "alice", sess.Identity().UserName)

	got, ok := srv.SessionByUser(uid)
	require.True(t, ok)
	assert.Same(t, sess, got)

	// 重复登录
	p.send(t, loginMsg("alice", "pw-alice"))
	resp := p.expectResponse(t, protocol.MsgLoginPassword)
	assert.Equal(t, protocol.StatusAlreadyAuthenticated, protocol.StatusOf(resp))
	assert.False(t, sess.IsClosed())
}

func TestServer_WrongPasswordDisconnects(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	_, err := srv.users.RegisterUser(context.Background(), "bob", "secret")
	require.NoError(t, err)

	sess, p := connect(t, srv)
	p.send(t, loginMsg("bob", "wrong"))

	resp := p.expectResponse(t, protocol.MsgLoginPassword)
	assert.Equal(t, protocol.StatusAuthFailed, protocol.StatusOf(resp))
	assert.Equal(t, "auth_failed", resp.GetString(protocol.KeyMessage))

	waitDone(t, sess)
	p.waitClosed(t)
	assert.Equal(t, ReasonAuthFailed, sess.CloseReason())
}

func TestServer_AuthGate(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	sess, p := connect(t, srv)

	for _, msgType := range []int32{
		protocol.MsgJoinLobby,
		protocol.MsgRefreshLobby,
		protocol.MsgCreateRoom,
		protocol.MsgJoinRoom,
		protocol.MsgSetReady,
		protocol.MsgLeaveRoom,
		protocol.MsgChangeRoomInfo,
	} {
		p.send(t, protocol.NewMessage(msgType))
		resp := p.expectResponse(t, msgType)
		assert.Equal(t, protocol.StatusNotAuthenticated, protocol.StatusOf(resp), protocol.MsgTypeName(msgType))
	}

	heartbeat(t, p)
	assert.False(t, sess.IsClosed())
	assert.Zero(t, srv.Rooms().Count())
}

func TestServer_NotSeatedFallbacks(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	_, p := connect(t, srv)
	login(t, srv, p, "carol")

	for _, msgType := range []int32{protocol.MsgSetReady, protocol.MsgLeaveRoom, protocol.MsgChangeRoomInfo} {
		p.send(t, protocol.NewMessage(msgType).Set(protocol.KeyIsReady, protocol.Bool(true)))
		resp := p.expectResponse(t, msgType)
		assert.Equal(t, protocol.StatusNotInRoom, protocol.StatusOf(resp))
	}
}

func TestServer_Register(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	sess, p := connect(t, srv)

	register := func(user, password string) int {
		p.send(t, protocol.NewMessage(protocol.MsgRegister).
			Set(protocol.KeyUserName, protocol.String(user)).
			Set(protocol.KeyPassword, protocol.String(password)))
		return protocol.StatusOf(p.expectResponse(t, protocol.MsgRegister))
	}

	assert.Equal(t, protocol.StatusSuccess, register("dave", "hunter2"))
	assert.Equal(t, protocol.StatusUserExists, register("dave", "other"))
	assert.Equal(t, protocol.StatusInvalidRequest, register("", "pw"))
	assert.Equal(t, protocol.StatusInvalidRequest, register("erin", ""))
	assert.Equal(t, protocol.StatusInvalidRequest, register(strings.Repeat("n", 33), "pw"))

	// 注册不等于登录
	assert.False(t, sess.IsAuthenticated())

	p.send(t, loginMsg("dave", "hunter2"))
	resp := p.expectResponse(t, protocol.MsgLoginPassword)
	assert.Equal(t, protocol.StatusSuccess, protocol.StatusOf(resp))
	assert.True(t, sess.IsAuthenticated())
}

func TestServer_AutoRegister(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.GuestPrefix = "g_"
	srv := newTestServer(t, cfg, Deps{})
	sess, p := connect(t, srv)

	p.send(t, protocol.NewMessage(protocol.MsgAutoRegister))
	resp := p.expectResponse(t, protocol.MsgAutoRegister)
	require.Equal(t, protocol.StatusSuccess, protocol.StatusOf(resp))

	user := resp.GetString(protocol.KeyUserName)
	password := resp.GetString(protocol.KeyPassword)
	assert.True(t, strings.HasPrefix(user, "g_"))
	assert.NotEmpty(t, password)
	assert.True(t, sess.IsAuthenticated())
	assert.Equal(t, resp.GetInt64(protocol.KeyUserID), sess.UserID())

	// 返回的凭据可以在新连接上登录，旧连接被顶替
	sess2, p2 := connect(t, srv)
	p2.send(t, loginMsg(user, password))
	assert.Equal(t, protocol.StatusSuccess, protocol.StatusOf(p2.expectResponse(t, protocol.MsgLoginPassword)))
	assert.True(t, sess2.IsAuthenticated())
	waitDone(t, sess)
}

func TestServer_SingleLoginReplacesOldSession(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})

	first, p1 := connect(t, srv)
	uid := login(t, srv, p1, "frank")

	room, err := srv.Rooms().CreateRoom(RoomOptions{})
	require.NoError(t, err)
	_, err = room.TryAddPlayer(first, NoSlot)
	require.NoError(t, err)

	second, p2 := connect(t, srv)
	p2.send(t, loginMsg("frank", "pw-frank"))
	assert.Equal(t, protocol.StatusSuccess, protocol.StatusOf(p2.expectResponse(t, protocol.MsgLoginPassword)))

	waitDone(t, first)
	p1.waitClosed(t)
	assert.Equal(t, ReasonReplaced, first.CloseReason())
	assert.Equal(t, 0, room.Occupancy())

	got, ok := srv.SessionByUser(uid)
	require.True(t, ok)
	assert.Same(t, second, got)
}

type recordingVerifier struct {
	identity.TokenVerifier

	mu          sync.Mutex
	invalidated []string
}

func (v *recordingVerifier) Invalidate(_ context.Context, token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.invalidated = append(v.invalidated, token)
	return nil
}

func (v *recordingVerifier) tokens() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.invalidated...)
}

func TestServer_TokenLogin(t *testing.T) {
	validator := auth.NewJWTValidator("test-secret", "lobby-test")
	verifier := &recordingVerifier{TokenVerifier: identity.NewJWTVerifier(validator)}
	srv := newTestServer(t, testConfig(), Deps{Verifier: verifier})

	token, err := validator.GenerateToken(77, "grace", time.Hour)
	require.NoError(t, err)

	sess, p := connect(t, srv)
	p.send(t, protocol.NewMessage(protocol.MsgLoginToken).Set(protocol.KeyToken, protocol.String(token)))
	resp := p.expectResponse(t, protocol.MsgLoginToken)
	require.Equal(t, protocol.StatusSuccess, protocol.StatusOf(resp))
	assert.Equal(t, int64(77), resp.GetInt64(protocol.KeyUserID))
	assert.Equal(t, "grace", resp.GetString(protocol.KeyUserName))

	// 登出时失效缓存并断开
	p.send(t, protocol.NewMessage(protocol.MsgLogout))
	assert.Equal(t, protocol.StatusSuccess, protocol.StatusOf(p.expectResponse(t, protocol.MsgLogout)))
	waitDone(t, sess)
	assert.Equal(t, ReasonLogout, sess.CloseReason())
	assert.Equal(t, []string{token}, verifier.tokens())
}

func TestServer_TokenLoginRejected(t *testing.T) {
	validator := auth.NewJWTValidator("test-secret", "lobby-test")
	other := auth.NewJWTValidator("other-secret", "lobby-test")
	forged, err := other.GenerateToken(1, "mallory", time.Hour)
	require.NoError(t, err)
	expired, err := validator.GenerateToken(1, "mallory", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier identity.TokenVerifier
		token    string
	}{
		{"empty token", identity.NewJWTVerifier(validator), ""},
		{"bad signature", identity.NewJWTVerifier(validator), forged},
		{"expired", identity.NewJWTVerifier(validator), expired},
		{"no verifier", nil, forged},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, testConfig(), Deps{Verifier: tt.verifier})
			sess, p := connect(t, srv)

			p.send(t, protocol.NewMessage(protocol.MsgLoginToken).Set(protocol.KeyToken, protocol.String(tt.token)))
			resp := p.expectResponse(t, protocol.MsgLoginToken)
			assert.Equal(t, protocol.StatusTokenInvalid, protocol.StatusOf(resp))
			waitDone(t, sess)
			assert.Equal(t, ReasonAuthFailed, sess.CloseReason())
		})
	}
}

func createRoom(t *testing.T, p *peer, name string, mapID int32) (protocol.RoomInfo, int) {
	t.Helper()
	p.send(t, protocol.NewMessage(protocol.MsgCreateRoom).
		Set(protocol.KeyName, protocol.String(name)).
		Set(protocol.KeyMapID, protocol.Int(int64(mapID))))
	resp := p.expectResponse(t, protocol.MsgCreateRoom)
	require.Equal(t, protocol.StatusSuccess, protocol.StatusOf(resp))
	var info protocol.RoomInfo
	require.True(t, resp.GetStruct(protocol.KeyRoom, &info))
	return info, int(resp.GetInt64(protocol.KeySlot))
}

func TestServer_MatchFlow(t *testing.T) {
	pub := &stubPublisher{events: make(chan MatchReadyEvent, 1)}
	srv := newTestServer(t, testConfig(), Deps{Publisher: pub})

	a, pa := connect(t, srv)
	aID := login(t, srv, pa, "host")
	b, pb := connect(t, srv)
	bID := login(t, srv, pb, "guest")

	info, slot := createRoom(t, pa, "duel", 3)
	assert.Equal(t, 0, slot)
	assert.Equal(t, "duel", info.Name)
	assert.Equal(t, int32(3), info.MapID)
	assert.Equal(t, 1, info.Occupancy)
	require.Len(t, info.Seats, 1)
	assert.Equal(t, aID, info.Seats[0].UserID)

	pb.send(t, protocol.NewMessage(protocol.MsgJoinRoom).
		Set(protocol.KeyRoomID, protocol.String(info.RoomID)).
		Set(protocol.KeyUserID, protocol.Int(bID)))
	resp := pb.expectResponse(t, protocol.MsgJoinRoom)
	require.Equal(t, protocol.StatusSuccess, protocol.StatusOf(resp))
	assert.Equal(t, int64(1), resp.GetInt64(protocol.KeySlot))

	for _, p := range []*peer{pa, pb} {
		joined, seat := p.expectJoined(t, bID)
		assert.Equal(t, "guest", seat.UserName)
		assert.Equal(t, int64(2), joined.GetInt64(protocol.KeyOccupancy))
	}

	for _, p := range []*peer{pa, pb} {
		p.send(t, protocol.NewMessage(protocol.MsgSetReady).Set(protocol.KeyIsReady, protocol.Bool(true)))
		assert.Equal(t, protocol.StatusSuccess, protocol.StatusOf(p.expectResponse(t, protocol.MsgSetReady)))
	}

	for _, p := range []*peer{pa, pb} {
		m := p.expect(t, protocol.MsgMatchReady)
		var match protocol.RoomInfo
		require.True(t, m.GetStruct(protocol.KeyRoom, &match))
		assert.Equal(t, info.RoomID, match.RoomID)
		assert.Len(t, match.Seats, 2)
	}

	select {
	case ev := <-pub.events:
		assert.Equal(t, info.RoomID, ev.RoomID)
		assert.Equal(t, srv.cfg.Server.ID, ev.ServerID)
		require.Len(t, ev.Players, 2)
		assert.Equal(t, aID, ev.Players[0].UserID)
		assert.Equal(t, bID, ev.Players[1].UserID)
	case <-time.After(waitTimeout):
		t.Fatal("match ready event not published")
	}

	room, ok := srv.Rooms().GetRoom(info.RoomID)
	require.True(t, ok)
	assert.Equal(t, RoomIngame, room.State())

	// 对局中的房间不接受准备状态变更
	pa.send(t, protocol.NewMessage(protocol.MsgSetReady).Set(protocol.KeyIsReady, protocol.Bool(false)))
	assert.Equal(t, protocol.StatusRoomClosed, protocol.StatusOf(pa.expectResponse(t, protocol.MsgSetReady)))

	// 离座后回到 Open
	pb.send(t, protocol.NewMessage(protocol.MsgLeaveRoom))
	assert.Equal(t, protocol.StatusSuccess, protocol.StatusOf(pb.expectResponse(t, protocol.MsgLeaveRoom)))
	left := pa.expect(t, protocol.MsgUserLeft)
	assert.Equal(t, bID, left.GetInt64(protocol.KeyUserID))
	assert.Equal(t, int64(1), left.GetInt64(protocol.KeyOccupancy))
	assert.Equal(t, RoomOpen, room.State())
	assert.Nil(t, b.Room())
	assert.Same(t, room, a.Room())
}

func TestServer_JoinRoomErrors(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	_, pa := connect(t, srv)
	login(t, srv, pa, "owner")
	_, pb := connect(t, srv)
	bID := login(t, srv, pb, "joiner")

	join := func(p *peer, msg *protocol.Message) int {
		p.send(t, msg)
		return protocol.StatusOf(p.expectResponse(t, protocol.MsgJoinRoom))
	}
	base := func() *protocol.Message { return protocol.NewMessage(protocol.MsgJoinRoom) }

	assert.Equal(t, protocol.StatusRoomNotFound, join(pb, base()), "no room to auto-match")
	assert.Equal(t, protocol.StatusRoomNotFound, join(pb, base().Set(protocol.KeyRoomID, protocol.String("404"))))

	info, _ := createRoom(t, pa, "", 0)
	assert.Equal(t, "Room "+info.RoomID, info.Name)

	assert.Equal(t, protocol.StatusInvalidRequest,
		join(pb, base().Set(protocol.KeyRoomID, protocol.String(info.RoomID)).Set(protocol.KeyUserID, protocol.Int(bID+100))))
	assert.Equal(t, protocol.StatusInvalidRequest,
		join(pb, base().Set(protocol.KeyRoomID, protocol.String(info.RoomID)).Set(protocol.KeySlot, protocol.String("one"))))
	assert.Equal(t, protocol.StatusSeatOccupied,
		join(pb, base().Set(protocol.KeyRoomID, protocol.String(info.RoomID)).Set(protocol.KeySlot, protocol.Int(0))))
	assert.Equal(t, protocol.StatusSeatOccupied,
		join(pb, base().Set(protocol.KeyRoomID, protocol.String(info.RoomID)).Set(protocol.KeySlot, protocol.Int(5))))

	// 自动匹配进入唯一的房间
	assert.Equal(t, protocol.StatusSuccess, join(pb, base()))
	assert.Equal(t, protocol.StatusAlreadyInRoom, join(pb, base().Set(protocol.KeyRoomID, protocol.String(info.RoomID))))

	pb.send(t, protocol.NewMessage(protocol.MsgCreateRoom))
	assert.Equal(t, protocol.StatusAlreadyInRoom, protocol.StatusOf(pb.expectResponse(t, protocol.MsgCreateRoom)))

	// 第三个玩家进入满员房间
	_, pc := connect(t, srv)
	login(t, srv, pc, "third")
	assert.Equal(t, protocol.StatusRoomFull, join(pc, base().Set(protocol.KeyRoomID, protocol.String(info.RoomID))))
}

func TestServer_ChangeRoomInfo(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	_, pa := connect(t, srv)
	login(t, srv, pa, "a")
	_, pb := connect(t, srv)
	login(t, srv, pb, "b")

	info, _ := createRoom(t, pa, "before", 1)
	pb.send(t, protocol.NewMessage(protocol.MsgJoinRoom).Set(protocol.KeyRoomID, protocol.String(info.RoomID)))
	require.Equal(t, protocol.StatusSuccess, protocol.StatusOf(pb.expectResponse(t, protocol.MsgJoinRoom)))

	pb.send(t, protocol.NewMessage(protocol.MsgChangeRoomInfo).
		Set(protocol.KeyName, protocol.String("after")).
		Set(protocol.KeyMapID, protocol.Int(9)))
	assert.Equal(t, protocol.StatusSuccess, protocol.StatusOf(pb.expectResponse(t, protocol.MsgChangeRoomInfo)))

	for _, p := range []*peer{pa, pb} {
		m := p.expect(t, protocol.MsgRoomInfoChanged)
		var changed protocol.RoomInfo
		require.True(t, m.GetStruct(protocol.KeyRoom, &changed))
		assert.Equal(t, "after", changed.Name)
		assert.Equal(t, int32(9), changed.MapID)
	}

	pa.send(t, protocol.NewMessage(protocol.MsgChangeRoomInfo))
	assert.Equal(t, protocol.StatusInvalidRequest, protocol.StatusOf(pa.expectResponse(t, protocol.MsgChangeRoomInfo)))
	pa.send(t, protocol.NewMessage(protocol.MsgChangeRoomInfo).Set(protocol.KeyName, protocol.String(strings.Repeat("x", 40))))
	assert.Equal(t, protocol.StatusInvalidRequest, protocol.StatusOf(pa.expectResponse(t, protocol.MsgChangeRoomInfo)))
}

func TestServer_LobbyList(t *testing.T) {
	cfg := testConfig()
	cfg.Room.LobbyPageSize = 2
	srv := newTestServer(t, cfg, Deps{})

	for i := 0; i < 3; i++ {
		_, err := srv.Rooms().CreateRoom(RoomOptions{})
		require.NoError(t, err)
	}
	_, err := srv.Rooms().CreateRoom(RoomOptions{IsPrivate: true})
	require.NoError(t, err)

	_, p := connect(t, srv)
	login(t, srv, p, "viewer")

	p.send(t, protocol.NewMessage(protocol.MsgJoinLobby))
	list := p.expect(t, protocol.MsgLobbyRoomList)
	assert.Equal(t, int64(1), list.GetInt64(protocol.KeyPage))
	assert.Equal(t, int64(3), list.GetInt64(protocol.KeyTotal))
	assert.Len(t, protocol.RoomsOf(list), 2)

	p.send(t, protocol.NewMessage(protocol.MsgRefreshLobby).Set(protocol.KeyPage, protocol.Int(2)))
	list = p.expect(t, protocol.MsgLobbyRoomList)
	assert.Equal(t, int64(2), list.GetInt64(protocol.KeyPage))
	rooms := protocol.RoomsOf(list)
	require.Len(t, rooms, 1)
	assert.Equal(t, "3", rooms[0].RoomID)
}

func TestServer_StartServesTCP(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	srv := newTestServer(t, cfg, Deps{})
	require.NoError(t, srv.Start())
	require.NotNil(t, srv.Addr())

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	p := newPeer(t, conn)

	heartbeat(t, p)
	assert.Eventually(t, func() bool { return srv.SessionCount() == 1 }, waitTimeout, 10*time.Millisecond)

	srv.Stop()
	p.waitClosed(t)
	assert.Zero(t, srv.SessionCount())
}

func TestServer_StopClosesSessions(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	sess, p := connect(t, srv)

	srv.Stop()
	waitDone(t, sess)
	p.waitClosed(t)
	assert.Equal(t, ReasonShutdown, sess.CloseReason())

	// Stop 可重复调用
	srv.Stop()
}

func TestServer_AllReadyHookSkipsChangedRoom(t *testing.T) {
	pub := &stubPublisher{events: make(chan MatchReadyEvent, 1)}
	srv := newTestServer(t, testConfig(), Deps{Publisher: pub})

	room := testRoom(nil)
	a, pa := seatedSession(t)
	b, _ := seatedSession(t)
	_, err := room.TryAddPlayer(a, NoSlot)
	require.NoError(t, err)
	_, err = room.TryAddPlayer(b, NoSlot)
	require.NoError(t, err)
	require.NoError(t, room.SetReady(a, true))
	require.NoError(t, room.SetReady(b, true))

	// 准备完成后、回调执行前有人离座
	require.True(t, room.RemovePlayer(1))
	srv.handleAllReady(room)

	assert.Equal(t, RoomOpen, room.State())
	assert.Equal(t, 1, room.Occupancy())
	pa.expectNone(t, 100*time.Millisecond, func(m *protocol.Message) bool {
		return m.Type() == protocol.MsgMatchReady
	})
	select {
	case ev := <-pub.events:
		t.Fatalf("unexpected match event for room %s", ev.RoomID)
	default:
	}

	c, _ := seatedSession(t)
	slot, err := room.TryAddPlayer(c, NoSlot)
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	// 已关闭的房间不会被改回 Ingame
	require.NoError(t, room.SetReady(c, true))
	room.markClosed()
	srv.handleAllReady(room)
	assert.Equal(t, RoomClosed, room.State())
}

func TestServer_StopClosesRooms(t *testing.T) {
	srv := newTestServer(t, testConfig(), Deps{})
	a, pa := connect(t, srv)
	login(t, srv, pa, "stayer")
	info, _ := createRoom(t, pa, "late", 1)

	srv.Stop()

	m := pa.expect(t, protocol.MsgRoomClosed)
	assert.Equal(t, info.RoomID, m.GetString(protocol.KeyRoomID))
	assert.Equal(t, ReasonShutdown, m.GetString(protocol.KeyReason))
	waitDone(t, a)
	assert.Equal(t, ReasonShutdown, a.CloseReason())
	assert.Zero(t, srv.Rooms().Count())
}

// staticVerifier 返回固定结果
type staticVerifier struct {
	result identity.VerifyResult
}

func (v staticVerifier) VerifyToken(context.Context, string) (identity.VerifyResult, error) {
	return v.result, nil
}

func TestServer_TokenLoginWithoutUserName(t *testing.T) {
	verifier := staticVerifier{result: identity.VerifyResult{IsValid: true, UserID: 77}}
	srv := newTestServer(t, testConfig(), Deps{Verifier: verifier})
	sess, p := connect(t, srv)

	p.send(t, protocol.NewMessage(protocol.MsgLoginToken).Set(protocol.KeyToken, protocol.String("t")))
	resp := p.expectResponse(t, protocol.MsgLoginToken)
	require.Equal(t, protocol.StatusSuccess, protocol.StatusOf(resp))
	assert.Equal(t, "user77", sess.Identity().UserName)

	// 身份完整，可以入座
	_, slot := createRoom(t, p, "named", 1)
	assert.Equal(t, 0, slot)
}
