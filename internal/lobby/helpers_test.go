package lobby

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/qiminjie89/gamelobby/internal/identity"
	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/config"
	"github.com/qiminjie89/gamelobby/pkg/transport"
)

const waitTimeout = 2 * time.Second

// peer 测试侧的连接端，后台持续读取服务端下发的消息
// expect 未匹配的消息留在 backlog 中，按到达顺序供后续 expect 使用
type peer struct {
	conn    net.Conn
	msgs    chan *protocol.Message
	eof     chan struct{}
	backlog []*protocol.Message
}

func newPeer(t *testing.T, conn net.Conn) *peer {
	t.Helper()
	p := &peer{
		conn: conn,
		msgs: make(chan *protocol.Message, 128),
		eof:  make(chan struct{}),
	}
	go func() {
		defer close(p.eof)
		for {
			buf, err := protocol.ReadFrame(conn, 1<<20)
			if err != nil {
				return
			}
			msg, err := protocol.DecodeMessage(buf)
			if err != nil {
				continue
			}
			p.msgs <- msg
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return p
}

func (p *peer) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	data, err := protocol.EncodeMessage(msg)
	require.NoError(t, err)
	p.conn.SetWriteDeadline(time.Now().Add(waitTimeout))
	_, err = p.conn.Write(data)
	require.NoError(t, err)
}

// await 返回第一条满足 match 的消息
func (p *peer) await(t *testing.T, what string, match func(*protocol.Message) bool) *protocol.Message {
	t.Helper()
	for i, m := range p.backlog {
		if match(m) {
			p.backlog = append(p.backlog[:i], p.backlog[i+1:]...)
			return m
		}
	}

	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-p.msgs:
			if match(m) {
				return m
			}
			p.backlog = append(p.backlog, m)
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

// expect 等待指定类型的消息
func (p *peer) expect(t *testing.T, msgType int32) *protocol.Message {
	t.Helper()
	return p.await(t, protocol.MsgTypeName(msgType), func(m *protocol.Message) bool {
		return m.Type() == msgType
	})
}

// expectResponse 等待对 protoID 的通用响应
func (p *peer) expectResponse(t *testing.T, protoID int32) *protocol.Message {
	t.Helper()
	return p.await(t, "response to "+protocol.MsgTypeName(protoID), func(m *protocol.Message) bool {
		return m.Type() == protocol.MsgResponse && m.GetInt32(protocol.KeyProtoID) == protoID
	})
}

// expectJoined 等待指定用户的入座通知
func (p *peer) expectJoined(t *testing.T, userID int64) (*protocol.Message, protocol.SeatInfo) {
	t.Helper()
	var seat protocol.SeatInfo
	m := p.await(t, "user_joined", func(m *protocol.Message) bool {
		var s protocol.SeatInfo
		if m.Type() != protocol.MsgUserJoined || !m.GetStruct(protocol.KeySeat, &s) || s.UserID != userID {
			return false
		}
		seat = s
		return true
	})
	return m, seat
}

// expectNone 在 d 内没有满足 match 的消息
func (p *peer) expectNone(t *testing.T, d time.Duration, match func(*protocol.Message) bool) {
	t.Helper()
	for _, m := range p.backlog {
		require.False(t, match(m), "unexpected %s", m)
	}
	deadline := time.After(d)
	for {
		select {
		case m := <-p.msgs:
			require.False(t, match(m), "unexpected %s", m)
			p.backlog = append(p.backlog, m)
		case <-deadline:
			return
		}
	}
}

func (p *peer) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-p.eof:
	case <-time.After(waitTimeout):
		t.Fatal("connection was not closed")
	}
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session was not closed")
	}
}

var nextTestUser atomic.Int64

// seatedSession 已认证、未运行读循环的会话，用于房间级测试
func seatedSession(t *testing.T) (*Session, *peer) {
	t.Helper()
	server, client := net.Pipe()
	sess := NewSession(transport.WrapNetConn(server), SessionConfig{WriteTimeout: time.Second}, nil)
	t.Cleanup(func() { sess.Close("test_done") })

	uid := nextTestUser.Add(1)
	require.True(t, sess.beginAuth())
	require.True(t, sess.completeAuth(&identity.Identity{UserID: uid, UserName: "u"}, ""))
	return sess, newPeer(t, client)
}

func testConfig() *config.LobbyConfig {
	cfg := config.Default()
	cfg.Session.IdleTimeout = time.Minute
	cfg.Session.IdleCheckInterval = time.Second
	cfg.Session.WriteTimeout = time.Second
	cfg.Room.SweepInterval = time.Minute
	return cfg
}

type stubPublisher struct {
	events chan MatchReadyEvent
}

func (p *stubPublisher) PublishMatchReady(_ context.Context, ev MatchReadyEvent) error {
	p.events <- ev
	return nil
}

// newTestServer 未启动监听的服务器，连接通过 connect 注入
func newTestServer(t *testing.T, cfg *config.LobbyConfig, deps Deps) *Server {
	t.Helper()
	if deps.Users == nil {
		deps.Users = identity.NewMemoryStore(identity.WithBcryptCost(bcrypt.MinCost))
	}
	srv := NewServer(cfg, deps)
	t.Cleanup(srv.Stop)
	return srv
}

func connect(t *testing.T, srv *Server) (*Session, *peer) {
	t.Helper()
	server, client := net.Pipe()
	sess := srv.ServeConn(transport.WrapNetConn(server))
	return sess, newPeer(t, client)
}

func loginMsg(user, password string) *protocol.Message {
	return protocol.NewMessage(protocol.MsgLoginPassword).
		Set(protocol.KeyUserName, protocol.String(user)).
		Set(protocol.KeyPassword, protocol.String(password))
}

// login 注册并登录，返回用户 ID
func login(t *testing.T, srv *Server, p *peer, user string) int64 {
	t.Helper()
	_, err := srv.users.RegisterUser(context.Background(), user, "pw-"+user)
	require.NoError(t, err)

	p.send(t, loginMsg(user, "pw-"+user))
	resp := p.expectResponse(t, protocol.MsgLoginPassword)
	require.Equal(t, protocol.StatusSuccess, protocol.StatusOf(resp))
	return resp.GetInt64(protocol.KeyUserID)
}
