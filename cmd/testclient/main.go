// Package main 提供大厅服务测试客户端
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/transport"
)

// 配置
var (
	serverAddr = flag.String("addr", "localhost:7777", "Lobby address (host:port or ws://host:port/ws)")
	mode       = flag.String("mode", "play", "play | interactive | load")
	userName   = flag.String("user", "", "User name (empty for guest auto-register)")
	password   = flag.String("password", "", "Password")
	token      = flag.String("token", "", "Login token (overrides user/password)")
	roomID     = flag.String("room", "", "Room ID to join (empty for auto-match)")
	mapID      = flag.Int("map", 1, "Map ID when creating a room")
	heartbeat  = flag.Duration("heartbeat", 20*time.Second, "Heartbeat interval")
	timeout    = flag.Duration("timeout", 5*time.Second, "Dial and response timeout")
	verbose    = flag.Bool("v", false, "Verbose output")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	switch *mode {
	case "play":
		mainPlay()
	case "interactive":
		mainInteractive()
	case "load":
		mainLoadTest()
	default:
		log.Fatalf("Unknown mode: %s", *mode)
	}
}

var errConnClosed = errors.New("connection closed")

// client 一条到大厅的连接；响应按 proto_id 匹配，其余消息作为推送交给 onPush
type client struct {
	conn   transport.Conn
	onPush func(*protocol.Message)

	mu      sync.Mutex
	waiters map[int32]chan *protocol.Message
	done    chan struct{}
}

func dial(addr string, onPush func(*protocol.Message)) (*client, error) {
	conn, err := transport.Dial(addr, *timeout)
	if err != nil {
		return nil, err
	}
	c := &client{
		conn:    conn,
		onPush:  onPush,
		waiters: make(map[int32]chan *protocol.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *client) readLoop() {
	defer close(c.done)
	for {
		buf, err := protocol.ReadFrame(c.conn, protocol.DefaultMaxFrame)
		if err != nil {
			if *verbose {
				log.Printf("Receive error: %v", err)
			}
			return
		}
		msg, err := protocol.DecodeMessage(buf)
		if err != nil {
			log.Printf("Decode error: %v", err)
			continue
		}

		if msg.Type() == protocol.MsgResponse {
			protoID := msg.GetInt32(protocol.KeyProtoID)
			c.mu.Lock()
			ch, ok := c.waiters[protoID]
			delete(c.waiters, protoID)
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}
		if c.onPush != nil {
			c.onPush(msg)
		}
	}
}

func (c *client) send(msg *protocol.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(*timeout))
	return protocol.WriteMessage(c.conn, msg)
}

// request 发送并等待对应的通用响应
func (c *client) request(msg *protocol.Message) (*protocol.Message, error) {
	ch := make(chan *protocol.Message, 1)
	c.mu.Lock()
	c.waiters[msg.Type()] = ch
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if code := protocol.StatusOf(resp); code != protocol.StatusSuccess {
			return resp, fmt.Errorf("%s failed: %d %s", protocol.MsgTypeName(msg.Type()), code, resp.GetString(protocol.KeyMessage))
		}
		return resp, nil
	case <-c.done:
		return nil, errConnClosed
	case <-time.After(*timeout):
		return nil, fmt.Errorf("%s: timed out", protocol.MsgTypeName(msg.Type()))
	}
}

func (c *client) close() {
	c.conn.Close()
}

// login 依次尝试 token、账号密码、游客注册
func (c *client) login(user, pass, tok string) (int64, string, error) {
	var msg *protocol.Message
	switch {
	case tok != "":
		msg = protocol.NewMessage(protocol.MsgLoginToken).Set(protocol.KeyToken, protocol.String(tok))
	case user != "":
		msg = protocol.NewMessage(protocol.MsgLoginPassword).
			Set(protocol.KeyUserName, protocol.String(user)).
			Set(protocol.KeyPassword, protocol.String(pass))
	default:
		msg = protocol.NewMessage(protocol.MsgAutoRegister)
	}

	resp, err := c.request(msg)
	if err != nil {
		return 0, "", err
	}
	return resp.GetInt64(protocol.KeyUserID), resp.GetString(protocol.KeyUserName), nil
}

// joinOrCreate 进入指定房间或自动匹配，没有可用房间时创建
func (c *client) joinOrCreate(room string, mapID int32) (protocol.RoomInfo, int, error) {
	join := protocol.NewMessage(protocol.MsgJoinRoom)
	if room != "" {
		join.Set(protocol.KeyRoomID, protocol.String(room))
	}

	resp, err := c.request(join)
	if err != nil && room == "" && resp != nil && protocol.StatusOf(resp) == protocol.StatusRoomNotFound {
		resp, err = c.request(protocol.NewMessage(protocol.MsgCreateRoom).
			Set(protocol.KeyMapID, protocol.Int(int64(mapID))))
	}
	if err != nil {
		return protocol.RoomInfo{}, 0, err
	}

	var info protocol.RoomInfo
	resp.GetStruct(protocol.KeyRoom, &info)
	return info, int(resp.GetInt64(protocol.KeySlot)), nil
}

func (c *client) setReady(ready bool) error {
	_, err := c.request(protocol.NewMessage(protocol.MsgSetReady).Set(protocol.KeyIsReady, protocol.Bool(ready)))
	return err
}

// heartbeatLoop 心跳循环
func (c *client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(protocol.NewMessage(protocol.MsgHeartbeat)); err != nil {
				log.Printf("Failed to send heartbeat: %v", err)
				return
			}
		}
	}
}

// mainPlay 登录、入座、准备，等待对局就绪
func mainPlay() {
	log.Printf("Starting test client...")
	log.Printf("  Server: %s", *serverAddr)

	matched := make(chan protocol.RoomInfo, 1)
	c, err := dial(*serverAddr, func(msg *protocol.Message) {
		printMessage("RECV", msg)
		if msg.Type() == protocol.MsgMatchReady {
			var info protocol.RoomInfo
			msg.GetStruct(protocol.KeyRoom, &info)
			select {
			case matched <- info:
			default:
			}
		}
	})
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.close()
	log.Printf("Connected to server")

	uid, name, err := c.login(*userName, *password, *token)
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	log.Printf("Logged in: user_id=%d user_name=%s", uid, name)

	info, slot, err := c.joinOrCreate(*roomID, int32(*mapID))
	if err != nil {
		log.Fatalf("Join room failed: %v", err)
	}
	log.Printf("Seated: room=%s name=%q slot=%d occupancy=%d/%d", info.RoomID, info.Name, slot, info.Occupancy, info.Capacity)

	if err := c.setReady(true); err != nil {
		log.Fatalf("Set ready failed: %v", err)
	}

	go c.heartbeatLoop(*heartbeat)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("Ready. Waiting for opponent, press Ctrl+C to exit.")
	select {
	case info := <-matched:
		log.Printf("Match ready: room=%s map=%d players=%d", info.RoomID, info.MapID, len(info.Seats))
	case sig := <-sigCh:
		log.Printf("Received signal: %v, leaving room...", sig)
		if _, err := c.request(protocol.NewMessage(protocol.MsgLeaveRoom)); err != nil {
			log.Printf("Leave room: %v", err)
		}
	case <-c.done:
		log.Printf("Connection closed by server")
	}
}

// printMessage 打印消息及参数
func printMessage(direction string, msg *protocol.Message) {
	log.Printf("[%s] %s params=%d", direction, msg, len(msg.Params))
	if !*verbose && direction == "SEND" {
		return
	}
	switch msg.Type() {
	case protocol.MsgLobbyRoomList:
		for _, r := range protocol.RoomsOf(msg) {
			log.Printf("  room=%s name=%q map=%d state=%s %d/%d", r.RoomID, r.Name, r.MapID, r.State, r.Occupancy, r.Capacity)
		}
		return
	case protocol.MsgRoomInfoChanged, protocol.MsgMatchReady:
		var info protocol.RoomInfo
		if msg.GetStruct(protocol.KeyRoom, &info) {
			log.Printf("  room=%s name=%q map=%d state=%s seats=%v", info.RoomID, info.Name, info.MapID, info.State, info.Seats)
		}
		return
	}
	for k, v := range msg.Params {
		log.Printf("  %s: %s", k, describe(v))
	}
}

func describe(v protocol.Value) string {
	if s, ok := v.AsString(); ok {
		return fmt.Sprintf("%q", s)
	}
	if n, ok := v.AsInt64(); ok {
		return fmt.Sprintf("%d", n)
	}
	if b, ok := v.AsBool(); ok {
		return fmt.Sprintf("%t", b)
	}
	return v.Kind().String()
}
