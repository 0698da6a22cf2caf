package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport WebSocket 传输层实现，每条二进制消息承载一个或多个完整帧
type WebSocketTransport struct {
	path      string
	upgrader  websocket.Upgrader
	server    *http.Server
	ln        net.Listener
	connCh    chan *WebSocketConn
	doneCh    chan struct{}
	closeOnce sync.Once
}

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	Path             string
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
}

// NewWebSocketTransport 创建 WebSocket 传输层
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	return &WebSocketTransport{
		path: path,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   cfg.ReadBufferSize,
			WriteBufferSize:  cfg.WriteBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true // 生产环境应检查 Origin
			},
		},
		connCh: make(chan *WebSocketConn, 128),
		doneCh: make(chan struct{}),
	}
}

// Listen 监听地址
func (t *WebSocketTransport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc(t.path, t.handleWebSocket)

	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go t.server.Serve(ln)
	return nil
}

func (t *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wsConn := &WebSocketConn{
		conn:       conn,
		remoteAddr: r.RemoteAddr,
	}

	select {
	case t.connCh <- wsConn:
	case <-t.doneCh:
		conn.Close()
	}
}

// Accept 接受新连接
func (t *WebSocketTransport) Accept() (Conn, error) {
	select {
	case conn := <-t.connCh:
		return conn, nil
	case <-t.doneCh:
		return nil, ErrClosed
	}
}

// Addr 返回监听地址
func (t *WebSocketTransport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Close 关闭传输层
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.doneCh)
		if t.server != nil {
			err = t.server.Close()
		}
	})
	return err
}

// WebSocketConn WebSocket 连接实现
type WebSocketConn struct {
	conn       *websocket.Conn
	remoteAddr string
	reader     io.Reader // 当前未读完的消息
	writeMu    sync.Mutex
}

// Read 以字节流语义读取，跨消息边界拼接
func (c *WebSocketConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			mt, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write 写入一条二进制消息
func (c *WebSocketConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close 关闭连接
func (c *WebSocketConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr 返回远程地址
func (c *WebSocketConn) RemoteAddr() string {
	return c.remoteAddr
}

// SetWriteDeadline 设置写超时
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// DialWebSocket 客户端拨号，url 形如 ws://host:port/ws
func DialWebSocket(url string, timeout time.Duration) (*WebSocketConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &WebSocketConn{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
	}, nil
}
