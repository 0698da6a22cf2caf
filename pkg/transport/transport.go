// Package transport 提供传输层抽象，TCP 为主，WebSocket 作为浏览器接入
package transport

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// ErrClosed Accept 在传输层关闭后返回
var ErrClosed = errors.New("transport closed")

// Transport 传输层接口
type Transport interface {
	// Listen 监听指定地址
	Listen(addr string) error
	// Accept 接受新连接，关闭后返回 ErrClosed
	Accept() (Conn, error)
	// Addr 返回实际监听地址
	Addr() net.Addr
	// Close 关闭传输层
	Close() error
}

// Conn 连接接口，Read 语义为字节流
type Conn interface {
	io.ReadWriteCloser
	// RemoteAddr 返回远程地址
	RemoteAddr() string
	// SetWriteDeadline 设置写超时
	SetWriteDeadline(t time.Time) error
}

// TCPTransport TCP 传输层实现
type TCPTransport struct {
	ln net.Listener
}

// NewTCPTransport 创建 TCP 传输层
func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Listen 监听地址
func (t *TCPTransport) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.ln = ln
	return nil
}

// Accept 接受新连接
func (t *TCPTransport) Accept() (Conn, error) {
	c, err := t.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return WrapNetConn(c), nil
}

// Addr 返回监听地址
func (t *TCPTransport) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Close 关闭监听
func (t *TCPTransport) Close() error {
	if t.ln == nil {
		return nil
	}
	return t.ln.Close()
}

// netConn 将 net.Conn 适配为 Conn
type netConn struct {
	net.Conn
}

// WrapNetConn 包装任意 net.Conn（测试中可传入 net.Pipe 的一端）
func WrapNetConn(c net.Conn) Conn {
	return &netConn{Conn: c}
}

// RemoteAddr 返回远程地址
func (c *netConn) RemoteAddr() string {
	if addr := c.Conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Dial 按地址前缀选择传输：ws:// 与 wss:// 走 WebSocket，其余为 TCP host:port
func Dial(addr string, timeout time.Duration) (Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return DialWebSocket(addr, timeout)
	}
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return WrapNetConn(c), nil
}
