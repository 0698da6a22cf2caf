// Package dispatch 按消息类型分发到处理函数
//
// 处理函数分层存放：会话层始终存在，房间层在入座时压栈、离座时出栈。
// 查找自栈顶向下，先命中者生效。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/gamelobby/internal/protocol"
	"github.com/qiminjie89/gamelobby/pkg/metrics"
)

// ErrUnknownMessageType 无对应处理函数
var ErrUnknownMessageType = errors.New("unknown message type")

// Handler 消息处理函数
type Handler func(ctx context.Context, msg *protocol.Message) error

// HandlerError 处理函数失败（含 panic）
type HandlerError struct {
	MsgType int32
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s: %v", protocol.MsgTypeName(e.MsgType), e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

type scope struct {
	name     string
	handlers map[int32]Handler
}

// Table 分层分发表
type Table struct {
	mu     sync.RWMutex
	base   map[int32]Handler
	scopes []scope
	logger *zap.Logger
}

// New 创建分发表，logger 为 nil 时不输出日志
func New(logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		base:   make(map[int32]Handler),
		logger: logger,
	}
}

// Register 注册会话层处理函数，已存在时覆盖并告警
func (t *Table) Register(msgType int32, h Handler) {
	t.mu.Lock()
	_, exists := t.base[msgType]
	t.base[msgType] = h
	t.mu.Unlock()

	if exists {
		t.logger.Warn("handler overwritten",
			zap.String("msg_type", protocol.MsgTypeName(msgType)),
			zap.Int32("type", msgType),
		)
	}
}

// Unregister 移除会话层处理函数
func (t *Table) Unregister(msgType int32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.base[msgType]; !ok {
		return false
	}
	delete(t.base, msgType)
	return true
}

// Push 压入一层处理函数，同名层已存在时先移除
func (t *Table) Push(name string, handlers map[int32]Handler) {
	layer := make(map[int32]Handler, len(handlers))
	for k, h := range handlers {
		layer[k] = h
	}

	t.mu.Lock()
	t.removeLocked(name)
	t.scopes = append(t.scopes, scope{name: name, handlers: layer})
	t.mu.Unlock()
}

// Pop 移除指定名称的层，不要求位于栈顶
func (t *Table) Pop(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(name)
}

func (t *Table) removeLocked(name string) bool {
	for i := len(t.scopes) - 1; i >= 0; i-- {
		if t.scopes[i].name == name {
			t.scopes = append(t.scopes[:i], t.scopes[i+1:]...)
			return true
		}
	}
	return false
}

// Scopes 当前的层名称，自底向上
func (t *Table) Scopes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, len(t.scopes))
	for i, s := range t.scopes {
		names[i] = s.name
	}
	return names
}

// Lookup 自栈顶向下查找
func (t *Table) Lookup(msgType int32) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.scopes) - 1; i >= 0; i-- {
		if h, ok := t.scopes[i].handlers[msgType]; ok {
			return h, true
		}
	}
	h, ok := t.base[msgType]
	return h, ok
}

// Dispatch 执行处理函数
// 未知类型返回 ErrUnknownMessageType；处理失败或 panic 返回 *HandlerError，均已记录日志
func (t *Table) Dispatch(ctx context.Context, msg *protocol.Message) (err error) {
	name := protocol.MsgTypeName(msg.Type())

	h, ok := t.Lookup(msg.Type())
	if !ok {
		t.logger.Debug("no handler for message",
			zap.String("msg_type", name),
			zap.Int32("type", msg.Type()),
		)
		return ErrUnknownMessageType
	}

	start := time.Now()
	defer func() {
		metrics.LobbyHandlerDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if rec := recover(); rec != nil {
			err = &HandlerError{MsgType: msg.Type(), Err: fmt.Errorf("panic: %v", rec)}
			t.logger.Error("handler panicked",
				zap.String("msg_type", name),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		if err != nil && !errors.Is(err, ErrUnknownMessageType) {
			metrics.LobbyHandlerErrors.WithLabelValues(name).Inc()
		}
	}()

	if herr := h(ctx, msg); herr != nil {
		t.logger.Warn("handler failed",
			zap.String("msg_type", name),
			zap.Error(herr),
		)
		return &HandlerError{MsgType: msg.Type(), Err: herr}
	}
	return nil
}
