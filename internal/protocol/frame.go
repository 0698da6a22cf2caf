package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

/*
TCP 消息帧格式（大端）：
+-----------+----------+-----------+------------+--------------------+
| TotalSize |  MsgType | Timestamp | ParamCount |       Params       |
|  4 bytes  |  4 bytes |  8 bytes  |  2 bytes   |  变长 (msgpack map) |
+-----------+----------+-----------+------------+--------------------+
TotalSize 包含自身在内的整帧长度
*/

const (
	HeaderSize      = 18 // 4 + 4 + 8 + 2
	DefaultMaxFrame = 64 << 10
	MaxParams       = math.MaxUint16
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// EncodeMessage 编码整帧
func EncodeMessage(m *Message) ([]byte, error) {
	if len(m.Params) > MaxParams {
		return nil, fmt.Errorf("too many params: %d", len(m.Params))
	}

	params, err := encodeParams(m.Params)
	if err != nil {
		return nil, err
	}

	total := HeaderSize + len(params)
	if total > math.MaxInt32 {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total))
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.msgType))
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.Timestamp))
	binary.BigEndian.PutUint16(buf[16:18], uint16(len(m.Params)))
	copy(buf[HeaderSize:], params)

	return buf, nil
}

// DecodeMessage 解码整帧，buf 必须恰好是一帧
func DecodeMessage(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrMalformedFrame, len(buf), HeaderSize)
	}

	total := int32(binary.BigEndian.Uint32(buf[0:4]))
	if int(total) != len(buf) {
		return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrMalformedFrame, total, len(buf))
	}

	m := &Message{
		msgType:   int32(binary.BigEndian.Uint32(buf[4:8])),
		Timestamp: int64(binary.BigEndian.Uint64(buf[8:16])),
	}
	count := int(binary.BigEndian.Uint16(buf[16:18]))

	params, err := decodeParams(buf[HeaderSize:], count)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	m.Params = params

	return m, nil
}

// ReadFrame 从 reader 读取一整帧原始字节
// 连接在帧边界处关闭时返回 io.EOF，帧内截断返回 io.ErrUnexpectedEOF
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}

	total := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if total < HeaderSize {
		return nil, fmt.Errorf("%w: declared size %d", ErrMalformedFrame, total)
	}
	if maxSize > 0 && int(total) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, maxSize)
	}

	buf := make([]byte, total)
	copy(buf, sizeBuf[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteMessage 编码并写入一帧
func WriteMessage(w io.Writer, m *Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
