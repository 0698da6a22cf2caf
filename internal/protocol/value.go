package protocol

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// Kind 参数值类型
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindStruct // 嵌套序列化结构体，按需解码
	KindArray
)

var kindNames = [...]string{"nil", "bool", "int", "float", "string", "bytes", "struct", "array"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

var (
	ErrKindMismatch = errors.New("value kind mismatch")
	ErrUnknownKind  = errors.New("unknown value kind")
)

// Value 参数值（tagged union），零值为 KindNil
type Value struct {
	kind Kind
	n    int64
	f    float64
	s    string
	raw  []byte // KindBytes 与 KindStruct
	arr  []Value
}

// Params 参数表
type Params map[string]Value

// Nil 空值
func Nil() Value { return Value{} }

// Bool 布尔值
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.n = 1
	}
	return v
}

// Int 整数值
func Int(n int64) Value { return Value{kind: KindInt, n: n} }

// Float 浮点值
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String 字符串值
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes 二进制值
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// Array 数组值
func Array(items ...Value) Value { return Value{kind: KindArray, arr: items} }

// StructValue 将结构体编码为嵌套序列化形式
func StructValue(v any) (Value, error) {
	raw, err := Encode(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode struct value: %w", err)
	}
	return Value{kind: KindStruct, raw: raw}, nil
}

// MustStruct 同 StructValue，编码失败时 panic（仅用于已知可编码的内部类型）
func MustStruct(v any) Value {
	val, err := StructValue(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Kind 返回值类型
func (v Value) Kind() Kind { return v.kind }

// IsNil 是否为空值
func (v Value) IsNil() bool { return v.kind == KindNil }

// AsBool 读取布尔值
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.n != 0, true
}

// AsInt64 读取整数，整值浮点数可转换
func (v Value) AsInt64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.n, true
	case KindFloat:
		// float64(MaxInt64) 即 2^63，必须严格小于
		if v.f == math.Trunc(v.f) && v.f >= math.MinInt64 && v.f < math.MaxInt64 {
			return int64(v.f), true
		}
	}
	return 0, false
}

// AsInt32 读取 int32，越界返回 false
func (v Value) AsInt32() (int32, bool) {
	n, ok := v.AsInt64()
	if !ok || n < math.MinInt32 || n > math.MaxInt32 {
		return 0, false
	}
	return int32(n), true
}

// AsFloat64 读取浮点数，整数可转换
func (v Value) AsFloat64() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.n), true
	}
	return 0, false
}

// AsString 读取字符串
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// AsBytes 读取二进制
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.raw, true
}

// AsArray 读取数组
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// DecodeStruct 解码嵌套结构体，仅在调用方需要时执行
func (v Value) DecodeStruct(out any) error {
	if v.kind != KindStruct {
		return fmt.Errorf("%w: want struct, got %s", ErrKindMismatch, v.kind)
	}
	return Decode(v.raw, out)
}

// Equal 深比较（测试与去重使用）
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindBool, KindInt:
		return v.n == o.n
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindBytes, KindStruct:
		return string(v.raw) == string(o.raw)
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// 线上格式：每个值编码为 [kind, payload] 两元素数组

// EncodeMsgpack 实现 msgpack.CustomEncoder
func (v Value) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint8(uint8(v.kind)); err != nil {
		return err
	}

	switch v.kind {
	case KindNil:
		return enc.EncodeNil()
	case KindBool:
		return enc.EncodeBool(v.n != 0)
	case KindInt:
		return enc.EncodeInt(v.n)
	case KindFloat:
		return enc.EncodeFloat64(v.f)
	case KindString:
		return enc.EncodeString(v.s)
	case KindBytes, KindStruct:
		return enc.EncodeBytes(v.raw)
	case KindArray:
		if err := enc.EncodeArrayLen(len(v.arr)); err != nil {
			return err
		}
		for i := range v.arr {
			if err := v.arr[i].EncodeMsgpack(enc); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, v.kind)
	}
}

// DecodeMsgpack 实现 msgpack.CustomDecoder
func (v *Value) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n != 2 {
		return fmt.Errorf("value envelope has %d elements", n)
	}

	k, err := dec.DecodeUint8()
	if err != nil {
		return err
	}

	*v = Value{kind: Kind(k)}
	switch v.kind {
	case KindNil:
		return dec.DecodeNil()
	case KindBool:
		b, err := dec.DecodeBool()
		if err != nil {
			return err
		}
		if b {
			v.n = 1
		}
	case KindInt:
		v.n, err = dec.DecodeInt64()
	case KindFloat:
		v.f, err = dec.DecodeFloat64()
	case KindString:
		v.s, err = dec.DecodeString()
	case KindBytes, KindStruct:
		v.raw, err = dec.DecodeBytes()
	case KindArray:
		var size int
		size, err = dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			var item Value
			if err := item.DecodeMsgpack(dec); err != nil {
				return err
			}
			v.arr = append(v.arr, item)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	return err
}

// sortedKeys 保证编码结果确定
func (p Params) sortedKeys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
