package protocol

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encode 使用 msgpack 编码
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode 使用 msgpack 解码
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// encodeParams 按 key 排序编码参数表
func encodeParams(p Params) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.EncodeMapLen(len(p)); err != nil {
		return nil, err
	}
	for _, k := range p.sortedKeys() {
		if err := enc.EncodeString(k); err != nil {
			return nil, err
		}
		if err := p[k].EncodeMsgpack(enc); err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
	}
	return buf.Bytes(), nil
}

// decodeParams 解码参数表，要求条目数与头部一致且无多余字节
func decodeParams(data []byte, count int) (Params, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		n = 0 // nil map
	}
	if n != count {
		return nil, fmt.Errorf("param count %d, header says %d", n, count)
	}

	params := make(Params, n)
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		if _, dup := params[key]; dup {
			return nil, fmt.Errorf("duplicate param %q", key)
		}
		var v Value
		if err := v.DecodeMsgpack(dec); err != nil {
			return nil, fmt.Errorf("param %q: %w", key, err)
		}
		params[key] = v
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after params", r.Len())
	}
	return params, nil
}
