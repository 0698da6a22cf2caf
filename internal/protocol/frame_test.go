package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nestedPayload struct {
	Name  string            `msgpack:"name"`
	Score int               `msgpack:"score"`
	Tags  []string          `msgpack:"tags"`
	Extra map[string]string `msgpack:"extra"`
}

func sampleMessage(t *testing.T) *Message {
	t.Helper()
	nested, err := StructValue(&nestedPayload{
		Name:  "alice",
		Score: 42,
		Tags:  []string{"a", "b"},
		Extra: map[string]string{"k": "v"},
	})
	require.NoError(t, err)

	m := NewMessage(MsgCreateRoom)
	m.Timestamp = 1700000000123
	m.Set("nil", Nil()).
		Set("bool", Bool(true)).
		Set("int", Int(-77)).
		Set("big", Int(1<<40)).
		Set("float", Float(3.25)).
		Set("str", String("房间")).
		Set("bytes", Bytes([]byte{0, 1, 2, 0xff})).
		Set("nested", nested).
		Set("arr", Array(Int(1), String("two"), Array(Bool(false))))
	return m
}

func TestMessageRoundTrip(t *testing.T) {
	m := sampleMessage(t)

	data, err := EncodeMessage(m)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(data)), binary.BigEndian.Uint32(data[0:4]))
	assert.Equal(t, uint16(len(m.Params)), binary.BigEndian.Uint16(data[16:18]))

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, m.Type(), got.Type())
	assert.Equal(t, m.Timestamp, got.Timestamp)
	require.Len(t, got.Params, len(m.Params))
	for k, v := range m.Params {
		assert.Truef(t, v.Equal(got.Params[k]), "param %s", k)
	}

	var p nestedPayload
	require.True(t, got.GetStruct("nested", &p))
	assert.Equal(t, "alice", p.Name)
	assert.Equal(t, 42, p.Score)
	assert.Equal(t, []string{"a", "b"}, p.Tags)
	assert.Equal(t, "v", p.Extra["k"])
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := sampleMessage(t)
	a, err := EncodeMessage(m)
	require.NoError(t, err)
	b, err := EncodeMessage(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEmptyMessage(t *testing.T) {
	m := NewMessage(MsgHeartbeat)
	data, err := EncodeMessage(m)
	require.NoError(t, err)

	got, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, MsgHeartbeat, got.Type())
	assert.Empty(t, got.Params)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	good, err := EncodeMessage(sampleMessage(t))
	require.NoError(t, err)

	withSize := func(b []byte, size uint32) []byte {
		c := append([]byte(nil), b...)
		binary.BigEndian.PutUint32(c[0:4], size)
		return c
	}
	withCount := func(b []byte, n uint16) []byte {
		c := append([]byte(nil), b...)
		binary.BigEndian.PutUint16(c[16:18], n)
		return c
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short header", good[:HeaderSize-1]},
		{"truncated body", good[:len(good)-3]},
		{"declared larger", withSize(good, uint32(len(good)+10))},
		{"declared smaller", withSize(good, uint32(len(good)-1))},
		{"trailing bytes", withSize(append(append([]byte(nil), good...), 0xc0), uint32(len(good)+1))},
		{"param count mismatch", withCount(good, 3)},
		{"garbage params", withSize(append(append([]byte(nil), good[:HeaderSize]...), 0xc1, 0xc1), HeaderSize+2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := DecodeMessage(tt.buf)
				assert.ErrorIs(t, err, ErrMalformedFrame)
			})
		})
	}
}

func TestDecodeTruncatedNeverPanics(t *testing.T) {
	good, err := EncodeMessage(sampleMessage(t))
	require.NoError(t, err)

	for n := 0; n < len(good); n++ {
		_, err := DecodeMessage(good[:n])
		assert.ErrorIsf(t, err, ErrMalformedFrame, "prefix %d", n)
	}
}

// oneByteReader 每次只返回一个字节，模拟分片到达
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReadFrameShortReads(t *testing.T) {
	a, err := EncodeMessage(sampleMessage(t))
	require.NoError(t, err)
	b, err := EncodeMessage(NewMessage(MsgHeartbeat))
	require.NoError(t, err)

	r := oneByteReader{bytes.NewReader(append(append([]byte(nil), a...), b...))}

	f1, err := ReadFrame(r, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, a, f1)

	f2, err := ReadFrame(r, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, b, f2)

	_, err = ReadFrame(r, 1<<20)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameBounds(t *testing.T) {
	sized := func(n int32) []byte {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(n))
		return b
	}

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"below header", sized(HeaderSize - 1), ErrMalformedFrame},
		{"negative", sized(-5), ErrMalformedFrame},
		{"over max", sized(1025), ErrFrameTooLarge},
		{"truncated body", append(sized(HeaderSize+4), make([]byte, 6)...), io.ErrUnexpectedEOF},
		{"partial size", []byte{0, 0}, io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input), 1024)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTypedGettersZeroOnMiss(t *testing.T) {
	m := NewMessage(MsgJoinRoom).
		Set(KeyRoomID, String("7")).
		Set(KeySlot, Int(1)).
		Set("huge", Int(1<<40)).
		Set("whole", Float(12))

	assert.Equal(t, "7", m.GetString(KeyRoomID))
	assert.Equal(t, int32(1), m.GetInt32(KeySlot))
	assert.Equal(t, int32(12), m.GetInt32("whole"))

	assert.Equal(t, int64(0), m.GetInt64(KeyRoomID), "string is not an int")
	assert.Equal(t, int32(0), m.GetInt32("huge"), "out of int32 range")
	assert.Equal(t, "", m.GetString("missing"))
	assert.False(t, m.GetBool(KeySlot))
	assert.Nil(t, m.GetBytes(KeyRoomID))
	assert.Nil(t, m.GetArray("missing"))

	var info RoomInfo
	assert.False(t, m.GetStruct(KeyRoomID, &info))
	assert.Equal(t, RoomInfo{}, info)
}

func TestAsInt64FloatBounds(t *testing.T) {
	tests := []struct {
		name string
		f    float64
		want int64
		ok   bool
	}{
		{name: "whole", f: 12, want: 12, ok: true},
		{name: "fraction", f: 1.5},
		{name: "min int64", f: math.MinInt64, want: math.MinInt64, ok: true},
		{name: "largest below 2^63", f: math.Nextafter(math.Exp2(63), 0), want: int64(math.Nextafter(math.Exp2(63), 0)), ok: true},
		{name: "2^63", f: math.Exp2(63)},
		{name: "above range", f: 1e19},
		{name: "nan", f: math.NaN()},
		{name: "inf", f: math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Float(tt.f).AsInt64()
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUserEventsCarryOccupancy(t *testing.T) {
	joined := NewUserJoined("3", SeatInfo{Slot: 1, UserID: 8, UserName: "z"}, 2)
	left := NewUserLeft("3", 1, 8, 1)

	for _, tc := range []struct {
		msg  *Message
		want int64
	}{{joined, 2}, {left, 1}} {
		data, err := EncodeMessage(tc.msg)
		require.NoError(t, err)
		got, err := DecodeMessage(data)
		require.NoError(t, err)
		require.True(t, got.Has(KeyOccupancy), MsgTypeName(got.Type()))
		assert.Equal(t, tc.want, got.GetInt64(KeyOccupancy))
		assert.Equal(t, "3", got.GetString(KeyRoomID))
	}
}

func TestRoomListPayload(t *testing.T) {
	rooms := []RoomInfo{
		{RoomID: "1", Name: "a", MapID: 3, State: "open", Occupancy: 1, Capacity: 2},
		{RoomID: "2", Name: "b", State: "full", Occupancy: 2, Capacity: 2,
			Seats: []SeatInfo{{Slot: 0, UserID: 9, UserName: "x", IsReady: true}}},
	}

	data, err := EncodeMessage(NewRoomList(2, 11, rooms))
	require.NoError(t, err)
	got, err := DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, MsgLobbyRoomList, got.Type())
	assert.Equal(t, int64(2), got.GetInt64(KeyPage))
	assert.Equal(t, int64(11), got.GetInt64(KeyTotal))
	assert.Equal(t, rooms, RoomsOf(got))
}

func TestResponseStatus(t *testing.T) {
	resp := NewResponse(MsgJoinRoom, StatusSeatOccupied)
	assert.Equal(t, int64(MsgJoinRoom), resp.GetInt64(KeyProtoID))
	assert.Equal(t, StatusSeatOccupied, StatusOf(resp))
	assert.Equal(t, "seat_occupied", resp.GetString(KeyMessage))

	assert.Equal(t, StatusInternalError, StatusOf(NewMessage(MsgResponse)))
}
