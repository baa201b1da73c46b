package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Kind is the scalar kind byte leading SET and RTA payloads.
type Kind uint8

// Wire value kinds. KindNull never appears on the wire; it is the
// decoded form of an empty payload, used when the server answers a GET
// or SUB for a tag that has never been set.
const (
	KindInt64   Kind = 0
	KindFloat64 Kind = 1
	KindText    Kind = 2
	KindBytes   Kind = 3
	KindJSON    Kind = 4
	KindNull    Kind = 0xff
)

func (k Kind) String() string {
	switch k {
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	case KindNull:
		return "null"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is the tagged union carried by SET and RTA messages. Exactly
// the field selected by Kind is meaningful. JSON holds the decoded form
// of a mapping or sequence (map[string]interface{} or []interface{}).
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Text  string
	Bytes []byte
	JSON  interface{}
}

// Null is the empty value of a never-set tag.
var Null = Value{Kind: KindNull}

// Int returns an int64 Value.
func Int(v int64) Value { return Value{Kind: KindInt64, Int: v} }

// Float returns a float64 Value.
func Float(v float64) Value { return Value{Kind: KindFloat64, Float: v} }

// Text returns a text Value.
func Text(v string) Value { return Value{Kind: KindText, Text: v} }

// Bytes returns a raw bytes Value. The slice is not copied.
func Bytes(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }

// JSONValue returns a mapping/sequence Value.
func JSONValue(v interface{}) Value { return Value{Kind: KindJSON, JSON: v} }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// AppendValue appends the wire encoding of v to dst. The null value
// encodes to nothing at all.
func AppendValue(dst []byte, v Value) ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return dst, nil
	case KindInt64:
		dst = append(dst, uint8(KindInt64))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int))
		return append(dst, b[:]...), nil
	case KindFloat64:
		dst = append(dst, uint8(KindFloat64))
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float))
		return append(dst, b[:]...), nil
	case KindText:
		dst = append(dst, uint8(KindText))
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(v.Text)))
		dst = append(dst, b[:]...)
		return append(dst, v.Text...), nil
	case KindBytes:
		dst = append(dst, uint8(KindBytes))
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(v.Bytes)))
		dst = append(dst, b[:]...)
		return append(dst, v.Bytes...), nil
	case KindJSON:
		enc, err := json.Marshal(v.JSON)
		if err != nil {
			return dst, err
		}
		dst = append(dst, uint8(KindJSON))
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(len(enc)))
		dst = append(dst, b[:]...)
		return append(dst, enc...), nil
	}
	return dst, ErrBadKind
}

// ParseValue decodes a SET or RTA payload. An empty payload is the null
// value. Trailing bytes beyond the declared length are rejected.
func ParseValue(p []byte) (Value, error) {
	if len(p) == 0 {
		return Null, nil
	}
	kind := Kind(p[0])
	body := p[1:]
	switch kind {
	case KindInt64:
		if len(body) != 8 {
			return Null, ErrShortValue
		}
		return Int(int64(binary.BigEndian.Uint64(body))), nil
	case KindFloat64:
		if len(body) != 8 {
			return Null, ErrShortValue
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(body))), nil
	case KindText, KindBytes, KindJSON:
		if len(body) < 4 {
			return Null, ErrShortValue
		}
		n := binary.BigEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) != n {
			return Null, ErrShortValue
		}
		switch kind {
		case KindText:
			return Text(string(body)), nil
		case KindBytes:
			b := make([]byte, len(body))
			copy(b, body)
			return Bytes(b), nil
		default:
			var v interface{}
			if err := json.Unmarshal(body, &v); err != nil {
				return Null, err
			}
			return JSONValue(v), nil
		}
	}
	return Null, ErrBadKind
}

// RTAIDKey is the field carrying the requester cookie in JSON-shaped
// RTA requests and responses.
const RTAIDKey = "__rta_id__"

// BinaryCookie reads the leading 2-byte requester cookie from a binary
// RTA response body. A missing or zero cookie means broadcast.
func BinaryCookie(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(b[:2])
}

// PrependCookie returns body with a 2-byte requester cookie prefix, the
// binary RTA response convention.
func PrependCookie(cookie uint16, body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out[:2], cookie)
	copy(out[2:], body)
	return out
}

// JSONCookie reads the requester cookie from a mapping Value. It
// returns 0 (broadcast) when the value is not a mapping or carries no
// cookie.
func JSONCookie(v Value) uint16 {
	m, ok := v.JSON.(map[string]interface{})
	if !ok {
		return 0
	}
	switch id := m[RTAIDKey].(type) {
	case float64:
		return uint16(id)
	case int:
		return uint16(id)
	}
	return 0
}

// SetJSONCookie stores the requester cookie in a mapping Value, the
// JSON RTA convention. Non-mapping values are returned unchanged.
func SetJSONCookie(v Value, cookie uint16) Value {
	m, ok := v.JSON.(map[string]interface{})
	if !ok {
		return v
	}
	out := make(map[string]interface{}, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	out[RTAIDKey] = float64(cookie)
	return JSONValue(out)
}
