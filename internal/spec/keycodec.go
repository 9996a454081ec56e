package spec

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// Key encoding is order preserving: bytes.Compare on two encoded keys gives the
// same answer as comparing the values column by column. Each value is prefixed
// with a null marker so NULL sorts first; strings and bytes are escaped and
// terminated so a shorter value sorts before any extension of it.

const (
	keyNull    byte = 0x00
	keyNotNull byte = 0x01

	escapeByte     byte = 0x00
	escapedZero    byte = 0xFF
	terminatorByte byte = 0x01
)

// EncodeKey encodes values, one per type, into an order-preserving byte string.
func EncodeKey(types []DataType, values []any) []byte {
	buf := make([]byte, 0, 16*len(values))
	for i, v := range values {
		buf = appendKeyValue(buf, types[i], v)
	}
	return buf
}

// EncodeRowKey projects row by indexes and encodes the result.
func EncodeRowKey(types []DataType, indexes []int, row []any) []byte {
	buf := make([]byte, 0, 16*len(indexes))
	for i, idx := range indexes {
		buf = appendKeyValue(buf, types[i], row[idx])
	}
	return buf
}

func appendKeyValue(buf []byte, t DataType, v any) []byte {
	if v == nil {
		return append(buf, keyNull)
	}
	buf = append(buf, keyNotNull)
	switch x := t.Cast(v).(type) {
	case bool:
		if x {
			return append(buf, 1)
		}
		return append(buf, 0)
	case int32:
		return binary.BigEndian.AppendUint32(buf, uint32(x)^(1<<31))
	case int64:
		return binary.BigEndian.AppendUint64(buf, uint64(x)^(1<<63))
	case float64:
		bits := math.Float64bits(x)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64(buf, bits)
	case string:
		return appendEscaped(buf, []byte(x))
	case []byte:
		return appendEscaped(buf, x)
	}
	panic(errors.AssertionFailedf("spec: cannot key-encode %T", v))
}

func appendEscaped(buf, b []byte) []byte {
	for _, c := range b {
		if c == escapeByte {
			buf = append(buf, escapeByte, escapedZero)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, escapeByte, terminatorByte)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(types []DataType, key []byte) ([]any, error) {
	out := make([]any, len(types))
	for i, t := range types {
		if len(key) == 0 {
			return nil, errors.Newf("key truncated at column %d", i)
		}
		marker := key[0]
		key = key[1:]
		if marker == keyNull {
			continue
		}
		if marker != keyNotNull {
			return nil, errors.Newf("bad null marker %#x at column %d", marker, i)
		}
		var (
			v   any
			n   int
			err error
		)
		switch t.Root {
		case TypeBoolean:
			if len(key) < 1 {
				return nil, errors.Newf("key truncated at column %d", i)
			}
			v, n = key[0] == 1, 1
		case TypeInt:
			if len(key) < 4 {
				return nil, errors.Newf("key truncated at column %d", i)
			}
			v, n = int32(binary.BigEndian.Uint32(key)^(1<<31)), 4
		case TypeBigInt:
			if len(key) < 8 {
				return nil, errors.Newf("key truncated at column %d", i)
			}
			v, n = int64(binary.BigEndian.Uint64(key)^(1<<63)), 8
		case TypeDouble:
			if len(key) < 8 {
				return nil, errors.Newf("key truncated at column %d", i)
			}
			bits := binary.BigEndian.Uint64(key)
			if bits&(1<<63) != 0 {
				bits &^= 1 << 63
			} else {
				bits = ^bits
			}
			v, n = math.Float64frombits(bits), 8
		case TypeString, TypeBytes:
			var raw []byte
			raw, n, err = readEscaped(key)
			if err != nil {
				return nil, errors.Wrapf(err, "column %d", i)
			}
			if t.Root == TypeString {
				v = string(raw)
			} else {
				v = raw
			}
		default:
			return nil, errors.Newf("cannot decode key type %s", t)
		}
		out[i] = v
		key = key[n:]
	}
	if len(key) != 0 {
		return nil, errors.Newf("%d trailing key bytes", len(key))
	}
	return out, nil
}

func readEscaped(b []byte) ([]byte, int, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		if b[i] != escapeByte {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, 0, errors.New("unterminated escaped value")
		}
		switch b[i+1] {
		case escapedZero:
			out = append(out, 0)
			i++
		case terminatorByte:
			if out == nil {
				out = []byte{}
			}
			return out, i + 2, nil
		default:
			return nil, 0, errors.Newf("bad escape %#x", b[i+1])
		}
	}
	return nil, 0, errors.New("unterminated escaped value")
}
