// Package codec implements the self-describing binary encoding for
// truckdb values and the on-disk record framing that wraps them. Grounded
// on And-fish-kvDB's utils/Entry.go and utils/wal.go: a one-byte tag
// followed by type-specific payload, uvarint-free fixed-width lengths (the
// teacher favors compact uvarint headers for its WAL; truckdb spec.md §4.1
// specifies fixed u32 length prefixes instead, so lengths here are
// binary.LittleEndian u32/u64 rather than uvarint).
package codec

import (
	"encoding/binary"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/andfish/truckdb/dberr"
)

// Type tags, fixed per spec.md §4.1.
const (
	TypeNull     byte = 0
	TypeBool     byte = 1
	TypeInt      byte = 2
	TypeDouble   byte = 3
	TypeString   byte = 4
	TypeList     byte = 5
	TypeMap      byte = 6
	TypeDatetime byte = 7
	TypeBytes    byte = 8
	TypeBigInt   byte = 9
)

// Value is a decoded record payload: a mapping from string keys to
// heterogeneous values (encoded in sorted key order; the Go map itself
// keeps no order). Map/list element types mirror the Go types
// produced by Decode:
//
//	nil            -> TypeNull
//	bool           -> TypeBool
//	int64          -> TypeInt
//	float64        -> TypeDouble
//	string         -> TypeString
//	[]byte         -> TypeBytes
//	time.Time      -> TypeDatetime (millisecond precision)
//	*big.Int       -> TypeBigInt
//	[]any          -> TypeList
//	map[string]any -> TypeMap
type Value = map[string]any

// EncodeValue serializes v (any of the Go types documented on Value) with
// a one-byte type tag prefix.
func EncodeValue(buf []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(buf, TypeNull)
	case bool:
		b := byte(0)
		if t {
			b = 1
		}
		return append(buf, TypeBool, b)
	case int:
		return encodeInt(buf, int64(t))
	case int64:
		return encodeInt(buf, t)
	case float64:
		return encodeDouble(buf, t)
	case string:
		return encodeString(buf, TypeString, t)
	case []byte:
		return encodeBytes(buf, t)
	case time.Time:
		return encodeDatetime(buf, t)
	case *big.Int:
		return encodeBigInt(buf, t)
	case []any:
		return encodeList(buf, t)
	case map[string]any:
		return encodeMap(buf, t)
	default:
		panic(dberr.Wrapf(dberr.ErrCodec, "unsupported value type %T", v))
	}
}

func putU32(buf []byte, n uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], n)
	return append(buf, b[:]...)
}

func encodeInt(buf []byte, n int64) []byte {
	buf = append(buf, TypeInt)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return append(buf, b[:]...)
}

func encodeDouble(buf []byte, f float64) []byte {
	buf = append(buf, TypeDouble)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	return append(buf, b[:]...)
}

func encodeString(buf []byte, tag byte, s string) []byte {
	buf = append(buf, tag)
	buf = putU32(buf, uint32(len(s)))
	return append(buf, s...)
}

func encodeBytes(buf []byte, b []byte) []byte {
	buf = append(buf, TypeBytes)
	buf = putU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func encodeDatetime(buf []byte, t time.Time) []byte {
	buf = append(buf, TypeDatetime)
	ms := t.UnixMilli()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(ms))
	return append(buf, b[:]...)
}

func encodeBigInt(buf []byte, n *big.Int) []byte {
	s := n.String()
	return encodeString(buf, TypeBigInt, s)
}

func encodeList(buf []byte, list []any) []byte {
	buf = append(buf, TypeList)
	buf = putU32(buf, uint32(len(list)))
	for _, elem := range list {
		buf = EncodeValue(buf, elem)
	}
	return buf
}

func encodeMap(buf []byte, m map[string]any) []byte {
	buf = append(buf, TypeMap)
	buf = putU32(buf, uint32(len(m)))
	// Deterministic key order keeps encode output stable, which matters
	// for tests and for CRC-stable re-encoding during compaction.
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		buf = encodeString(buf, TypeString, k)
		buf = EncodeValue(buf, m[k])
	}
	return buf
}

// DecodeValue decodes one value starting at buf[0], returning the value
// and the number of bytes consumed.
func DecodeValue(buf []byte) (any, int, error) {
	if len(buf) < 1 {
		return nil, 0, dberr.Wrap(dberr.ErrCodec, "empty buffer")
	}
	switch buf[0] {
	case TypeNull:
		return nil, 1, nil
	case TypeBool:
		if len(buf) < 2 {
			return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated bool")
		}
		return buf[1] != 0, 2, nil
	case TypeInt:
		if len(buf) < 9 {
			return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated int")
		}
		return int64(binary.LittleEndian.Uint64(buf[1:9])), 9, nil
	case TypeDouble:
		if len(buf) < 9 {
			return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated double")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf[1:9])), 9, nil
	case TypeString:
		s, n, err := decodeLengthPrefixedString(buf)
		return s, n, err
	case TypeBytes:
		b, n, err := decodeLengthPrefixedBytes(buf)
		return b, n, err
	case TypeDatetime:
		if len(buf) < 9 {
			return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated datetime")
		}
		ms := int64(binary.LittleEndian.Uint64(buf[1:9]))
		return time.UnixMilli(ms).UTC(), 9, nil
	case TypeBigInt:
		s, n, err := decodeLengthPrefixedString(buf)
		if err != nil {
			return nil, 0, err
		}
		bi, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, 0, dberr.Wrapf(dberr.ErrCodec, "malformed bigint %q", s)
		}
		return bi, n, nil
	case TypeList:
		return decodeList(buf)
	case TypeMap:
		return decodeMap(buf)
	default:
		return nil, 0, dberr.Wrapf(dberr.ErrCodec, "unknown type tag %d", buf[0])
	}
}

func decodeLengthPrefixedString(buf []byte) (string, int, error) {
	if len(buf) < 5 {
		return "", 0, dberr.Wrap(dberr.ErrCodec, "truncated string length")
	}
	l := binary.LittleEndian.Uint32(buf[1:5])
	end := 5 + int(l)
	if end > len(buf) {
		return "", 0, dberr.Wrap(dberr.ErrCodec, "truncated string data")
	}
	return string(buf[5:end]), end, nil
}

func decodeLengthPrefixedBytes(buf []byte) ([]byte, int, error) {
	if len(buf) < 5 {
		return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated bytes length")
	}
	l := binary.LittleEndian.Uint32(buf[1:5])
	end := 5 + int(l)
	if end > len(buf) {
		return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated bytes data")
	}
	out := make([]byte, l)
	copy(out, buf[5:end])
	return out, end, nil
}

func decodeList(buf []byte) ([]any, int, error) {
	if len(buf) < 5 {
		return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated list count")
	}
	count := binary.LittleEndian.Uint32(buf[1:5])
	pos := 5
	list := make([]any, 0, count)
	for i := uint32(0); i < count; i++ {
		v, n, err := DecodeValue(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		list = append(list, v)
		pos += n
	}
	return list, pos, nil
}

func decodeMap(buf []byte) (map[string]any, int, error) {
	if len(buf) < 5 {
		return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated map count")
	}
	count := binary.LittleEndian.Uint32(buf[1:5])
	pos := 5
	m := make(map[string]any, count)
	for i := uint32(0); i < count; i++ {
		if pos >= len(buf) || buf[pos] != TypeString {
			return nil, 0, dberr.Wrap(dberr.ErrCodec, "map key is not a string")
		}
		key, n, err := decodeLengthPrefixedString(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		v, n2, err := DecodeValue(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		m[key] = v
		pos += n2
	}
	return m, pos, nil
}

// EncodeMapValue encodes a Value (string-keyed mapping) as the top-level
// record payload.
func EncodeMapValue(v Value) []byte {
	return encodeMap(nil, v)
}

// DecodeMapValue decodes a record payload back into a Value. Returns
// ErrCodec if the payload's top-level type is not a map.
func DecodeMapValue(buf []byte) (Value, error) {
	v, n, err := DecodeValue(buf)
	if err != nil {
		return nil, err
	}
	if n != len(buf) {
		return nil, dberr.Wrap(dberr.ErrCodec, "trailing bytes after value")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, dberr.Wrapf(dberr.ErrCodec, "top-level value is %T, want map", v)
	}
	return m, nil
}
