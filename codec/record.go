// Record framing per spec.md §4.1/§6: magic byte, length-prefixed box id
// and tag, length-prefixed data payload, trailing CRC32 (V2 only). Grounded
// on And-fish-kvDB's utils/wal.go HashReader/WalCodec: the record body is
// assembled in one buffer and the CRC32 of that whole buffer is appended
// as the trailer. The teacher uses the
// Castagnoli polynomial for its own WAL; spec.md mandates the standard
// IEEE reflected polynomial (0xEDB88320), so this uses crc32.IEEETable
// instead of crc32.MakeTable(crc32.Castagnoli).
package codec

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/andfish/truckdb/dberr"
)

const (
	MagicV1 byte = 0xDB
	MagicV2 byte = 0xDC
)

// maxIDLen bounds box-id/tag length during recovery scanning so a stray
// byte sequence that happens to look like a length prefix can't make the
// scanner allocate or seek unreasonably far. Spec.md §4.5.4 step 2.
const maxIDLen = 1024

// Record is one decoded on-disk record. Data is nil for a tombstone
// (dataLen == 0 on disk).
type Record struct {
	Version byte // MagicV1 or MagicV2
	Box     string
	Tag     string
	Data    []byte // nil => tombstone
}

// IsTombstone reports whether this record represents a deletion.
func (r *Record) IsTombstone() bool { return r.Data == nil }

// EncodeRecord serializes (box, tag, data) in V2 framing (magic 0xDC, trailing CRC32).
// Writers always emit V2 per spec.md §4.1.
func EncodeRecord(box, tag string, data []byte) []byte {
	body := make([]byte, 0, 1+4+len(box)+4+len(tag)+4+len(data))
	body = append(body, MagicV2)
	body = putU32(body, uint32(len(box)))
	body = append(body, box...)
	body = putU32(body, uint32(len(tag)))
	body = append(body, tag...)
	body = putU32(body, uint32(len(data)))
	body = append(body, data...)

	crc := crc32.ChecksumIEEE(body)
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	return append(body, crcBuf[:]...)
}

// DecodeRecord parses one record from the front of buf, which must contain
// exactly one record's bytes (the caller has already located offset/length
// via the OffsetIndex or the recovery scanner). For V2, the CRC is
// validated and ErrIntegrity returned on mismatch.
func DecodeRecord(buf []byte) (*Record, error) {
	if len(buf) < 1 {
		return nil, dberr.Wrap(dberr.ErrCodec, "empty record")
	}
	magic := buf[0]
	if magic != MagicV1 && magic != MagicV2 {
		return nil, dberr.Wrapf(dberr.ErrCodec, "unrecognized magic byte 0x%02x", magic)
	}

	body := buf
	if magic == MagicV2 {
		if len(buf) < 4 {
			return nil, dberr.Wrap(dberr.ErrCodec, "record too short for CRC trailer")
		}
		body = buf[:len(buf)-4]
		wantCRC := binary.LittleEndian.Uint32(buf[len(buf)-4:])
		gotCRC := crc32.ChecksumIEEE(body)
		if wantCRC != gotCRC {
			return nil, dberr.ErrIntegrity
		}
	}

	pos := 1
	box, n, err := readLenPrefixed(body, pos, maxIDLen)
	if err != nil {
		return nil, err
	}
	pos += n
	tag, n, err := readLenPrefixed(body, pos, maxIDLen)
	if err != nil {
		return nil, err
	}
	pos += n
	if pos+4 > len(body) {
		return nil, dberr.Wrap(dberr.ErrCodec, "truncated data length")
	}
	dataLen := binary.LittleEndian.Uint32(body[pos : pos+4])
	pos += 4
	if pos+int(dataLen) > len(body) {
		return nil, dberr.Wrap(dberr.ErrCodec, "truncated data payload")
	}
	var data []byte
	if dataLen > 0 {
		data = make([]byte, dataLen)
		copy(data, body[pos:pos+int(dataLen)])
	}

	return &Record{Version: magic, Box: string(box), Tag: string(tag), Data: data}, nil
}

func readLenPrefixed(buf []byte, pos int, maxLen uint32) ([]byte, int, error) {
	if pos+4 > len(buf) {
		return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated length prefix")
	}
	l := binary.LittleEndian.Uint32(buf[pos : pos+4])
	if l == 0 || l > maxLen {
		return nil, 0, dberr.Wrapf(dberr.ErrCodec, "invalid length %d", l)
	}
	start := pos + 4
	end := start + int(l)
	if end > len(buf) {
		return nil, 0, dberr.Wrap(dberr.ErrCodec, "truncated id data")
	}
	return buf[start:end], end - pos, nil
}

// RecordLength returns the on-disk length of a record given its header
// fields, without decoding the body: used by the recovery scanner (which
// only trusts the first few length prefixes) to figure out how far to
// advance before re-validating the CRC.
func RecordLength(magic byte, boxLen, tagLen, dataLen uint32) int {
	n := 1 + 4 + int(boxLen) + 4 + int(tagLen) + 4 + int(dataLen)
	if magic == MagicV2 {
		n += 4
	}
	return n
}

// PeekHeader reads just the magic byte and the box/tag/data lengths from
// the front of buf, without validating CRC or copying string data. Used by
// the recovery scanner to size a record before deciding whether enough
// bytes remain to read it fully.
func PeekHeader(buf []byte) (magic byte, boxLen, tagLen, dataLen uint32, headerLen int, ok bool) {
	if len(buf) < 1 {
		return 0, 0, 0, 0, 0, false
	}
	magic = buf[0]
	if magic != MagicV1 && magic != MagicV2 {
		return 0, 0, 0, 0, 0, false
	}
	pos := 1
	if pos+4 > len(buf) {
		return 0, 0, 0, 0, 0, false
	}
	boxLen = binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	if boxLen == 0 || boxLen > maxIDLen || pos+int(boxLen) > len(buf) {
		return 0, 0, 0, 0, 0, false
	}
	pos += int(boxLen)
	if pos+4 > len(buf) {
		return 0, 0, 0, 0, 0, false
	}
	tagLen = binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	if tagLen == 0 || tagLen > maxIDLen || pos+int(tagLen) > len(buf) {
		return 0, 0, 0, 0, 0, false
	}
	pos += int(tagLen)
	if pos+4 > len(buf) {
		return 0, 0, 0, 0, 0, false
	}
	dataLen = binary.LittleEndian.Uint32(buf[pos : pos+4])
	pos += 4
	return magic, boxLen, tagLen, dataLen, pos, true
}
