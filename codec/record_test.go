package codec

import (
	"testing"

	"github.com/andfish/truckdb/dberr"
	"github.com/stretchr/testify/require"
)

func TestRecordRoundTrip(t *testing.T) {
	buf := EncodeRecord("trucks", "alice", []byte{1, 2, 3, 4})
	rec, err := DecodeRecord(buf)
	require.NoError(t, err)
	require.Equal(t, MagicV2, rec.Version)
	require.Equal(t, "trucks", rec.Box)
	require.Equal(t, "alice", rec.Tag)
	require.Equal(t, []byte{1, 2, 3, 4}, rec.Data)
	require.False(t, rec.IsTombstone())
}

func TestRecordTombstone(t *testing.T) {
	buf := EncodeRecord("trucks", "alice", nil)
	rec, err := DecodeRecord(buf)
	require.NoError(t, err)
	require.True(t, rec.IsTombstone())
}

func TestRecordCRCMismatch(t *testing.T) {
	buf := EncodeRecord("trucks", "alice", []byte("payload"))
	buf[len(buf)-1] ^= 0xFF
	_, err := DecodeRecord(buf)
	require.ErrorIs(t, err, dberr.ErrIntegrity)
}

func TestPeekHeaderMatchesRecordLength(t *testing.T) {
	buf := EncodeRecord("box1", "tag1", []byte("hello"))
	magic, boxLen, tagLen, dataLen, headerLen, ok := PeekHeader(buf)
	require.True(t, ok)
	require.Equal(t, MagicV2, magic)
	total := RecordLength(magic, boxLen, tagLen, dataLen)
	require.Equal(t, len(buf), total)
	require.Less(t, headerLen, total)
}

func TestPeekHeaderRejectsBadMagic(t *testing.T) {
	_, _, _, _, _, ok := PeekHeader([]byte{0x00, 0, 0, 0, 0})
	require.False(t, ok)
}
