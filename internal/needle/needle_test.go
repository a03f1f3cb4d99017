package needle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	n := &Needle{PhotoID: 42, Flags: FlagActive, Payload: []byte("hello world")}

	buf := n.Encode()
	require.Len(t, buf, HeaderSize+11)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.PhotoID)
	assert.Equal(t, FlagActive, got.Flags)
	assert.Equal(t, []byte("hello world"), got.Payload)
	assert.False(t, got.Deleted())
}

func TestEncodeEmptyPayload(t *testing.T) {
	n := &Needle{PhotoID: 1, Flags: FlagActive}

	got, err := Decode(n.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.PhotoID)
	assert.Empty(t, got.Payload)
}

func TestTombstoneRewriteIsSameSize(t *testing.T) {
	// The store rewrites tombstoned records in place, so flipping the flag
	// must never change the serialized length.
	n := &Needle{PhotoID: 9, Flags: FlagActive, Payload: []byte{0x01, 0x02, 0x03}}
	active := n.Encode()

	n.Flags = FlagDeleted
	deleted := n.Encode()

	require.Len(t, deleted, len(active))

	got, err := Decode(deleted)
	require.NoError(t, err)
	assert.True(t, got.Deleted())
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.Payload)
}

func TestDecodeTruncatedHeader(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	n := &Needle{PhotoID: 3, Flags: FlagActive, Payload: []byte("abcdef")}
	buf := n.Encode()

	_, err := Decode(buf[:len(buf)-2])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeCorruptPayload(t *testing.T) {
	n := &Needle{PhotoID: 3, Flags: FlagActive, Payload: []byte("abcdef")}
	buf := n.Encode()
	buf[len(buf)-1] ^= 0xff

	_, err := Decode(buf)
	assert.ErrorIs(t, err, ErrChecksum)
}
