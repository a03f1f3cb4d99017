// Package needle implements the on-disk record format for volume logs.
//
// Every record is a fixed-width header followed by the raw payload:
//
//	offset  size  field
//	0       8     photo id (uint64, big endian)
//	8       1     flags (0 = active, 1 = deleted)
//	9       4     payload length (uint32, big endian)
//	13      4     CRC-32 (IEEE) of the payload
//	17      n     payload bytes
//
// The CRC covers only the payload, which never changes after append, so
// tombstoning a needle rewrites the record in place without changing its
// serialized length or checksum.
package needle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// HeaderSize is the fixed serialized size of a needle header.
const HeaderSize = 8 + 1 + 4 + 4

// Flag values for the needle header.
const (
	FlagActive  uint8 = 0
	FlagDeleted uint8 = 1
)

var (
	// ErrTruncated is returned when a buffer is too short to hold the
	// record it claims to contain.
	ErrTruncated = errors.New("truncated needle record")

	// ErrChecksum is returned when the payload does not match its CRC.
	ErrChecksum = errors.New("needle checksum mismatch")
)

// Needle is one immutable stored record inside a volume log.
type Needle struct {
	PhotoID uint64
	Flags   uint8
	Payload []byte
}

// Deleted reports whether the needle carries a tombstone flag.
func (n *Needle) Deleted() bool {
	return n.Flags == FlagDeleted
}

// Size returns the serialized record length.
func (n *Needle) Size() int {
	return HeaderSize + len(n.Payload)
}

// Encode serializes the needle into a fresh buffer.
func (n *Needle) Encode() []byte {
	buf := make([]byte, n.Size())
	binary.BigEndian.PutUint64(buf[0:8], n.PhotoID)
	buf[8] = n.Flags
	binary.BigEndian.PutUint32(buf[9:13], uint32(len(n.Payload)))
	binary.BigEndian.PutUint32(buf[13:17], crc32.ChecksumIEEE(n.Payload))
	copy(buf[HeaderSize:], n.Payload)
	return buf
}

// Header holds the decoded fixed-width prefix of a record.
type Header struct {
	PhotoID    uint64
	Flags      uint8
	PayloadLen uint32
	Checksum   uint32
}

// RecordSize returns the full serialized length of the record this header
// describes.
func (h *Header) RecordSize() int {
	return HeaderSize + int(h.PayloadLen)
}

// DecodeHeader parses the fixed-width header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrTruncated
	}
	return Header{
		PhotoID:    binary.BigEndian.Uint64(buf[0:8]),
		Flags:      buf[8],
		PayloadLen: binary.BigEndian.Uint32(buf[9:13]),
		Checksum:   binary.BigEndian.Uint32(buf[13:17]),
	}, nil
}

// Decode parses a full record from buf. The payload is copied out of buf so
// callers may reuse the buffer.
func Decode(buf []byte) (*Needle, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < h.RecordSize() {
		return nil, fmt.Errorf("%w: header claims %d bytes, have %d", ErrTruncated, h.RecordSize(), len(buf))
	}

	payload := make([]byte, h.PayloadLen)
	copy(payload, buf[HeaderSize:h.RecordSize()])

	if crc32.ChecksumIEEE(payload) != h.Checksum {
		return nil, fmt.Errorf("%w: photo %d", ErrChecksum, h.PhotoID)
	}

	return &Needle{
		PhotoID: h.PhotoID,
		Flags:   h.Flags,
		Payload: payload,
	}, nil
}
