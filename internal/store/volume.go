package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/needlestack/needlestack/internal/needle"
)

// indexEntry records where a needle's serialized record lives in the log.
type indexEntry struct {
	offset int64
	length int64
}

// Volume is one append-only needle log plus its in-memory offset index.
// The index preserves insertion order; entries are added only by append and
// never removed (a soft delete flips the flag inside the record on disk and
// leaves the index untouched).
type Volume struct {
	id   uint32
	path string

	mu      sync.RWMutex
	file    *os.File
	size    int64
	ids     []uint64
	entries map[uint64]indexEntry
}

// openVolume opens or creates the log file at path. If the file already has
// contents, the index is rebuilt by replaying records from offset 0. A torn
// record at the tail (crash mid-append) is truncated away; corruption in the
// middle of the log is fatal for the volume.
func openVolume(id uint32, path string) (*Volume, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open volume log: %w", err)
	}

	v := &Volume{
		id:      id,
		path:    path,
		file:    f,
		entries: make(map[uint64]indexEntry),
	}

	if err := v.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}

	return v, nil
}

// replay scans the log sequentially and rebuilds the index.
func (v *Volume) replay() error {
	info, err := v.file.Stat()
	if err != nil {
		return fmt.Errorf("stat volume log: %w", err)
	}
	fileSize := info.Size()

	var offset int64
	header := make([]byte, needle.HeaderSize)

	for offset < fileSize {
		if fileSize-offset < int64(needle.HeaderSize) {
			break // torn header at tail
		}
		if _, err := v.file.ReadAt(header, offset); err != nil {
			return fmt.Errorf("replay volume %d at offset %d: %w", v.id, offset, err)
		}

		h, err := needle.DecodeHeader(header)
		if err != nil {
			return fmt.Errorf("replay volume %d at offset %d: %w", v.id, offset, err)
		}

		recordLen := int64(h.RecordSize())
		if offset+recordLen > fileSize {
			break // torn payload at tail
		}

		v.ids = append(v.ids, h.PhotoID)
		v.entries[h.PhotoID] = indexEntry{offset: offset, length: recordLen}
		offset += recordLen
	}

	if offset < fileSize {
		log.Warn().
			Uint32("volume", v.id).
			Int64("offset", offset).
			Int64("file_size", fileSize).
			Msg("truncating torn record at volume log tail")
		if err := v.file.Truncate(offset); err != nil {
			return fmt.Errorf("truncate torn record: %w", err)
		}
	}

	v.size = offset
	return nil
}

// Append serializes the needle and appends it to the log, recording its
// offset and length in the index. Append is the only way bytes enter a
// volume.
func (v *Volume) Append(n *needle.Needle) error {
	buf := n.Encode()

	v.mu.Lock()
	defer v.mu.Unlock()

	offset := v.size
	if _, err := v.file.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("append needle %d: %w", n.PhotoID, err)
	}

	v.size += int64(len(buf))
	v.ids = append(v.ids, n.PhotoID)
	v.entries[n.PhotoID] = indexEntry{offset: offset, length: int64(len(buf))}
	return nil
}

// Read returns the payload for photoID. Tombstoned needles return
// ErrNeedleDeleted; unknown ids return ErrNeedleNotFound.
func (v *Volume) Read(photoID uint64) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	n, err := v.readLocked(photoID)
	if err != nil {
		return nil, err
	}
	if n.Deleted() {
		return nil, fmt.Errorf("%w: photo %d", ErrNeedleDeleted, photoID)
	}
	return n.Payload, nil
}

// readLocked fetches and decodes the record regardless of its flags.
// Caller must hold at least a read lock.
func (v *Volume) readLocked(photoID uint64) (*needle.Needle, error) {
	entry, ok := v.entries[photoID]
	if !ok {
		return nil, fmt.Errorf("%w: photo %d in volume %d", ErrNeedleNotFound, photoID, v.id)
	}

	buf := make([]byte, entry.length)
	if _, err := v.file.ReadAt(buf, entry.offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: photo %d record past end of log", ErrCorruptRecord, photoID)
		}
		return nil, fmt.Errorf("read needle %d: %w", photoID, err)
	}

	n, err := needle.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return n, nil
}

// SoftDelete flips the needle's flag to deleted and rewrites the record at
// its original offset. The rewritten record serializes to the same byte
// length (only the fixed-width flag changes), so no relocation happens and
// the index entry remains valid. Deleting an already-deleted needle returns
// ErrNeedleDeleted and leaves the log unchanged.
func (v *Volume) SoftDelete(photoID uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.readLocked(photoID)
	if err != nil {
		return err
	}
	if n.Deleted() {
		return fmt.Errorf("%w: photo %d", ErrNeedleDeleted, photoID)
	}

	n.Flags = needle.FlagDeleted
	entry := v.entries[photoID]
	if _, err := v.file.WriteAt(n.Encode(), entry.offset); err != nil {
		return fmt.Errorf("rewrite tombstone for needle %d: %w", photoID, err)
	}
	return nil
}

// AdjacentIDs returns up to n ids around photoID in index insertion order,
// expanding outward one step at a time, predecessor side first. "Similar"
// here means "written around the same time into the same volume", not
// feature similarity.
func (v *Volume) AdjacentIDs(photoID uint64, n int) ([]uint64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if _, ok := v.entries[photoID]; !ok {
		return nil, fmt.Errorf("%w: photo %d in volume %d", ErrNeedleNotFound, photoID, v.id)
	}

	pos := -1
	for i, id := range v.ids {
		if id == photoID {
			pos = i
			break
		}
	}

	result := make([]uint64, 0, n)
	left, right := pos, pos
	for len(result) < n && (left > 0 || right < len(v.ids)-1) {
		if left > 0 {
			left--
			result = append(result, v.ids[left])
			if len(result) == n {
				break
			}
		}
		if right < len(v.ids)-1 {
			right++
			result = append(result, v.ids[right])
		}
	}
	return result, nil
}

// ReadSimilar returns the payload for photoID together with the payloads of
// up to n adjacent needles, skipping tombstoned neighbors but preserving
// adjacency order.
func (v *Volume) ReadSimilar(photoID uint64, n int) ([]byte, [][]byte, error) {
	adjacent, err := v.AdjacentIDs(photoID, n)
	if err != nil {
		return nil, nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	similar := make([][]byte, 0, len(adjacent))
	for _, id := range adjacent {
		neighbor, err := v.readLocked(id)
		if err != nil {
			return nil, nil, err
		}
		if neighbor.Deleted() {
			continue
		}
		similar = append(similar, neighbor.Payload)
	}

	actual, err := v.readLocked(photoID)
	if err != nil {
		return nil, nil, err
	}
	if actual.Deleted() {
		return nil, nil, fmt.Errorf("%w: photo %d", ErrNeedleDeleted, photoID)
	}

	return actual.Payload, similar, nil
}

// NeedleCount returns the number of index entries, tombstoned included.
func (v *Volume) NeedleCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.ids)
}

// Size returns the log file size in bytes.
func (v *Volume) Size() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.size
}

// Close closes the underlying log file.
func (v *Volume) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.file.Close()
}
