package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), 0, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	payload := []byte("A")
	require.NoError(t, s.Append(10, 1, payload))

	got, err := s.Read(10, 1)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadUnknownVolume(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read(99, 1)
	assert.ErrorIs(t, err, ErrVolumeNotFound)
}

func TestReadUnknownNeedle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(10, 1, []byte("A")))

	_, err := s.Read(10, 2)
	assert.ErrorIs(t, err, ErrNeedleNotFound)
}

func TestSoftDeleteIsOneWay(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(10, 1, []byte("A")))

	require.NoError(t, s.SoftDelete(10, 1))

	_, err := s.Read(10, 1)
	assert.ErrorIs(t, err, ErrNeedleDeleted)

	// Second delete reports already-deleted and must not disturb the log.
	err = s.SoftDelete(10, 1)
	assert.ErrorIs(t, err, ErrNeedleDeleted)

	_, err = s.Read(10, 1)
	assert.ErrorIs(t, err, ErrNeedleDeleted)
}

func TestSoftDeleteKeepsSiblings(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(10, 1, []byte("A")))
	require.NoError(t, s.Append(10, 2, []byte("B")))
	require.NoError(t, s.Append(10, 3, []byte("C")))

	require.NoError(t, s.SoftDelete(10, 2))

	got, err := s.Read(10, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), got)

	got, err = s.Read(10, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("C"), got)
}

func TestSoftDeleteUnknownNeedle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(10, 1, []byte("A")))

	assert.ErrorIs(t, s.SoftDelete(10, 7), ErrNeedleNotFound)
	assert.ErrorIs(t, s.SoftDelete(55, 1), ErrVolumeNotFound)
}

func TestSoftDeletePreservesLogSize(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Append(10, 1, []byte("payload")))

	before, err := os.Stat(filepath.Join(dir, "v10.log"))
	require.NoError(t, err)

	require.NoError(t, s.SoftDelete(10, 1))

	after, err := os.Stat(filepath.Join(dir, "v10.log"))
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "tombstone rewrite must not change the log size")
}

func TestAdjacentIDsOutwardOrder(t *testing.T) {
	s := newTestStore(t)
	for id := uint64(1); id <= 7; id++ {
		require.NoError(t, s.Append(10, id, []byte{byte(id)}))
	}

	// Around 4: predecessor first, then successor, expanding outward.
	ids, err := s.AdjacentIDs(10, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 5, 2, 6}, ids)

	// Never more than n.
	ids, err = s.AdjacentIDs(10, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 5, 2}, ids)

	// At the head of the volume only successors are available.
	ids, err = s.AdjacentIDs(10, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, ids)

	// Asking for more than exists exhausts both ends.
	ids, err = s.AdjacentIDs(10, 4, 100)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 5, 2, 6, 1, 7}, ids)
}

func TestAdjacentIDsSingleNeedle(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(10, 1, []byte("A")))

	ids, err := s.AdjacentIDs(10, 1, 5)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReadSimilarSkipsTombstones(t *testing.T) {
	s := newTestStore(t)
	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, s.Append(10, id, []byte(fmt.Sprintf("p%d", id))))
	}
	require.NoError(t, s.SoftDelete(10, 2))

	actual, similar, err := s.ReadSimilar(10, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("p3"), actual)
	// Adjacency order is 2,4,1,5; the tombstoned 2 is filtered out.
	assert.Equal(t, [][]byte{[]byte("p4"), []byte("p1"), []byte("p5")}, similar)
}

func TestReadSimilarDeletedActual(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Append(10, 1, []byte("A")))
	require.NoError(t, s.Append(10, 2, []byte("B")))
	require.NoError(t, s.SoftDelete(10, 1))

	_, _, err := s.ReadSimilar(10, 1, 2)
	assert.ErrorIs(t, err, ErrNeedleDeleted)
}

func TestReopenRebuildsIndex(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(10, 1, []byte("A")))
	require.NoError(t, s.Append(10, 2, []byte("B")))
	require.NoError(t, s.Append(11, 3, []byte("C")))
	require.NoError(t, s.SoftDelete(10, 1))
	require.NoError(t, s.Close())

	s2, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	_, err = s2.Read(10, 1)
	assert.ErrorIs(t, err, ErrNeedleDeleted, "tombstone must survive restart")

	got, err := s2.Read(10, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), got)

	got, err = s2.Read(11, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("C"), got)

	// Insertion order survives the replay too.
	ids, err := s2.AdjacentIDs(10, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestReopenTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Append(10, 1, []byte("complete")))
	require.NoError(t, s.Append(10, 2, []byte("torn")))
	require.NoError(t, s.Close())

	// Chop a few bytes off the final record, simulating a crash mid-append.
	path := filepath.Join(dir, "v10.log")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-2))

	s2, err := Open(dir, 0, nil)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	got, err := s2.Read(10, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("complete"), got)

	_, err = s2.Read(10, 2)
	assert.ErrorIs(t, err, ErrNeedleNotFound)

	// The volume accepts fresh appends after recovery.
	require.NoError(t, s2.Append(10, 3, []byte("fresh")))
	got, err = s2.Read(10, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got)
}

func TestMaxPayloadEnforced(t *testing.T) {
	s, err := Open(t.TempDir(), 4, nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.NoError(t, s.Append(10, 1, []byte("1234")))
	assert.ErrorIs(t, s.Append(10, 2, []byte("12345")), ErrPayloadTooLarge)
}
