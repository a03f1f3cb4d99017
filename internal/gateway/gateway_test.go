package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/needlestack/needlestack/internal/cache"
	"github.com/needlestack/needlestack/internal/directory"
	"github.com/needlestack/needlestack/internal/feature"
	"github.com/needlestack/needlestack/internal/store"
	"github.com/needlestack/needlestack/pkg/proto"
)

// testCluster wires up a full miniature deployment: two store machines,
// three cache shards, and a configurable number of directory replicas,
// all behind real HTTP listeners.
type testCluster struct {
	coord  *Coordinator
	stores []*store.Store
}

func newTestCluster(t *testing.T, logicalVolumes, nDirs int) *testCluster {
	t.Helper()

	var machineURLs []string
	var stores []*store.Store
	for m := 0; m < 2; m++ {
		st, err := store.Open(t.TempDir(), 0, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		srv := httptest.NewServer(store.NewServer(st, nil).Handler())
		t.Cleanup(srv.Close)
		machineURLs = append(machineURLs, srv.URL)
		stores = append(stores, st)
	}

	var cacheURLs []string
	for i := 0; i < 3; i++ {
		c := cache.New(cache.NewMemoryBackend())
		srv := httptest.NewServer(cache.NewServer(c, 5*time.Second, nil).Handler())
		t.Cleanup(srv.Close)
		cacheURLs = append(cacheURLs, srv.URL)
	}

	var dirURLs []string
	for i := 0; i < nDirs; i++ {
		d := directory.New(directory.Topology{
			LogicalVolumes:    logicalVolumes,
			ReplicasPerVolume: 2,
			Machines:          2,
			CacheShards:       3,
		}, feature.ByteDistribution{}, nil)
		srv := httptest.NewServer(directory.NewServer(d, 16, nil).Handler())
		t.Cleanup(srv.Close)
		dirURLs = append(dirURLs, srv.URL)
	}

	coord, err := NewCoordinator(Options{
		DirectoryURLs: dirURLs,
		CacheURLs:     cacheURLs,
		MachineURLs:   machineURLs,
		Timeout:       5 * time.Second,
	})
	require.NoError(t, err)
	return &testCluster{coord: coord, stores: stores}
}

// replicaCount scans both store machines for the photo and reports how
// many live copies exist.
func (tc *testCluster) replicaCount(photoID uint64, maxPhysical uint32) int {
	count := 0
	for p := uint32(0); p < maxPhysical; p++ {
		for _, st := range tc.stores {
			if _, err := st.Read(p, photoID); err == nil {
				count++
			}
		}
	}
	return count
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tc := newTestCluster(t, 4, 3)
	ctx := context.Background()

	photoID, err := tc.coord.Write(ctx, []byte("first photo"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), photoID)

	data, err := tc.coord.Read(ctx, photoID)
	require.NoError(t, err)
	assert.Equal(t, []byte("first photo"), data)
}

func TestWriteReplicatesToBothMachines(t *testing.T) {
	tc := newTestCluster(t, 4, 3)

	photoID, err := tc.coord.Write(context.Background(), []byte("replicated"))
	require.NoError(t, err)

	assert.Equal(t, 2, tc.replicaCount(photoID, 8))
}

func TestDeleteIsOneWay(t *testing.T) {
	tc := newTestCluster(t, 4, 3)
	ctx := context.Background()

	photoID, err := tc.coord.Write(ctx, []byte("short lived"))
	require.NoError(t, err)

	require.NoError(t, tc.coord.Delete(ctx, photoID))

	_, err = tc.coord.Read(ctx, photoID)
	require.Error(t, err)

	// Deleting again fails: the directory mapping is already gone, and the
	// directory's status rides up as a typed error.
	err = tc.coord.Delete(ctx, photoID)
	require.Error(t, err)
	var se *proto.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, "directory", se.Tier)
}

func TestWritePartialFailureKeepsSurvivingReplica(t *testing.T) {
	tc := newTestCluster(t, 4, 3)

	// Replace machine 1 with a dead endpoint after startup.
	dead := httptest.NewServer(nil)
	dead.Close()
	tc.coord.machines[1] = dead.URL
	tc.coord.stores[1] = store.NewClient(dead.URL, time.Second)

	photoID, err := tc.coord.Write(context.Background(), []byte("half landed"))
	require.Error(t, err)

	var pf *PartialFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "write", pf.Op)
	require.Len(t, pf.Failed, 1)
	assert.Equal(t, dead.URL, pf.Failed[0].Target)

	// The replica that landed is not rolled back.
	assert.Equal(t, 1, tc.replicaCount(photoID, 8))
}

func TestWriteBatchAssignsContiguousBlock(t *testing.T) {
	tc := newTestCluster(t, 4, 3)
	ctx := context.Background()

	photos := make([][]byte, 16)
	for i := range photos {
		photos[i] = []byte{byte(i), byte(i + 1), byte(i + 2)}
	}

	firstID, err := tc.coord.WriteBatch(ctx, photos)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), firstID)

	for i := range photos {
		data, err := tc.coord.Read(ctx, firstID+uint64(i))
		require.NoError(t, err, "photo %d", i)
		assert.Equal(t, photos[i], data)
	}
}

func TestWriteBatchRejectsWrongSize(t *testing.T) {
	tc := newTestCluster(t, 4, 3)

	_, err := tc.coord.WriteBatch(context.Background(), [][]byte{[]byte("lonely")})
	require.Error(t, err)
	var bs *BatchSizeError
	require.ErrorAs(t, err, &bs)
	assert.Equal(t, 16, bs.Want)
	assert.Equal(t, 1, bs.Got)
	assert.Contains(t, err.Error(), "exactly 16")
}

func TestAppendReplicasRejectsBadMachineBeforeWriting(t *testing.T) {
	tc := newTestCluster(t, 4, 3)

	err := tc.coord.appendReplicas(context.Background(), 42, 0, []uint32{0, 1}, []int{0, 99}, []byte("stray"))
	require.ErrorIs(t, err, ErrBadMachineID)

	// The valid replica must not have been written: targets are resolved
	// before any store call is launched.
	assert.Equal(t, 0, tc.replicaCount(42, 8))
}

func TestReadSimilarReturnsVolumeNeighbors(t *testing.T) {
	// A single logical volume forces every photo into the same replica
	// pair, so later writes are neighbors of earlier ones.
	tc := newTestCluster(t, 1, 3)
	ctx := context.Background()

	var ids []uint64
	for _, payload := range []string{"alpha", "beta", "gamma"} {
		id, err := tc.coord.Write(ctx, []byte(payload))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	resp, err := tc.coord.ReadSimilar(ctx, ids[1], 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), resp.Actual)
	require.Len(t, resp.Similar, 2)
	assert.ElementsMatch(t, [][]byte{[]byte("alpha"), []byte("gamma")}, resp.Similar)
}

func TestSequentialWritesGetSequentialIDs(t *testing.T) {
	tc := newTestCluster(t, 4, 3)
	ctx := context.Background()

	for want := uint64(0); want < 6; want++ {
		id, err := tc.coord.Write(ctx, []byte{byte(want)})
		require.NoError(t, err)
		assert.Equal(t, want, id, "ids must stay sequential across replica round-robin")
	}
}

func TestNewCoordinatorRequiresDirectories(t *testing.T) {
	_, err := NewCoordinator(Options{})
	assert.ErrorIs(t, err, ErrNoDirectories)
}
