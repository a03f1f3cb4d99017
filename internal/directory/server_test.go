package directory

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/needlestack/needlestack/internal/feature"
	"github.com/needlestack/needlestack/pkg/proto"
)

func newTestDirServer(t *testing.T) (*Directory, *Client) {
	t.Helper()
	d := newTestDirectory(t, 4)
	srv := httptest.NewServer(NewServer(d, 16, nil).Handler())
	t.Cleanup(srv.Close)
	return d, NewClient(srv.URL, 5*time.Second)
}

func TestServerWritePathRoundTrip(t *testing.T) {
	_, client := newTestDirServer(t)
	ctx := context.Background()

	feat, err := client.RecordFeatures(ctx, []byte("photo bytes"))
	require.NoError(t, err)
	assert.Len(t, feat.Features, feature.Dim)
	assert.Empty(t, feat.PhotoIDs)

	place, err := client.Place(ctx, proto.PlaceRequest{
		NearestPhotoIDs: []*uint64{nil},
		Features:        feat.Features,
		PhotoID:         feat.PhotoID,
	})
	require.NoError(t, err)
	assert.Len(t, place.PhysicalIDs, 2)

	route, err := client.RouteForRead(ctx, feat.PhotoID)
	require.NoError(t, err)
	assert.Equal(t, place.LogicalID, route.LogicalID)
	assert.Contains(t, place.PhysicalIDs, route.PhysicalID)
}

func TestServerDeleteRemovesMapping(t *testing.T) {
	d, client := newTestDirServer(t)
	ctx := context.Background()

	require.NoError(t, d.SyncVolumeAssignment(9, 2, make([]float32, feature.Dim)))

	route, err := client.RouteForDelete(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), route.LogicalID)
	assert.Len(t, route.PhysicalIDs, 2)
	assert.Equal(t, 0, route.CacheID) // 9 mod 3

	_, err = client.RouteForRead(ctx, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestServerNearestAndSync(t *testing.T) {
	d, client := newTestDirServer(t)
	ctx := context.Background()
	vec := make([]float32, feature.Dim)
	vec[0] = 1

	require.NoError(t, client.Sync(ctx, proto.SyncRequest{PhotoID: 1, LogicalID: 3, Features: vec}))

	winner, err := client.Nearest(ctx, proto.NearestRequest{
		PhotoIDs: []uint64{1},
		Features: vec,
		ActualID: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), winner)
	assert.Equal(t, 1, d.PhotoCount())
}

func TestServerBatchSizeEnforced(t *testing.T) {
	_, client := newTestDirServer(t)

	_, err := client.RecordFeaturesBatch(context.Background(), [][]byte{[]byte("one")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly 16")
}
