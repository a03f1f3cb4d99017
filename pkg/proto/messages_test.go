package proto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceRequestNilCandidates(t *testing.T) {
	// A shard with no usable data reports a nil candidate; the directory's
	// placement cold path keys off that, so nil must survive the wire.
	id := uint64(7)
	req := PlaceRequest{
		NearestPhotoIDs: []*uint64{nil, &id, nil},
		Features:        []float32{0.5, 0.25},
		PhotoID:         42,
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"nearest_photos_ids":[null,7,null]`)

	var got PlaceRequest
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got.NearestPhotoIDs, 3)
	assert.Nil(t, got.NearestPhotoIDs[0])
	require.NotNil(t, got.NearestPhotoIDs[1])
	assert.Equal(t, uint64(7), *got.NearestPhotoIDs[1])
	assert.Nil(t, got.NearestPhotoIDs[2])
}

func TestPhotoDataIsBase64OnTheWire(t *testing.T) {
	req := WriteNeedleRequest{
		PhotoID:    1,
		PhysicalID: 10,
		LogicalID:  5,
		PhotoData:  []byte{0x00, 0xff, 0x10},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)

	var got WriteNeedleRequest
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, req.PhotoData, got.PhotoData)
}

func TestSimilarResponseEmptySimilar(t *testing.T) {
	resp := SimilarResponse{Actual: []byte("a"), Similar: [][]byte{}}

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var got SimilarResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, []byte("a"), got.Actual)
	assert.Empty(t, got.Similar)
}
