package feature

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteDistributionDeterministic(t *testing.T) {
	e := ByteDistribution{}
	ctx := context.Background()

	a, err := e.Extract(ctx, []byte("the same payload"))
	require.NoError(t, err)
	b, err := e.Extract(ctx, []byte("the same payload"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, Dim)
}

func TestByteDistributionNormalized(t *testing.T) {
	e := ByteDistribution{}

	vec, err := e.Extract(context.Background(), []byte("some photo bytes with spread"))
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestByteDistributionEmptyPayload(t *testing.T) {
	e := ByteDistribution{}

	vec, err := e.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, vec, Dim)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestByteDistributionBatch(t *testing.T) {
	e := ByteDistribution{}

	vecs, err := e.ExtractBatch(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.NotEqual(t, vecs[0], vecs[1])
}

func TestNearestPicksClosest(t *testing.T) {
	query := []float32{1, 0, 0}
	candidates := [][]float32{
		{0, 1, 0},
		{0.9, 0.1, 0},
		{-1, 0, 0},
	}

	idx, dist, err := Nearest(query, candidates)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.InDelta(t, 0.02, float64(dist), 1e-5)
}

func TestNearestSingleCandidate(t *testing.T) {
	idx, _, err := Nearest([]float32{1, 2}, [][]float32{{3, 4}})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestNearestNoCandidates(t *testing.T) {
	_, _, err := Nearest([]float32{1}, nil)
	assert.Error(t, err)
}

func TestNearestDimensionMismatch(t *testing.T) {
	_, _, err := Nearest([]float32{1, 2}, [][]float32{{1}})
	assert.ErrorIs(t, err, ErrBadVector)
}

func TestNearestExactMatchWinsOverClose(t *testing.T) {
	e := ByteDistribution{}
	ctx := context.Background()

	target, err := e.Extract(ctx, []byte("target payload"))
	require.NoError(t, err)
	other, err := e.Extract(ctx, []byte("completely different bytes \x00\xff"))
	require.NoError(t, err)

	idx, dist, err := Nearest(target, [][]float32{other, target})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.True(t, math.Abs(float64(dist)) < 1e-9)
}

func TestRemoteExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []byte("img"), req.PhotoData)

		vec := make([]float32, Dim)
		vec[0] = 1
		_ = json.NewEncoder(w).Encode(embedResponse{Features: vec})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, 0)
	vec, err := r.Extract(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Len(t, vec, Dim)
	assert.EqualValues(t, 1, vec[0])
}

func TestRemoteExtractorBadDimension(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Features: []float32{1, 2, 3}})
	}))
	defer srv.Close()

	r := NewRemote(srv.URL, 0)
	_, err := r.Extract(context.Background(), []byte("img"))
	assert.ErrorIs(t, err, ErrBadVector)
}
