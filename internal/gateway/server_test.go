package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/needlestack/needlestack/pkg/proto"
)

func newTestGateway(t *testing.T) string {
	t.Helper()
	tc := newTestCluster(t, 4, 3)
	srv := httptest.NewServer(NewServer(tc.coord, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func TestHTTPWriteReadDelete(t *testing.T) {
	base := newTestGateway(t)

	resp := postJSON(t, base+"/write", proto.FeatureRequest{PhotoData: []byte("over http")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack proto.WriteAck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	resp.Body.Close()

	resp, err := http.Get(base + "/read?photo_id=0")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var photo proto.PhotoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&photo))
	resp.Body.Close()
	assert.Equal(t, []byte("over http"), photo.Data)

	req, err := http.NewRequest(http.MethodDelete, base+"/delete?photo_id=0", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(base + "/read?photo_id=0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHTTPWriteRequiresPhotoData(t *testing.T) {
	base := newTestGateway(t)

	resp := postJSON(t, base+"/write", map[string]any{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPWriteBatchWrongSizeIsBadRequest(t *testing.T) {
	base := newTestGateway(t)

	resp := postJSON(t, base+"/write_batch", proto.FeatureBatchRequest{PhotoData: [][]byte{[]byte("lonely")}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPReadRejectsBadPhotoID(t *testing.T) {
	base := newTestGateway(t)

	resp, err := http.Get(base + "/read?photo_id=not-a-number")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPMethodsEnforced(t *testing.T) {
	base := newTestGateway(t)

	resp, err := http.Get(base + "/write")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(base + "/delete?photo_id=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
