// Package feature provides the directory's two external collaborators at
// their interface boundary: feature extraction (bytes to a fixed-length
// vector) and nearest-neighbor search over candidate vectors.
package feature

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Dim is the feature vector dimension used across the system.
const Dim = 64

// ErrBadVector is returned when a vector does not have Dim elements.
var ErrBadVector = errors.New("feature vector has wrong dimension")

// Extractor turns raw photo bytes into a fixed-length feature vector. The
// vector is treated as an opaque similarity key everywhere else.
type Extractor interface {
	Extract(ctx context.Context, payload []byte) ([]float32, error)
	ExtractBatch(ctx context.Context, payloads [][]byte) ([][]float32, error)
}

// ByteDistribution is the built-in extractor: an L2-normalized histogram of
// byte values. It carries no visual semantics, but it is deterministic,
// fast, and gives identical payloads identical vectors, which is all the
// placement algorithm needs to function without a model server.
type ByteDistribution struct{}

// Extract computes the normalized byte-value histogram of payload.
func (ByteDistribution) Extract(_ context.Context, payload []byte) ([]float32, error) {
	vec := make([]float32, Dim)
	for _, b := range payload {
		vec[int(b)*Dim/256]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// ExtractBatch extracts each payload independently.
func (e ByteDistribution) ExtractBatch(ctx context.Context, payloads [][]byte) ([][]float32, error) {
	out := make([][]float32, len(payloads))
	for i, p := range payloads {
		vec, err := e.Extract(ctx, p)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Remote is an Extractor backed by an external model server speaking a
// small JSON protocol: POST /embed and POST /embed_batch.
type Remote struct {
	baseURL string
	client  *http.Client
}

// NewRemote creates a remote extractor for the model server at baseURL.
func NewRemote(baseURL string, timeout time.Duration) *Remote {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Remote{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type embedRequest struct {
	PhotoData []byte `json:"photo_data"`
}

type embedResponse struct {
	Features []float32 `json:"features"`
}

type embedBatchRequest struct {
	PhotoData [][]byte `json:"photo_data"`
}

type embedBatchResponse struct {
	Features [][]float32 `json:"features"`
}

// Extract requests a single embedding from the model server.
func (r *Remote) Extract(ctx context.Context, payload []byte) ([]float32, error) {
	var resp embedResponse
	if err := r.post(ctx, "/embed", embedRequest{PhotoData: payload}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Features) != Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadVector, len(resp.Features), Dim)
	}
	return resp.Features, nil
}

// ExtractBatch requests embeddings for a whole batch in one call.
func (r *Remote) ExtractBatch(ctx context.Context, payloads [][]byte) ([][]float32, error) {
	var resp embedBatchResponse
	if err := r.post(ctx, "/embed_batch", embedBatchRequest{PhotoData: payloads}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Features) != len(payloads) {
		return nil, fmt.Errorf("model server returned %d vectors for %d payloads", len(resp.Features), len(payloads))
	}
	for _, vec := range resp.Features {
		if len(vec) != Dim {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrBadVector, len(vec), Dim)
		}
	}
	return resp.Features, nil
}

func (r *Remote) post(ctx context.Context, path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("model server request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
