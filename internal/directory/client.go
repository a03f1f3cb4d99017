package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/needlestack/needlestack/pkg/proto"
)

// Client talks to one directory replica over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a directory client for the replica at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the replica URL this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// RouteForRead resolves read routing for a photo.
func (c *Client) RouteForRead(ctx context.Context, photoID uint64) (*proto.ReadRoute, error) {
	q := url.Values{}
	q.Set("photo_id", strconv.FormatUint(photoID, 10))

	var route proto.ReadRoute
	if err := c.doJSON(ctx, http.MethodGet, "/read?"+q.Encode(), nil, &route); err != nil {
		return nil, err
	}
	return &route, nil
}

// RouteForDelete resolves delete routing and removes the replica's mapping
// for the photo.
func (c *Client) RouteForDelete(ctx context.Context, photoID uint64) (*proto.DeleteRoute, error) {
	q := url.Values{}
	q.Set("photo_id", strconv.FormatUint(photoID, 10))

	var route proto.DeleteRoute
	if err := c.doJSON(ctx, http.MethodDelete, "/delete?"+q.Encode(), nil, &route); err != nil {
		return nil, err
	}
	return &route, nil
}

// RecordFeatures submits photo bytes for feature extraction and id
// assignment.
func (c *Client) RecordFeatures(ctx context.Context, payload []byte) (*proto.FeatureResponse, error) {
	var resp proto.FeatureResponse
	if err := c.doJSON(ctx, http.MethodPost, "/get_features_along_other_details", proto.FeatureRequest{PhotoData: payload}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordFeaturesBatch is the batch variant of RecordFeatures.
func (c *Client) RecordFeaturesBatch(ctx context.Context, payloads [][]byte) (*proto.FeatureBatchResponse, error) {
	var resp proto.FeatureBatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/get_features_along_other_details_batch", proto.FeatureBatchRequest{PhotoData: payloads}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Nearest asks the replica for the nearest candidate in a partition.
func (c *Client) Nearest(ctx context.Context, req proto.NearestRequest) (uint64, error) {
	var resp proto.NearestResponse
	if err := c.doJSON(ctx, http.MethodPost, "/compute_nearest", req, &resp); err != nil {
		return 0, err
	}
	return resp.NearestPhotoID, nil
}

// NearestBatch asks the replica for one nearest candidate per batch member.
func (c *Client) NearestBatch(ctx context.Context, req proto.NearestBatchRequest) ([]uint64, error) {
	var resp proto.NearestBatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/compute_nearest_batch", req, &resp); err != nil {
		return nil, err
	}
	return resp.NearestPhotoIDs, nil
}

// Place asks the replica to run placement for a new photo.
func (c *Client) Place(ctx context.Context, req proto.PlaceRequest) (*proto.PlaceResponse, error) {
	var resp proto.PlaceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/write_combined", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PlaceBatch asks the replica to run placement for a whole batch.
func (c *Client) PlaceBatch(ctx context.Context, req proto.PlaceBatchRequest) (*proto.PlaceBatchResponse, error) {
	var resp proto.PlaceBatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/write_combined_batch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sync propagates a placement decision to the replica.
func (c *Client) Sync(ctx context.Context, req proto.SyncRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/update_volume", req, nil)
}

// SyncBatch propagates a batch placement decision to the replica.
func (c *Client) SyncBatch(ctx context.Context, req proto.SyncBatchRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/update_volume_batch", req, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp proto.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &proto.StatusError{Tier: "directory", Code: resp.StatusCode, Message: errResp.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
