package store

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

// Client talks to a store machine over HTTP. The base URL identifies the
// machine; the physical volume is chosen per call.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a store client for the machine at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the machine URL this client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get fetches a photo payload from one physical volume.
func (c *Client) Get(ctx context.Context, photoID uint64, physicalID uint32) ([]byte, error) {
	q := url.Values{}
	q.Set("key", strconv.FormatUint(photoID, 10))
	q.Set("physical_id", strconv.FormatUint(uint64(physicalID), 10))

	var resp proto.PhotoResponse
	if err := c.doJSON(ctx, http.MethodGet, "/get?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetSimilar fetches a photo plus its volume-adjacent neighbors.
func (c *Client) GetSimilar(ctx context.Context, photoID uint64, physicalID uint32, numSimilar int) (*proto.SimilarResponse, error) {
	q := url.Values{}
	q.Set("key", strconv.FormatUint(photoID, 10))
	q.Set("physical_id", strconv.FormatUint(uint64(physicalID), 10))
	q.Set("num_of_similar", strconv.Itoa(numSimilar))

	var resp proto.SimilarResponse
	if err := c.doJSON(ctx, http.MethodGet, "/get_similar?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Write appends a photo to one physical volume.
func (c *Client) Write(ctx context.Context, req proto.WriteNeedleRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/write", req, nil)
}

// Remove tombstones a photo in one physical volume.
func (c *Client) Remove(ctx context.Context, photoID uint64, physicalID uint32) error {
	q := url.Values{}
	q.Set("key", strconv.FormatUint(photoID, 10))
	q.Set("physical_id", strconv.FormatUint(uint64(physicalID), 10))

	return c.doJSON(ctx, http.MethodDelete, "/remove?"+q.Encode(), nil, nil)
}

// doJSON issues a request with an optional JSON body and decodes the JSON
// response into out (if non-nil). Non-2xx responses are returned as errors
// carrying the server's error message.
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
		return fmt.Errorf("store request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errResp proto.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return &proto.StatusError{Tier: "store", Code: resp.StatusCode, Message: errResp.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
